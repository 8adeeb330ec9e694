package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-grabber/app/database"
	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/repository"
	"media-grabber/app/result"
	"media-grabber/app/utils/diskspace"
	"media-grabber/app/utils/downloader"
	"media-grabber/app/utils/pathhelper"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fetcherFunc func(ctx context.Context, req downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result]

func (f fetcherFunc) Download(ctx context.Context, req downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
	return f(ctx, req, onProgress)
}

// writeFile 模拟下载完成：写入目标文件并返回成功结果
func writeFile(req downloader.Request) result.NetworkResult[*downloader.Result] {
	if err := os.MkdirAll(filepath.Dir(req.SavePath), 0755); err != nil {
		return result.FromError[*downloader.Result](err)
	}
	if err := os.WriteFile(req.SavePath, []byte("data"), 0644); err != nil {
		return result.FromError[*downloader.Result](err)
	}
	return result.Success(&downloader.Result{Size: 4, Path: req.SavePath, MimeType: "image/png"})
}

// blockUntilCancelled 写入一段临时文件后阻塞到任务被取消
func blockUntilCancelled(ctx context.Context, req downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
	_ = os.MkdirAll(filepath.Dir(req.SavePath), 0755)
	_ = os.WriteFile(pathhelper.PartPath(req.SavePath), []byte("da"), 0644)
	onProgress(downloader.Progress{Written: 2, Total: 4})
	<-ctx.Done()
	return result.FromError[*downloader.Result](ctx.Err())
}

type queueFixture struct {
	queue *DownloadQueueService
	repo  *repository.DownloadRepository
	bus   *EventBus
	dir   string
}

func setupQueue(t *testing.T, fetcher Fetcher, limit int) *queueFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	log := logger.NewNop()
	repo := repository.NewDownloadRepository(db)
	bus := NewEventBus(log, 256)
	dir := t.TempDir()
	q := NewDownloadQueueService(log, repo, fetcher, bus, &DownloadQueueConfig{
		MaxConcurrent: limit,
		BaseDir:       dir,
	})
	q.SetSpaceChecker(func(string, uint64) error { return nil })
	t.Cleanup(q.StopWorkers)

	return &queueFixture{queue: q, repo: repo, bus: bus, dir: dir}
}

func (f *queueFixture) add(t *testing.T, link string) string {
	t.Helper()
	id := uuid.NewString()
	screenName := "alice"
	rec := &model.Download{
		UUID:         id,
		ScreenName:   &screenName,
		PlatformType: model.PlatformTwitter,
		SourceID:     "1700000000",
		Link:         link,
		FileName:     id + ".jpg",
		FileType:     model.MediaTypePhoto,
		Status:       model.DownloadStatusPending,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, f.repo.Insert(context.Background(), rec))
	require.NoError(t, f.queue.Enqueue(rec.Task()))
	return id
}

func (f *queueFixture) waitStatus(t *testing.T, id string, status model.DownloadStatus) *model.Download {
	t.Helper()
	var rec *model.Download
	require.Eventually(t, func() bool {
		got, err := f.repo.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		rec = got
		return got.Status == status
	}, 5*time.Second, 10*time.Millisecond, "download %s never reached %s", id, status)
	return rec
}

func TestQueueNeverExceedsConcurrencyLimit(t *testing.T) {
	req := require.New(t)

	var running, maxRunning atomic.Int32
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		onProgress(downloader.Progress{Written: 1, Total: 2})
		time.Sleep(40 * time.Millisecond)
		return writeFile(r)
	})

	fx := setupQueue(t, fetcher, 2)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fx.add(t, "https://pbs.twimg.com/media/a.jpg")
	}

	// 采样记录表中的 DOWNLOADING 数量
	done := make(chan struct{})
	var sampled sync.WaitGroup
	var maxDownloading int
	sampled.Add(1)
	go func() {
		defer sampled.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			list, err := fx.repo.GetDownloading(context.Background())
			if err == nil && len(list) > maxDownloading {
				maxDownloading = len(list)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	fx.queue.StartWorkers()
	for _, id := range ids {
		rec := fx.waitStatus(t, id, model.DownloadStatusCompleted)
		req.NotNil(rec.FileURI)
		req.Equal(100, rec.Progress)
	}
	close(done)
	sampled.Wait()

	req.LessOrEqual(int(maxRunning.Load()), 2)
	req.Equal(int32(2), maxRunning.Load())
	req.LessOrEqual(maxDownloading, 2)
	req.Zero(fx.queue.ActiveCount())
}

func TestQueueStartsTasksInFIFOOrder(t *testing.T) {
	req := require.New(t)

	var mu sync.Mutex
	var order []string
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, _ func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		mu.Lock()
		order = append(order, filepath.Base(r.SavePath))
		mu.Unlock()
		return writeFile(r)
	})

	fx := setupQueue(t, fetcher, 1)
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, fx.add(t, "https://i.pximg.net/img/a.png"))
	}
	fx.queue.StartWorkers()
	for _, id := range ids {
		fx.waitStatus(t, id, model.DownloadStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		req.Equal(id+".jpg", order[i])
	}
}

func TestQueueNotFoundEndsFailedWithoutURI(t *testing.T) {
	req := require.New(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := downloader.New(downloader.DefaultConfig())
	defer d.Close()

	fx := setupQueue(t, d, 2)
	events, unsubscribe := fx.bus.Subscribe()
	defer unsubscribe()

	id := fx.add(t, srv.URL+"/gone.jpg")
	fx.queue.StartWorkers()

	rec := fx.waitStatus(t, id, model.DownloadStatusFailed)
	req.Nil(rec.FileURI)
	req.NotNil(rec.ErrorMessage)
	req.Contains(*rec.ErrorMessage, "not found")
	req.NoError(rec.CheckInvariants())

	var kinds []StateKind
	require.Eventually(t, func() bool {
		for {
			select {
			case evt := <-events:
				if evt.DownloadID == id {
					kinds = append(kinds, evt.State.Kind)
				}
			default:
				return len(kinds) > 0 && kinds[len(kinds)-1] == StateFailed
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
	req.Equal(StatePending, kinds[0])
	req.Contains(kinds, StateDownloading)
}

func TestQueueInsufficientStorageFailsBeforeDownloading(t *testing.T) {
	req := require.New(t)

	var called atomic.Bool
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, _ func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		called.Store(true)
		return writeFile(r)
	})

	fx := setupQueue(t, fetcher, 1)
	fx.queue.SetSpaceChecker(func(dir string, required uint64) error {
		return &diskspace.ErrInsufficient{Dir: dir, Free: 1024, Required: required + 1}
	})

	id := fx.add(t, "https://lofter.lf127.net/a.jpg")
	fx.queue.StartWorkers()

	rec := fx.waitStatus(t, id, model.DownloadStatusFailed)
	req.Contains(*rec.ErrorMessage, "存储空间不足")
	req.Zero(rec.Progress)
	req.False(called.Load())
}

func TestQueueCancelFreesSlotAndRemovesPartFile(t *testing.T) {
	req := require.New(t)

	var calls atomic.Int32
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		if calls.Add(1) == 1 {
			return blockUntilCancelled(ctx, r, onProgress)
		}
		return writeFile(r)
	})

	fx := setupQueue(t, fetcher, 1)
	first := fx.add(t, "https://video.twimg.com/a.mp4")
	second := fx.add(t, "https://video.twimg.com/b.mp4")
	fx.queue.StartWorkers()

	fx.waitStatus(t, first, model.DownloadStatusDownloading)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	req.NoError(fx.queue.Cancel(context.Background(), first))

	rec, err := fx.repo.GetByID(context.Background(), first)
	req.NoError(err)
	req.Equal(model.DownloadStatusCancelled, rec.Status)
	req.Nil(rec.FileURI)
	req.Nil(rec.ErrorMessage)

	dest := pathhelper.SavePath(fx.dir, "twitter", "alice", first+".jpg")
	_, err = os.Stat(pathhelper.PartPath(dest))
	req.True(os.IsNotExist(err))
	_, err = os.Stat(dest)
	req.True(os.IsNotExist(err))

	// 释放的槽位交给下一个任务
	fx.waitStatus(t, second, model.DownloadStatusCompleted)
}

func TestQueuePauseKeepsProgressAndResumeCompletes(t *testing.T) {
	req := require.New(t)

	var calls atomic.Int32
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		if calls.Add(1) == 1 {
			return blockUntilCancelled(ctx, r, onProgress)
		}
		if _, err := os.Stat(pathhelper.PartPath(r.SavePath)); err != nil {
			return result.FromError[*downloader.Result](err)
		}
		_ = os.Remove(pathhelper.PartPath(r.SavePath))
		return writeFile(r)
	})

	fx := setupQueue(t, fetcher, 1)
	id := fx.add(t, "https://i.pximg.net/img-original/a.png")
	fx.queue.StartWorkers()

	require.Eventually(t, func() bool {
		rec, err := fx.repo.GetByID(context.Background(), id)
		return err == nil && rec.Progress == 50
	}, 2*time.Second, 5*time.Millisecond)

	req.NoError(fx.queue.Pause(context.Background(), id))
	rec, err := fx.repo.GetByID(context.Background(), id)
	req.NoError(err)
	req.Equal(model.DownloadStatusPaused, rec.Status)
	req.Equal(50, rec.Progress)
	req.Zero(fx.queue.ActiveCount())

	req.NoError(fx.queue.Dispatch(context.Background(), Intent{Kind: IntentResume, DownloadID: id}))
	rec = fx.waitStatus(t, id, model.DownloadStatusCompleted)
	req.NotNil(rec.FileURI)
	req.Equal(int32(2), calls.Load())

	req.ErrorIs(fx.queue.Resume(context.Background(), id), ErrNotResumable)
}

func TestQueueDeleteRemovesRecordAndFiles(t *testing.T) {
	req := require.New(t)
	fx := setupQueue(t, fetcherFunc(func(ctx context.Context, r downloader.Request, _ func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		return writeFile(r)
	}), 1)

	id := fx.add(t, "https://p1.kkmh.com/a.jpg")
	fx.queue.StartWorkers()
	rec := fx.waitStatus(t, id, model.DownloadStatusCompleted)

	path, ok := pathhelper.PathFromURI(*rec.FileURI)
	req.True(ok)
	_, err := os.Stat(path)
	req.NoError(err)

	events, unsubscribe := fx.bus.Subscribe()
	defer unsubscribe()

	req.NoError(fx.queue.Delete(context.Background(), id))
	_, err = fx.repo.GetByID(context.Background(), id)
	req.ErrorIs(err, repository.ErrDownloadNotFound)
	_, err = os.Stat(path)
	req.True(os.IsNotExist(err))

	evt := <-events
	req.Equal(id, evt.DownloadID)
	req.Equal(StateDeleted, evt.State.Kind)
}

func TestQueueRejectsDuplicateTask(t *testing.T) {
	req := require.New(t)
	fx := setupQueue(t, fetcherFunc(blockUntilCancelled), 1)

	id := fx.add(t, "https://a.jpg")
	rec, err := fx.repo.GetByID(context.Background(), id)
	req.NoError(err)
	req.ErrorIs(fx.queue.Enqueue(rec.Task()), ErrTaskExists)
	req.ErrorIs(fx.queue.Pause(context.Background(), "missing"), ErrTaskNotFound)
	req.ErrorIs(fx.queue.Dispatch(context.Background(), Intent{Kind: "retry"}), ErrUnknownIntent)
}

func TestQueueStopReturnsRunningTasksToPendingAndReconcileRestarts(t *testing.T) {
	req := require.New(t)

	var calls atomic.Int32
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		if calls.Add(1) == 1 {
			return blockUntilCancelled(ctx, r, onProgress)
		}
		return writeFile(r)
	})

	fx := setupQueue(t, fetcher, 1)
	id := fx.add(t, "https://static.missevan.com/a.mp3")
	fx.queue.StartWorkers()
	fx.waitStatus(t, id, model.DownloadStatusDownloading)

	fx.queue.StopWorkers()
	rec, err := fx.repo.GetByID(context.Background(), id)
	req.NoError(err)
	req.Equal(model.DownloadStatusPending, rec.Status)

	// 模拟进程重启：新的队列实例从记录表恢复
	log := logger.NewNop()
	restarted := NewDownloadQueueService(log, fx.repo, fetcher, fx.bus, &DownloadQueueConfig{MaxConcurrent: 1, BaseDir: fx.dir})
	restarted.SetSpaceChecker(func(string, uint64) error { return nil })
	t.Cleanup(restarted.StopWorkers)

	broken := uuid.NewString()
	req.NoError(fx.repo.Insert(context.Background(), &model.Download{
		UUID:         broken,
		PlatformType: model.PlatformLofter,
		FileName:     "x.jpg",
		Status:       model.DownloadStatusPending,
		CreatedAt:    time.Now(),
	}))

	n, err := restarted.Reconcile(context.Background())
	req.NoError(err)
	req.Equal(1, n)

	restarted.StartWorkers()
	fx.waitStatus(t, id, model.DownloadStatusCompleted)
	rec = fx.waitStatus(t, broken, model.DownloadStatusFailed)
	req.Contains(*rec.ErrorMessage, "缺少下载地址")
}

func TestQueueConcurrencyCanBeRaisedAtRuntime(t *testing.T) {
	req := require.New(t)
	fx := setupQueue(t, fetcherFunc(blockUntilCancelled), 1)

	for i := 0; i < 3; i++ {
		fx.add(t, "https://a.jpg")
	}
	fx.queue.StartWorkers()
	require.Eventually(t, func() bool { return fx.queue.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	fx.queue.UpdateConcurrency(3)
	require.Eventually(t, func() bool { return fx.queue.ActiveCount() == 3 }, time.Second, 5*time.Millisecond)

	snap := fx.queue.Snapshot()
	req.Len(snap.Running, 3)
	req.Empty(snap.Waiting)
	req.Equal(3, snap.Limit)
}

func TestQueueCancelWaitingTaskWhileSlotFrees(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	release := make(chan struct{})
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		if strings.Contains(r.URL, "/hold/") {
			select {
			case <-release:
				return writeFile(r)
			case <-ctx.Done():
				return result.FromError[*downloader.Result](ctx.Err())
			}
		}
		return blockUntilCancelled(ctx, r, onProgress)
	})

	fx := setupQueue(t, fetcher, 1)
	fx.queue.StartWorkers()

	for i := 0; i < 30; i++ {
		hold := fx.add(t, "https://pbs.twimg.com/hold/a.jpg")
		tail := fx.add(t, "https://pbs.twimg.com/tail/b.jpg")
		fx.waitStatus(t, hold, model.DownloadStatusDownloading)

		// 槽位释放与取消同时发生
		go func() { release <- struct{}{} }()
		req.NoError(fx.queue.Cancel(ctx, tail))

		rec, err := fx.repo.GetByID(ctx, tail)
		req.NoError(err)
		req.Equal(model.DownloadStatusCancelled, rec.Status)
		req.Nil(rec.FileURI)

		fx.waitStatus(t, hold, model.DownloadStatusCompleted)
		require.Eventually(t, func() bool { return fx.queue.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

		rec, err = fx.repo.GetByID(ctx, tail)
		req.NoError(err)
		req.Equal(model.DownloadStatusCancelled, rec.Status)
	}
}

func TestQueueStalledResponseTimesOutAsFailed(t *testing.T) {
	req := require.New(t)

	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	}))
	defer srv.Close()
	defer close(stop)

	d := downloader.New(&downloader.Config{Timeout: 300 * time.Millisecond})
	defer d.Close()

	fx := setupQueue(t, d, 1)
	id := fx.add(t, srv.URL+"/stall.jpg")
	fx.queue.StartWorkers()

	rec := fx.waitStatus(t, id, model.DownloadStatusFailed)
	req.Nil(rec.FileURI)
	req.NotNil(rec.ErrorMessage)
	req.Contains(*rec.ErrorMessage, "超时")
	req.NoError(rec.CheckInvariants())
	require.Eventually(t, func() bool { return fx.queue.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
}

type staticHeaders map[string]string

func (h staticHeaders) Headers(model.PlatformType) map[string]string { return h }

func TestQueueHeaderBuilderSwappedWhileRunning(t *testing.T) {
	req := require.New(t)

	var mu sync.Mutex
	var seen []string
	fetcher := fetcherFunc(func(ctx context.Context, r downloader.Request, _ func(downloader.Progress)) result.NetworkResult[*downloader.Result] {
		mu.Lock()
		seen = append(seen, r.Headers["Referer"])
		mu.Unlock()
		return writeFile(r)
	})

	fx := setupQueue(t, fetcher, 2)
	fx.queue.SetHeaderBuilder(staticHeaders{"Referer": "https://x.com/"})

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, fx.add(t, "https://pbs.twimg.com/media/a.jpg"))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			fx.queue.SetHeaderBuilder(staticHeaders{"Referer": "https://twitter.com/"})
			fx.queue.SetSpaceChecker(func(string, uint64) error { return nil })
		}
	}()

	fx.queue.StartWorkers()
	for _, id := range ids {
		fx.waitStatus(t, id, model.DownloadStatusCompleted)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	req.Len(seen, 10)
	for _, ref := range seen {
		req.Contains([]string{"https://x.com/", "https://twitter.com/"}, ref)
	}
}
