package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"media-grabber/app/database"
	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/platform"
	"media-grabber/app/repository"

	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*model.DownloadTask
	times []time.Time
}

func (q *recordingQueue) Enqueue(task *model.DownloadTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	q.times = append(q.times, time.Now())
	return nil
}

func setupBatch(t *testing.T) (*BatchService, *repository.DownloadRepository, *recordingQueue) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	repo := repository.NewDownloadRepository(db)
	queue := &recordingQueue{}
	svc := NewBatchService(logger.NewNop(), repo, queue, &BatchConfig{
		MinDelay:     50 * time.Millisecond,
		MaxDelay:     150 * time.Millisecond,
		DedupeWindow: time.Minute,
	})
	return svc, repo, queue
}

func page(prefix string, n int) []platform.FeedItem {
	items := make([]platform.FeedItem, n)
	for i := range items {
		id := fmt.Sprintf("%s-%d", prefix, i)
		items[i] = platform.FeedItem{
			Platform:   model.PlatformTwitter,
			SourceID:   id,
			UserID:     "42",
			ScreenName: "alice",
			Media: []platform.MediaRef{{
				URL:       "https://pbs.twimg.com/media/" + id + ".jpg",
				FileName:  id + "_1.jpg",
				MediaType: model.MediaTypePhoto,
			}},
		}
	}
	return items
}

func TestIngestTwoPagesCreatesPendingRecordsWithJitter(t *testing.T) {
	req := require.New(t)
	svc, repo, queue := setupBatch(t)

	var delays []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res, err := svc.Ingest(context.Background(), platform.FeedOf([][]platform.FeedItem{page("a", 3), page("b", 3)}, nil))
	req.NoError(err)
	req.Equal(6, res.Enqueued)
	req.Zero(res.Skipped)

	records, err := repo.GetByStatus(context.Background(), model.DownloadStatusPending)
	req.NoError(err)
	req.Len(records, 6)
	for _, rec := range records {
		req.Equal("alice", *rec.ScreenName)
		req.Nil(rec.FileURI)
		req.Nil(rec.ErrorMessage)
	}

	req.Len(queue.tasks, 6)
	req.Equal("a-0_1.jpg", queue.tasks[0].FileName)
	req.Equal("b-2_1.jpg", queue.tasks[5].FileName)

	req.Len(delays, 5)
	for _, d := range delays {
		req.GreaterOrEqual(d, 50*time.Millisecond)
		req.LessOrEqual(d, 150*time.Millisecond)
	}
}

func TestIngestWaitsBetweenEnqueues(t *testing.T) {
	req := require.New(t)
	svc, _, queue := setupBatch(t)

	_, err := svc.Ingest(context.Background(), platform.FeedOf([][]platform.FeedItem{page("c", 3)}, nil))
	req.NoError(err)

	req.Len(queue.times, 3)
	for i := 1; i < len(queue.times); i++ {
		req.GreaterOrEqual(queue.times[i].Sub(queue.times[i-1]), 50*time.Millisecond)
	}
}

func TestIngestStopsAtFirstErrorWithoutRollback(t *testing.T) {
	req := require.New(t)
	svc, repo, _ := setupBatch(t)
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	boom := errors.New("rate limited")
	res, err := svc.Ingest(context.Background(), platform.FeedOf([][]platform.FeedItem{page("d", 2)}, boom))
	req.ErrorIs(err, boom)
	req.Equal(2, res.Enqueued)

	all, err := repo.GetAllByDateDesc(context.Background())
	req.NoError(err)
	req.Len(all, 2)
}

func TestIngestSkipsRecentlySeenURLs(t *testing.T) {
	req := require.New(t)
	svc, repo, _ := setupBatch(t)
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	items := page("e", 2)
	_, err := svc.IngestItems(context.Background(), items)
	req.NoError(err)

	res, err := svc.IngestItems(context.Background(), items)
	req.NoError(err)
	req.Zero(res.Enqueued)
	req.Equal(2, res.Skipped)

	all, err := repo.GetAllByDateDesc(context.Background())
	req.NoError(err)
	req.Len(all, 2)

	// 删除后可以重新加入
	svc.Forget(items[0].Media[0].URL)
	res, err = svc.IngestItems(context.Background(), items)
	req.NoError(err)
	req.Equal(1, res.Enqueued)
	req.Equal(1, res.Skipped)
}

func TestIngestZeroWindowDisablesDedupe(t *testing.T) {
	req := require.New(t)
	svc, _, queue := setupBatch(t)
	svc.config.DedupeWindow = 0
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	items := page("z", 2)
	for i := 0; i < 2; i++ {
		res, err := svc.IngestItems(context.Background(), items)
		req.NoError(err)
		req.Equal(2, res.Enqueued)
		req.Zero(res.Skipped)
	}
	req.Len(queue.tasks, 4)
}

func TestIngestHonoursCancelledContext(t *testing.T) {
	req := require.New(t)
	svc, _, queue := setupBatch(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Ingest(ctx, platform.FeedOf([][]platform.FeedItem{page("f", 2)}, nil))
	req.ErrorIs(err, context.Canceled)
	req.Empty(queue.tasks)
}

func TestRandomDelayStaysInRange(t *testing.T) {
	req := require.New(t)
	svc, _, _ := setupBatch(t)
	for i := 0; i < 200; i++ {
		d := svc.jitter()
		req.GreaterOrEqual(d, 50*time.Millisecond)
		req.LessOrEqual(d, 150*time.Millisecond)
	}
}

func TestStartJobRunsInBackground(t *testing.T) {
	req := require.New(t)
	svc, _, queue := setupBatch(t)
	svc.sleep = func(context.Context, time.Duration) error { return nil }

	ok := svc.StartJob("twitter/likes/42", platform.FeedOf([][]platform.FeedItem{page("j", 2)}, nil))
	req.Equal(JobRunning, ok.Status)

	broken := svc.StartJob("pixiv/bookmarks/7", platform.FeedOf(nil, errors.New("401: unauthorized")))

	require.Eventually(t, func() bool {
		a, errA := svc.Job(ok.ID)
		b, errB := svc.Job(broken.ID)
		return errA == nil && errB == nil && a.Status != JobRunning && b.Status != JobRunning
	}, time.Second, 5*time.Millisecond)

	done, err := svc.Job(ok.ID)
	req.NoError(err)
	req.Equal(JobCompleted, done.Status)
	req.Equal(2, done.Result.Enqueued)
	req.NotNil(done.FinishedAt)

	failed, err := svc.Job(broken.ID)
	req.NoError(err)
	req.Equal(JobFailed, failed.Status)
	req.Contains(failed.Error, "unauthorized")

	_, err = svc.Job("missing")
	req.ErrorIs(err, ErrJobNotFound)

	svc.Close()
	queue.mu.Lock()
	defer queue.mu.Unlock()
	req.Len(queue.tasks, 2)
}
