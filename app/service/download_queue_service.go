package service

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/repository"
	"media-grabber/app/result"
	"media-grabber/app/utils/diskspace"
	"media-grabber/app/utils/downloader"
	"media-grabber/app/utils/pathhelper"
	"media-grabber/app/utils/thumbnail"
)

var (
	ErrTaskExists     = errors.New("任务已在队列中")
	ErrTaskNotFound   = errors.New("任务不在队列中")
	ErrNotResumable   = errors.New("该下载不能恢复")
	ErrNotCancellable = errors.New("该下载不能取消")
	ErrUnknownIntent  = errors.New("未知的操作")
	ErrMissingLink    = errors.New("记录缺少下载地址，无法恢复")

	// 任务 context 的取消原因
	errPaused    = errors.New("下载已暂停")
	errCancelled = errors.New("下载已取消")
	errDeleted   = errors.New("下载已删除")
	errShutdown  = errors.New("下载服务已停止")
)

// DownloadStore 队列依赖的记录存储
type DownloadStore interface {
	GetByID(ctx context.Context, id string) (*model.Download, error)
	GetByStatus(ctx context.Context, statuses ...model.DownloadStatus) ([]model.Download, error)
	UpdateProgress(ctx context.Context, id string, status model.DownloadStatus, progress int) (*model.Download, error)
	MarkPending(ctx context.Context, id string) (*model.Download, error)
	MarkDownloading(ctx context.Context, id string) (*model.Download, error)
	MarkCompleted(ctx context.Context, id, uri string, size int64, mimeType string) (*model.Download, error)
	MarkFailed(ctx context.Context, id, message string) (*model.Download, error)
	MarkPaused(ctx context.Context, id string) (*model.Download, error)
	MarkCancelled(ctx context.Context, id string) (*model.Download, error)
	Delete(ctx context.Context, id string) error
}

// Fetcher 字节下载器
type Fetcher interface {
	Download(ctx context.Context, req downloader.Request, onProgress func(downloader.Progress)) result.NetworkResult[*downloader.Result]
}

// SpaceChecker 检查目录所在分区是否至少有 required 字节可用
type SpaceChecker func(dir string, required uint64) error

// NetworkGate 决定当前是否允许开始新的下载（例如仅 WiFi 下载）
type NetworkGate interface {
	AllowStart() bool
}

// HeaderBuilder 为没有携带请求头的任务补充平台请求头
type HeaderBuilder interface {
	Headers(p model.PlatformType) map[string]string
}

// DownloadQueueConfig 下载队列配置
type DownloadQueueConfig struct {
	MaxConcurrent  int    // 最大并发下载数
	BaseDir        string // 下载根目录
	MinFreeSpace   uint64 // 开始下载前要求的最小可用空间 (字节)
	Thumbnails     bool   // 图片完成后生成缩略图
	ThumbnailWidth int
}

// IntentKind 用户对单个下载的操作
type IntentKind string

const (
	IntentPause  IntentKind = "pause"
	IntentResume IntentKind = "resume"
	IntentCancel IntentKind = "cancel"
	IntentDelete IntentKind = "delete"
)

// Intent 一次用户操作
type Intent struct {
	Kind       IntentKind `json:"kind"`
	DownloadID string     `json:"download_id"`
}

// QueueSnapshot 队列当前状态
type QueueSnapshot struct {
	Running []string `json:"running"`
	Waiting []string `json:"waiting"`
	Limit   int      `json:"limit"`
}

type activeTask struct {
	task   *model.DownloadTask
	cancel context.CancelCauseFunc
	done   chan struct{}

	// dispatch 时在 s.mu 内取得
	checkSpace SpaceChecker
	headers    HeaderBuilder
}

// DownloadQueueService 下载任务队列。
//
// 等待中的任务按 FIFO 保存在内存中，同时运行的任务数不超过 MaxConcurrent。
// 任务的状态只写入记录表，任务本身在到达终态后丢弃。
type DownloadQueueService struct {
	logger  *logger.Logger
	store   DownloadStore
	fetcher Fetcher
	bus     *EventBus
	config  *DownloadQueueConfig

	checkSpace SpaceChecker
	gate       NetworkGate
	headers    HeaderBuilder

	mu        sync.Mutex
	pending   *list.List
	queued    map[string]*list.Element
	active    map[string]*activeTask
	ctx       context.Context
	cancel    context.CancelCauseFunc
	wg        sync.WaitGroup
	isRunning bool
}

// NewDownloadQueueService 创建下载队列服务
func NewDownloadQueueService(log *logger.Logger, store DownloadStore, fetcher Fetcher, bus *EventBus, config *DownloadQueueConfig) *DownloadQueueService {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &DownloadQueueService{
		logger:     log,
		store:      store,
		fetcher:    fetcher,
		bus:        bus,
		config:     config,
		checkSpace: diskspace.Ensure,
		pending:    list.New(),
		queued:     make(map[string]*list.Element),
		active:     make(map[string]*activeTask),
	}
}

// SetSpaceChecker 替换空间检查函数
func (s *DownloadQueueService) SetSpaceChecker(fn SpaceChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSpace = fn
}

// SetNetworkGate 设置网络条件检查
func (s *DownloadQueueService) SetNetworkGate(gate NetworkGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

// SetHeaderBuilder 设置平台请求头构造器
func (s *DownloadQueueService) SetHeaderBuilder(b HeaderBuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = b
}

// StartWorkers 开始调度
func (s *DownloadQueueService) StartWorkers() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		s.logger.Warn("下载队列已经在运行中")
		return
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Infof("启动下载队列，最大并发数: %d", s.MaxConcurrent())
	s.dispatch()
}

// StopWorkers 停止调度，中断正在运行的任务并将其退回等待状态
func (s *DownloadQueueService) StopWorkers() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.logger.Info("正在停止下载队列...")
	s.isRunning = false
	s.cancel(errShutdown)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("下载队列已停止")
}

// MaxConcurrent 当前并发上限
func (s *DownloadQueueService) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.MaxConcurrent
}

// UpdateConcurrency 更新并发数。调高立即启动等待中的任务，调低时正在运行的任务继续完成
func (s *DownloadQueueService) UpdateConcurrency(maxConcurrent int) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s.mu.Lock()
	s.config.MaxConcurrent = maxConcurrent
	s.mu.Unlock()

	s.logger.Infof("更新最大并发下载数为: %d", maxConcurrent)
	s.dispatch()
}

// Enqueue 将任务加入等待队列。调用方需要先写入 PENDING 记录
func (s *DownloadQueueService) Enqueue(task *model.DownloadTask) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.contains(task.ID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	s.queued[task.ID] = s.pending.PushBack(task)
	s.mu.Unlock()

	s.logger.Debugf("任务入队: %s %s", task.ID, task.FileName)
	s.bus.Publish(task.ID, DownloadState{Kind: StatePending})
	s.dispatch()
	return nil
}

// Snapshot 返回正在运行与等待中的任务 ID
func (s *DownloadQueueService) Snapshot() QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := QueueSnapshot{
		Running: make([]string, 0, len(s.active)),
		Waiting: make([]string, 0, s.pending.Len()),
		Limit:   s.config.MaxConcurrent,
	}
	for id := range s.active {
		snap.Running = append(snap.Running, id)
	}
	for el := s.pending.Front(); el != nil; el = el.Next() {
		snap.Waiting = append(snap.Waiting, el.Value.(*model.DownloadTask).ID)
	}
	return snap
}

// ActiveCount 正在运行的任务数
func (s *DownloadQueueService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Dispatch 执行用户操作
func (s *DownloadQueueService) Dispatch(ctx context.Context, intent Intent) error {
	switch intent.Kind {
	case IntentPause:
		return s.Pause(ctx, intent.DownloadID)
	case IntentResume:
		return s.Resume(ctx, intent.DownloadID)
	case IntentCancel:
		return s.Cancel(ctx, intent.DownloadID)
	case IntentDelete:
		return s.Delete(ctx, intent.DownloadID)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownIntent, intent.Kind)
	}
}

// Pause 暂停下载，保留临时文件与进度
func (s *DownloadQueueService) Pause(ctx context.Context, id string) error {
	at, queued := s.claim(id)
	if at != nil {
		return s.interrupt(ctx, at, errPaused)
	}
	if !queued {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	rec, err := s.store.MarkPaused(ctx, id)
	if err != nil {
		return err
	}
	s.bus.Publish(id, StateOf(rec))
	return nil
}

// Resume 将暂停、失败或取消的下载重新入队，已有临时文件时续传
func (s *DownloadQueueService) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	busy := s.contains(id)
	s.mu.Unlock()
	if busy {
		return nil
	}

	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == model.DownloadStatusCompleted {
		return fmt.Errorf("%w: %s", ErrNotResumable, id)
	}
	if rec.Link == "" {
		return fmt.Errorf("%w: %s", ErrMissingLink, id)
	}

	if rec, err = s.store.MarkPending(ctx, id); err != nil {
		return err
	}
	return s.Enqueue(rec.Task())
}

// Cancel 取消下载并删除临时文件
func (s *DownloadQueueService) Cancel(ctx context.Context, id string) error {
	if at, _ := s.claim(id); at != nil {
		return s.interrupt(ctx, at, errCancelled)
	}

	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case model.DownloadStatusCompleted, model.DownloadStatusCancelled:
		return fmt.Errorf("%w: %s", ErrNotCancellable, rec.Status)
	}

	s.removeFile(pathhelper.PartPath(s.savePath(rec.Task())))
	if rec, err = s.store.MarkCancelled(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(id, StateOf(rec))
	return nil
}

// Delete 删除下载记录以及已下载和未完成的文件
func (s *DownloadQueueService) Delete(ctx context.Context, id string) error {
	if at, _ := s.claim(id); at != nil {
		if err := s.interrupt(ctx, at, errDeleted); err != nil {
			return err
		}
	}

	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	dest := s.savePath(rec.Task())
	s.removeFile(pathhelper.PartPath(dest))
	s.removeFile(dest)
	s.removeFile(thumbnail.PathFor(dest))
	if rec.FileURI != nil {
		if path, ok := pathhelper.PathFromURI(*rec.FileURI); ok && path != dest {
			s.removeFile(path)
			s.removeFile(thumbnail.PathFor(path))
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Infof("已删除下载: %s %s", id, rec.FileName)
	s.bus.Publish(id, DownloadState{Kind: StateDeleted})
	return nil
}

// Reconcile 进程启动时恢复上次遗留的 DOWNLOADING 与 PENDING 记录，按创建时间重新入队
func (s *DownloadQueueService) Reconcile(ctx context.Context) (int, error) {
	records, err := s.store.GetByStatus(ctx, model.DownloadStatusDownloading, model.DownloadStatusPending)
	if err != nil {
		return 0, fmt.Errorf("查询待恢复的下载失败: %w", err)
	}

	restored := 0
	for i := range records {
		rec := &records[i]

		s.mu.Lock()
		busy := s.contains(rec.UUID)
		s.mu.Unlock()
		if busy {
			continue
		}

		if rec.Link == "" || rec.FileName == "" {
			if _, err := s.store.MarkFailed(ctx, rec.UUID, ErrMissingLink.Error()); err != nil {
				s.logger.Errorf("标记无法恢复的下载失败: %s, %v", rec.UUID, err)
			}
			continue
		}

		if rec.Status == model.DownloadStatusDownloading {
			if rec, err = s.store.MarkPending(ctx, rec.UUID); err != nil {
				s.logger.Errorf("重置下载状态失败: %s, %v", records[i].UUID, err)
				continue
			}
		}
		if err := s.Enqueue(rec.Task()); err != nil {
			s.logger.Warnf("恢复下载入队失败: %s, %v", rec.UUID, err)
			continue
		}
		restored++
	}

	if restored > 0 {
		s.logger.Infof("已恢复 %d 个未完成的下载", restored)
	}
	return restored, nil
}

// contains 调用方需持有 s.mu
func (s *DownloadQueueService) contains(id string) bool {
	if _, ok := s.queued[id]; ok {
		return true
	}
	_, ok := s.active[id]
	return ok
}

// claim 在同一临界区内查找运行中的任务，或把等待中的任务移出队列。
// 返回运行中的任务，以及任务是否曾在等待队列中。
func (s *DownloadQueueService) claim(id string) (*activeTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.active[id]; ok {
		return at, false
	}
	el, ok := s.queued[id]
	if !ok {
		return nil, false
	}
	s.pending.Remove(el)
	delete(s.queued, id)
	return nil, true
}

// interrupt 中断正在运行的任务并等待其写入终态
func (s *DownloadQueueService) interrupt(ctx context.Context, at *activeTask, cause error) error {
	at.cancel(cause)
	select {
	case <-at.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch 在并发上限内按 FIFO 启动等待中的任务
func (s *DownloadQueueService) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	if s.gate != nil && !s.gate.AllowStart() {
		return
	}

	for len(s.active) < s.config.MaxConcurrent && s.pending.Len() > 0 {
		task := s.pending.Remove(s.pending.Front()).(*model.DownloadTask)
		delete(s.queued, task.ID)

		ctx, cancel := context.WithCancelCause(s.ctx)
		at := &activeTask{
			task:       task,
			cancel:     cancel,
			done:       make(chan struct{}),
			checkSpace: s.checkSpace,
			headers:    s.headers,
		}
		s.active[task.ID] = at

		s.wg.Add(1)
		go s.run(ctx, at)
	}
}

func (s *DownloadQueueService) run(ctx context.Context, at *activeTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("下载任务异常: %s, %v", at.task.ID, r)
			s.fail(at.task.ID, fmt.Sprintf("下载任务异常: %v", r))
		}
		at.cancel(nil)

		s.mu.Lock()
		delete(s.active, at.task.ID)
		s.mu.Unlock()
		close(at.done)
		s.wg.Done()

		s.dispatch()
	}()

	s.execute(ctx, at)
}

// execute 执行单个任务，返回时记录已处于终态（或因停止服务回到 PENDING）
func (s *DownloadQueueService) execute(ctx context.Context, at *activeTask) {
	task := at.task
	// 记录写入不受任务取消影响
	storeCtx := context.WithoutCancel(ctx)
	dest := s.savePath(task)

	required := s.config.MinFreeSpace
	if task.ExpectSize > 0 {
		required += uint64(task.ExpectSize)
	}
	if err := at.checkSpace(filepath.Dir(dest), required); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			s.interrupted(storeCtx, task, dest, cause)
			return
		}
		s.logger.Warnf("下载前空间检查未通过: %s, %v", task.ID, err)
		s.fail(task.ID, err.Error())
		return
	}

	rec, err := s.store.MarkDownloading(storeCtx, task.ID)
	if err != nil {
		if errors.Is(err, repository.ErrDownloadNotFound) {
			s.logger.Warnf("下载记录已不存在，跳过: %s", task.ID)
			return
		}
		if errors.Is(err, repository.ErrInvalidTransition) {
			s.logger.Warnf("下载记录已不是等待状态，跳过: %s, %v", task.ID, err)
			return
		}
		s.logger.Errorf("更新下载状态失败: %s, %v", task.ID, err)
		s.fail(task.ID, err.Error())
		return
	}
	s.bus.Publish(task.ID, StateOf(rec))
	s.logger.Infof("开始下载: %s -> %s", task.URL, dest)

	headers := task.Headers
	if headers == nil && at.headers != nil {
		headers = at.headers.Headers(task.Platform)
	}

	lastPercent := rec.Progress
	res := s.fetcher.Download(ctx, downloader.Request{
		URL:      task.URL,
		SavePath: dest,
		Headers:  headers,
	}, func(p downloader.Progress) {
		percent := p.Percent()
		if percent < 0 {
			s.bus.Publish(task.ID, DownloadState{Kind: StateDownloading, Progress: -1})
			return
		}
		if percent <= lastPercent {
			return
		}
		lastPercent = percent
		if _, err := s.store.UpdateProgress(storeCtx, task.ID, model.DownloadStatusDownloading, percent); err != nil {
			s.logger.Warnf("写入下载进度失败: %s, %v", task.ID, err)
			return
		}
		s.bus.Publish(task.ID, DownloadState{Kind: StateDownloading, Progress: percent})
	})

	if !res.IsSuccess() {
		if cause := context.Cause(ctx); cause != nil {
			s.interrupted(storeCtx, task, dest, cause)
			return
		}
		s.logger.Errorf("下载失败: %s, %v", task.ID, res.Err())
		s.fail(task.ID, res.Err().Error())
		return
	}

	out := res.Data()
	rec, err = s.store.MarkCompleted(storeCtx, task.ID, pathhelper.FileURI(out.Path), out.Size, out.MimeType)
	if err != nil {
		if errors.Is(err, repository.ErrDownloadNotFound) || errors.Is(err, repository.ErrInvalidTransition) {
			// 下载期间记录被删除或已离开 DOWNLOADING，文件不再有对应记录
			s.logger.Warnf("下载完成但记录已变更，删除文件: %s, %v", task.ID, err)
			s.removeFile(out.Path)
			return
		}
		s.logger.Errorf("保存下载完成状态失败: %s, %v", task.ID, err)
		s.fail(task.ID, err.Error())
		return
	}
	s.bus.Publish(task.ID, StateOf(rec))
	s.logger.Infof("下载完成: %s, 大小: %d bytes, 耗时: %.2fs, 速度: %.2f MB/s",
		out.Path, out.Size, out.Duration.Seconds(), out.Speed)

	if s.config.Thumbnails && task.MediaType == model.MediaTypePhoto {
		if _, err := thumbnail.Generate(out.Path, s.config.ThumbnailWidth); err != nil {
			s.logger.Warnf("生成缩略图失败: %s, %v", out.Path, err)
		}
	}
}

// interrupted 处理被用户操作或停止服务打断的任务
func (s *DownloadQueueService) interrupted(ctx context.Context, task *model.DownloadTask, dest string, cause error) {
	var (
		rec *model.Download
		err error
	)

	switch {
	case errors.Is(cause, errPaused):
		rec, err = s.store.MarkPaused(ctx, task.ID)
	case errors.Is(cause, errCancelled):
		s.removeFile(pathhelper.PartPath(dest))
		rec, err = s.store.MarkCancelled(ctx, task.ID)
	case errors.Is(cause, errDeleted):
		return
	default:
		// 停止服务：保留临时文件，下次启动由 Reconcile 续传
		rec, err = s.store.MarkPending(ctx, task.ID)
	}

	if err != nil {
		s.logger.Errorf("保存中断状态失败: %s, %v", task.ID, err)
		return
	}
	s.logger.Infof("下载已中断: %s, %v", task.ID, cause)
	s.bus.Publish(task.ID, StateOf(rec))
}

func (s *DownloadQueueService) fail(id, message string) {
	rec, err := s.store.MarkFailed(context.Background(), id, message)
	if err != nil {
		s.logger.Errorf("保存失败状态失败: %s, %v", id, err)
		return
	}
	s.bus.Publish(id, StateOf(rec))
}

func (s *DownloadQueueService) savePath(task *model.DownloadTask) string {
	return pathhelper.SavePath(s.config.BaseDir, task.Platform.Dir(), task.ScreenName, task.FileName)
}

func (s *DownloadQueueService) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warnf("删除文件失败: %s, %v", path, err)
	}
}
