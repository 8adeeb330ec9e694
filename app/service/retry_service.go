package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-grabber/app/logger"
	"media-grabber/app/model"

	"github.com/robfig/cron/v3"
)

// RetryStore 重试策略需要的记录操作
type RetryStore interface {
	GetByStatus(ctx context.Context, statuses ...model.DownloadStatus) ([]model.Download, error)
	IncrementRetry(ctx context.Context, id string) (*model.Download, error)
}

// Resumer 重新入队
type Resumer interface {
	Resume(ctx context.Context, id string) error
}

// RetryService 按计划重新下载失败的任务。
//
// 队列本身从不重试；这里只处理 retry_count 小于 maxRetries 的 FAILED 记录，
// 先增加重试次数再发出恢复操作。
type RetryService struct {
	logger     *logger.Logger
	store      RetryStore
	queue      Resumer
	maxRetries func() int
	spec       string

	cron    *cron.Cron
	running sync.Mutex
}

// NewRetryService spec 为 cron 表达式（支持 @every 5m），为空表示不自动重试
func NewRetryService(log *logger.Logger, store RetryStore, queue Resumer, maxRetries func() int, spec string) *RetryService {
	return &RetryService{
		logger:     log,
		store:      store,
		queue:      queue,
		maxRetries: maxRetries,
		spec:       spec,
	}
}

// Start 启动定时重试
func (s *RetryService) Start() error {
	if s.spec == "" {
		s.logger.Info("未配置自动重试计划，跳过")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.spec, s.tick); err != nil {
		return fmt.Errorf("无效的重试计划 %q: %w", s.spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Infof("自动重试已启动，计划: %s", s.spec)
	return nil
}

// Stop 停止定时重试并等待正在执行的一轮结束
func (s *RetryService) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("自动重试已停止")
}

func (s *RetryService) tick() {
	// 上一轮还没结束时跳过
	if !s.running.TryLock() {
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.RetryFailed(ctx); err != nil {
		s.logger.Errorf("自动重试失败: %v", err)
	}
}

// RetryFailed 重新入队所有还有重试次数的失败任务，返回重新入队的数量
func (s *RetryService) RetryFailed(ctx context.Context) (int, error) {
	limit := s.maxRetries()
	if limit <= 0 {
		return 0, nil
	}

	failed, err := s.store.GetByStatus(ctx, model.DownloadStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("查询失败的下载失败: %w", err)
	}

	retried := 0
	for i := range failed {
		rec := &failed[i]
		if rec.RetryCount >= limit {
			continue
		}
		if _, err := s.store.IncrementRetry(ctx, rec.UUID); err != nil {
			s.logger.Warnf("增加重试次数失败: %s, %v", rec.UUID, err)
			continue
		}
		if err := s.queue.Resume(ctx, rec.UUID); err != nil {
			s.logger.Warnf("重新入队失败: %s, %v", rec.UUID, err)
			continue
		}
		retried++
		s.logger.Infof("重试下载: %s (%d/%d)", rec.UUID, rec.RetryCount+1, limit)
	}
	return retried, nil
}
