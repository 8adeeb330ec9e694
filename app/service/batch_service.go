package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/platform"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
)

// RecordInserter 写入新的下载记录
type RecordInserter interface {
	Insert(ctx context.Context, d *model.Download) error
}

// TaskEnqueuer 接收下载任务
type TaskEnqueuer interface {
	Enqueue(task *model.DownloadTask) error
}

// BatchConfig 批量导入配置
type BatchConfig struct {
	MinDelay     time.Duration // 相邻两次入队的最小间隔
	MaxDelay     time.Duration // 相邻两次入队的最大间隔
	DedupeWindow time.Duration // 该时间内重复的地址不再入队，0 表示不去重
}

// BatchResult 一次导入的统计
type BatchResult struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

// BatchService 把分页的收藏、点赞或作品列表展开为下载任务。
//
// 每个媒体文件先写入 PENDING 记录再入队，相邻两次入队之间随机等待
// MinDelay 到 MaxDelay，避免短时间内向平台发出大量请求。
type BatchService struct {
	logger *logger.Logger
	store  RecordInserter
	queue  TaskEnqueuer
	config *BatchConfig
	seen   *cache.Cache
	jobs   *batchJobs

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewBatchService 创建批量导入服务
func NewBatchService(log *logger.Logger, store RecordInserter, queue TaskEnqueuer, config *BatchConfig) *BatchService {
	if config.MaxDelay < config.MinDelay {
		config.MaxDelay = config.MinDelay
	}
	window := config.DedupeWindow
	if window < 0 {
		window = 0
	}

	s := &BatchService{
		logger: log,
		store:  store,
		queue:  queue,
		config: config,
		seen:   cache.New(window, 10*time.Minute),
		jobs:   newBatchJobs(time.Hour),
		sleep:  sleepContext,
	}
	s.jitter = s.randomDelay
	return s
}

// Ingest 遍历 feed 并将所有媒体入队。
//
// 任何错误都会中止剩余的遍历，并与已入队的数量一起返回；已入队的任务不会回滚。
func (s *BatchService) Ingest(ctx context.Context, feed platform.Feed) (BatchResult, error) {
	var res BatchResult

	for items, err := range feed {
		if err != nil {
			s.logger.Warnf("批量导入中断: 已入队 %d 个, %v", res.Enqueued, err)
			return res, fmt.Errorf("批量导入中断: %w", err)
		}

		for _, item := range items {
			for _, media := range item.Media {
				if err := ctx.Err(); err != nil {
					return res, err
				}
				if !s.remember(media.URL) {
					res.Skipped++
					continue
				}

				if res.Enqueued > 0 {
					if err := s.sleep(ctx, s.jitter()); err != nil {
						s.Forget(media.URL)
						return res, err
					}
				}

				if err := s.enqueue(ctx, item, media); err != nil {
					s.Forget(media.URL)
					s.logger.Errorf("批量导入入队失败: %s, %v", media.URL, err)
					return res, err
				}
				res.Enqueued++
			}
		}
	}

	s.logger.Infof("批量导入完成: 入队 %d 个, 跳过重复 %d 个", res.Enqueued, res.Skipped)
	return res, nil
}

// IngestItems 导入单次查询得到的条目
func (s *BatchService) IngestItems(ctx context.Context, items []platform.FeedItem) (BatchResult, error) {
	return s.Ingest(ctx, platform.FeedOf([][]platform.FeedItem{items}, nil))
}

// Forget 让地址可以再次入队，下载被删除或取消后调用
func (s *BatchService) Forget(urls ...string) {
	for _, u := range urls {
		s.seen.Delete(u)
	}
}

// remember 记录地址，窗口内已出现过时返回 false
func (s *BatchService) remember(url string) bool {
	if s.config.DedupeWindow <= 0 {
		return true
	}
	return s.seen.Add(url, struct{}{}, cache.DefaultExpiration) == nil
}

func (s *BatchService) enqueue(ctx context.Context, item platform.FeedItem, media platform.MediaRef) error {
	rec := &model.Download{
		UUID:         uuid.NewString(),
		UserID:       lo.EmptyableToPtr(item.UserID),
		ScreenName:   lo.EmptyableToPtr(item.ScreenName),
		PlatformType: item.Platform,
		DisplayName:  lo.EmptyableToPtr(item.DisplayName),
		SourceID:     item.SourceID,
		Link:         media.URL,
		FileName:     media.FileName,
		FileType:     media.MediaType,
		FileSize:     media.Size,
		Status:       model.DownloadStatusPending,
		CreatedAt:    time.Now(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("写入下载记录失败: %w", err)
	}
	return s.queue.Enqueue(rec.Task())
}

func (s *BatchService) randomDelay() time.Duration {
	span := s.config.MaxDelay - s.config.MinDelay
	if span <= 0 {
		return s.config.MinDelay
	}
	return s.config.MinDelay + rand.N(span+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
