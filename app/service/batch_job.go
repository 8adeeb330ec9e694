package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"media-grabber/app/platform"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

var ErrJobNotFound = errors.New("批量任务不存在或已过期")

// JobStatus 批量任务状态
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// BatchJob 后台批量导入的快照
type BatchJob struct {
	ID         string      `json:"id"`
	Label      string      `json:"label"`
	Status     JobStatus   `json:"status"`
	Result     BatchResult `json:"result"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// batchJobs 保存最近的批量任务，完成后保留 retention 时长
type batchJobs struct {
	mu        sync.Mutex
	jobs      *cache.Cache
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBatchJobs(retention time.Duration) *batchJobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &batchJobs{
		jobs:      cache.New(cache.NoExpiration, 10*time.Minute),
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (j *batchJobs) put(job BatchJob, ttl time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs.Set(job.ID, job, ttl)
}

// StartJob 在后台遍历 feed，立即返回任务快照
func (s *BatchService) StartJob(label string, feed platform.Feed) BatchJob {
	job := BatchJob{
		ID:        uuid.NewString(),
		Label:     label,
		Status:    JobRunning,
		StartedAt: time.Now(),
	}
	s.jobs.put(job, cache.NoExpiration)

	s.jobs.wg.Add(1)
	go func() {
		defer s.jobs.wg.Done()

		res, err := s.Ingest(s.jobs.ctx, feed)
		now := time.Now()
		job.Result = res
		job.FinishedAt = &now
		job.Status = JobCompleted
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
		}
		s.jobs.put(job, s.jobs.retention)
	}()

	s.logger.Infof("批量任务已开始: %s (%s)", job.ID, label)
	return job
}

// Job 查询批量任务
func (s *BatchService) Job(id string) (BatchJob, error) {
	v, ok := s.jobs.jobs.Get(id)
	if !ok {
		return BatchJob{}, ErrJobNotFound
	}
	return v.(BatchJob), nil
}

// Close 中止所有后台批量任务并等待退出
func (s *BatchService) Close() {
	s.jobs.cancel()
	s.jobs.wg.Wait()
}
