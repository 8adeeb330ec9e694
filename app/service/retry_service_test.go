package service

import (
	"context"
	"testing"
	"time"

	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type resumeRecorder struct {
	ids []string
}

func (r *resumeRecorder) Resume(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return nil
}

func insertFailed(t *testing.T, repo *repository.DownloadRepository, retries int) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, repo.Insert(ctx, &model.Download{
		UUID:         id,
		PlatformType: model.PlatformPixiv,
		Link:         "https://i.pximg.net/" + id + ".png",
		FileName:     id + ".png",
		Status:       model.DownloadStatusPending,
		CreatedAt:    time.Now(),
	}))
	for i := 0; i < retries; i++ {
		_, err := repo.IncrementRetry(ctx, id)
		require.NoError(t, err)
	}
	_, err := repo.MarkFailed(ctx, id, "503: service unavailable")
	require.NoError(t, err)
	return id
}

func TestRetryFailedRespectsMaxRetries(t *testing.T) {
	req := require.New(t)
	repo := repository.NewDownloadRepository(setupDB(t))

	fresh := insertFailed(t, repo, 0)
	exhausted := insertFailed(t, repo, 3)

	queue := &resumeRecorder{}
	svc := NewRetryService(logger.NewNop(), repo, queue, func() int { return 3 }, "")

	n, err := svc.RetryFailed(context.Background())
	req.NoError(err)
	req.Equal(1, n)
	req.Equal([]string{fresh}, queue.ids)

	rec, err := repo.GetByID(context.Background(), fresh)
	req.NoError(err)
	req.Equal(1, rec.RetryCount)

	rec, err = repo.GetByID(context.Background(), exhausted)
	req.NoError(err)
	req.Equal(3, rec.RetryCount)
}

func TestRetryDisabledWhenMaxRetriesIsZero(t *testing.T) {
	req := require.New(t)
	repo := repository.NewDownloadRepository(setupDB(t))
	insertFailed(t, repo, 0)

	queue := &resumeRecorder{}
	svc := NewRetryService(logger.NewNop(), repo, queue, func() int { return 0 }, "")
	n, err := svc.RetryFailed(context.Background())
	req.NoError(err)
	req.Zero(n)
	req.Empty(queue.ids)
}

func TestRetryScheduleValidation(t *testing.T) {
	req := require.New(t)
	repo := repository.NewDownloadRepository(setupDB(t))

	disabled := NewRetryService(logger.NewNop(), repo, &resumeRecorder{}, func() int { return 1 }, "")
	req.NoError(disabled.Start())
	disabled.Stop()

	bad := NewRetryService(logger.NewNop(), repo, &resumeRecorder{}, func() int { return 1 }, "every day")
	req.Error(bad.Start())

	good := NewRetryService(logger.NewNop(), repo, &resumeRecorder{}, func() int { return 1 }, "@every 10m")
	req.NoError(good.Start())
	good.Stop()
}
