package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-grabber/app/model"

	"gorm.io/gorm"
)

var (
	ErrDuplicateDownload = errors.New("下载记录已存在")
	ErrDownloadNotFound  = errors.New("下载记录不存在")
	ErrInvalidTransition = errors.New("无效的状态变更")
)

// DownloadRepository 下载记录表。所有状态写入都经过这里，
// 同一个 uuid 的写入按顺序执行，每次写入在单个事务内完成。
type DownloadRepository struct {
	db    *gorm.DB
	locks *keyedMutex
	now   func() time.Time
}

// NewDownloadRepository 创建下载记录仓库
func NewDownloadRepository(db *gorm.DB) *DownloadRepository {
	return &DownloadRepository{
		db:    db,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// Insert 插入新记录，uuid 已存在时返回 ErrDuplicateDownload
func (r *DownloadRepository) Insert(ctx context.Context, d *model.Download) error {
	if d.UUID == "" {
		return fmt.Errorf("下载记录缺少 uuid")
	}
	if d.Status == "" {
		d.Status = model.DownloadStatusPending
	}
	if err := d.CheckInvariants(); err != nil {
		return err
	}

	unlock := r.locks.Lock(d.UUID)
	defer unlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Download{}).Where("uuid = ?", d.UUID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateDownload, d.UUID)
		}
		return tx.Create(d).Error
	})
}

// UpdateProgress 原子地更新状态与进度。COMPLETED 与 FAILED 需要额外信息，
// 只能通过 MarkCompleted / MarkFailed 设置。DOWNLOADING 只能从 PENDING 或 DOWNLOADING 进入。
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id string, status model.DownloadStatus, progress int) (*model.Download, error) {
	return r.transition(ctx, id, func(d *model.Download) error {
		if status == model.DownloadStatusDownloading {
			if err := expectStatus(d, model.DownloadStatusPending, model.DownloadStatusDownloading); err != nil {
				return err
			}
		}
		if d.Status != status {
			switch status {
			case model.DownloadStatusPending:
				d.SetPending()
			case model.DownloadStatusDownloading:
				d.SetDownloading()
			case model.DownloadStatusPaused:
				d.SetPaused()
			case model.DownloadStatusCancelled:
				d.SetCancelled()
			default:
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, status)
			}
		}
		d.SetProgress(progress)
		return nil
	})
}

// MarkPending 重新置为等待状态，保留已下载进度
func (r *DownloadRepository) MarkPending(ctx context.Context, id string) (*model.Download, error) {
	return r.transition(ctx, id, func(d *model.Download) error {
		if d.Status == model.DownloadStatusCompleted {
			return fmt.Errorf("%w: 已完成的记录不能重新下载", ErrInvalidTransition)
		}
		d.SetPending()
		return nil
	})
}

// MarkDownloading 开始下载，记录必须处于 PENDING
func (r *DownloadRepository) MarkDownloading(ctx context.Context, id string) (*model.Download, error) {
	return r.transition(ctx, id, func(d *model.Download) error {
		if err := expectStatus(d, model.DownloadStatusPending); err != nil {
			return err
		}
		d.SetDownloading()
		return nil
	})
}

// MarkCompleted 下载完成，写入文件 URI、大小和 MIME 类型。只有 DOWNLOADING 的记录可以完成
func (r *DownloadRepository) MarkCompleted(ctx context.Context, id, uri string, size int64, mimeType string) (*model.Download, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: 缺少文件 URI", ErrInvalidTransition)
	}
	return r.transition(ctx, id, func(d *model.Download) error {
		if err := expectStatus(d, model.DownloadStatusDownloading); err != nil {
			return err
		}
		d.SetCompleted(uri, size, mimeType, r.now())
		return nil
	})
}

// MarkFailed 下载失败
func (r *DownloadRepository) MarkFailed(ctx context.Context, id, message string) (*model.Download, error) {
	return r.transition(ctx, id, func(d *model.Download) error {
		d.SetFailed(message)
		return nil
	})
}

// MarkPaused 暂停
func (r *DownloadRepository) MarkPaused(ctx context.Context, id string) (*model.Download, error) {
	return r.transition(ctx, id, func(d *model.Download) error {
		d.SetPaused()
		return nil
	})
}

// MarkCancelled 取消
func (r *DownloadRepository) MarkCancelled(ctx context.Context, id string) (*model.Download, error) {
	return r.transition(ctx, id, func(d *model.Download) error {
		d.SetCancelled()
		return nil
	})
}

// IncrementRetry 重试次数加一，由外部重试策略调用
func (r *DownloadRepository) IncrementRetry(ctx context.Context, id string) (*model.Download, error) {
	return r.transition(ctx, id, func(d *model.Download) error {
		d.RetryCount++
		return nil
	})
}

// GetByID 按 uuid 查询
func (r *DownloadRepository) GetByID(ctx context.Context, id string) (*model.Download, error) {
	var d model.Download
	if err := r.db.WithContext(ctx).Where("uuid = ?", id).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// GetAllByDateDesc 按创建时间倒序返回全部记录，时间相同按 uuid 排序
func (r *DownloadRepository) GetAllByDateDesc(ctx context.Context) ([]model.Download, error) {
	var list []model.Download
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("uuid ASC").
		Find(&list).Error
	return list, err
}

// GetDownloading 返回所有下载中的记录，进程重启后用于恢复
func (r *DownloadRepository) GetDownloading(ctx context.Context) ([]model.Download, error) {
	return r.GetByStatus(ctx, model.DownloadStatusDownloading)
}

// GetByStatus 按状态查询，按创建时间正序
func (r *DownloadRepository) GetByStatus(ctx context.Context, statuses ...model.DownloadStatus) ([]model.Download, error) {
	var list []model.Download
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Order("uuid ASC").
		Find(&list).Error
	return list, err
}

// CountByStatus 统计各状态的记录数
func (r *DownloadRepository) CountByStatus(ctx context.Context) (map[model.DownloadStatus]int64, error) {
	var rows []struct {
		Status model.DownloadStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&model.Download{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.DownloadStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// Delete 删除记录，只在用户明确删除时调用
func (r *DownloadRepository) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	res := r.db.WithContext(ctx).Where("uuid = ?", id).Delete(&model.Download{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
	}
	return nil
}

func expectStatus(d *model.Download, allowed ...model.DownloadStatus) error {
	for _, st := range allowed {
		if d.Status == st {
			return nil
		}
	}
	return fmt.Errorf("%w: 当前状态为 %s", ErrInvalidTransition, d.Status)
}

// transition 在 uuid 锁与事务内读取、修改并保存记录
func (r *DownloadRepository) transition(ctx context.Context, id string, apply func(d *model.Download) error) (*model.Download, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	var d model.Download
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", id).First(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrDownloadNotFound, id)
			}
			return err
		}
		if err := apply(&d); err != nil {
			return err
		}
		if err := d.CheckInvariants(); err != nil {
			return err
		}
		return tx.Save(&d).Error
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}
