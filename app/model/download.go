package model

import (
	"time"
)

// DownloadStatus 下载记录状态
type DownloadStatus string

const (
	DownloadStatusPending     DownloadStatus = "PENDING"     // 等待中
	DownloadStatusDownloading DownloadStatus = "DOWNLOADING" // 下载中
	DownloadStatusPaused      DownloadStatus = "PAUSED"      // 已暂停
	DownloadStatusCompleted   DownloadStatus = "COMPLETED"   // 已完成
	DownloadStatusFailed      DownloadStatus = "FAILED"      // 失败
	DownloadStatusCancelled   DownloadStatus = "CANCELLED"   // 已取消
)

// IsTerminal 是否为终态（需要用户或上层策略介入才会再次运行）
func (s DownloadStatus) IsTerminal() bool {
	switch s {
	case DownloadStatusCompleted, DownloadStatusFailed, DownloadStatusCancelled:
		return true
	}
	return false
}

// IsResumable 是否可以通过 ResumeDownload 重新入队
func (s DownloadStatus) IsResumable() bool {
	switch s {
	case DownloadStatusPending, DownloadStatusPaused, DownloadStatusFailed, DownloadStatusCancelled:
		return true
	}
	return false
}

// Download 持久化的下载记录
//
// 不变量：FileURI 非空当且仅当 Status 为 COMPLETED；ErrorMessage 非空当且仅当
// Status 为 FAILED；DOWNLOADING 期间 Progress 单调不减。状态变更只通过下面的
// Set* 方法完成。
type Download struct {
	UUID         string         `json:"uuid" gorm:"primaryKey;size:64"`
	UserID       *string        `json:"user_id" gorm:"size:64;index"`
	ScreenName   *string        `json:"screen_name" gorm:"size:128"`
	PlatformType PlatformType   `json:"platform_type" gorm:"size:20;not null;index"`
	DisplayName  *string        `json:"display_name" gorm:"size:255"`
	SourceID     string         `json:"source_id" gorm:"size:128;index;comment:来源ID，例如推文ID"`
	FileURI      *string        `json:"file_uri" gorm:"type:text"`
	Link         string         `json:"link" gorm:"type:text;not null"`
	FileName     string         `json:"file_name" gorm:"size:255;not null"`
	FileType     MediaType      `json:"file_type" gorm:"size:20"`
	FileSize     int64          `json:"file_size" gorm:"default:0"`
	Status       DownloadStatus `json:"status" gorm:"size:20;not null;default:PENDING;index"`
	MimeType     string         `json:"mime_type" gorm:"size:100"`
	Progress     int            `json:"progress" gorm:"default:0"`
	ErrorMessage *string        `json:"error_message" gorm:"type:text"`
	RetryCount   int            `json:"retry_count" gorm:"default:0"`
	CreatedAt    time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
}

// TableName 指定表名
func (Download) TableName() string {
	return "downloads"
}

// SetPending 回到等待状态，保留已有进度以便续传
func (d *Download) SetPending() {
	d.Status = DownloadStatusPending
	d.FileURI = nil
	d.ErrorMessage = nil
	d.CompletedAt = nil
}

// SetDownloading 设置为下载中状态
func (d *Download) SetDownloading() {
	d.Status = DownloadStatusDownloading
	d.FileURI = nil
	d.ErrorMessage = nil
	d.CompletedAt = nil
}

// SetProgress 更新进度，下载中时不允许回退
func (d *Download) SetProgress(progress int) {
	progress = clampProgress(progress)
	if d.Status == DownloadStatusDownloading && progress < d.Progress {
		return
	}
	d.Progress = progress
}

// SetCompleted 设置为已完成状态
func (d *Download) SetCompleted(uri string, size int64, mimeType string, at time.Time) {
	d.Status = DownloadStatusCompleted
	d.FileURI = &uri
	d.FileSize = size
	if mimeType != "" {
		d.MimeType = mimeType
	}
	d.Progress = 100
	d.ErrorMessage = nil
	d.CompletedAt = &at
}

// SetFailed 设置失败状态和错误信息
func (d *Download) SetFailed(message string) {
	if message == "" {
		message = "下载失败"
	}
	d.Status = DownloadStatusFailed
	d.ErrorMessage = &message
	d.FileURI = nil
	d.CompletedAt = nil
}

// SetPaused 设置为暂停状态，保留进度
func (d *Download) SetPaused() {
	d.Status = DownloadStatusPaused
	d.FileURI = nil
	d.ErrorMessage = nil
}

// SetCancelled 设置为已取消状态，取消不是错误
func (d *Download) SetCancelled() {
	d.Status = DownloadStatusCancelled
	d.FileURI = nil
	d.ErrorMessage = nil
	d.CompletedAt = nil
}

// CheckInvariants 校验记录的状态不变量，返回第一个被破坏的约束
func (d *Download) CheckInvariants() error {
	if (d.FileURI != nil) != (d.Status == DownloadStatusCompleted) {
		return errInvariant("file_uri 与状态不一致: " + string(d.Status))
	}
	if (d.ErrorMessage != nil) != (d.Status == DownloadStatusFailed) {
		return errInvariant("error_message 与状态不一致: " + string(d.Status))
	}
	if d.Progress < 0 || d.Progress > 100 {
		return errInvariant("progress 超出范围")
	}
	return nil
}

// Task 根据记录重建下载任务，用于恢复和重启
func (d *Download) Task() *DownloadTask {
	screenName := ""
	if d.ScreenName != nil {
		screenName = *d.ScreenName
	}
	return &DownloadTask{
		ID:         d.UUID,
		URL:        d.Link,
		FileName:   d.FileName,
		ScreenName: screenName,
		MediaType:  d.FileType,
		Platform:   d.PlatformType,
		ExpectSize: d.FileSize,
	}
}

type invariantError string

func (e invariantError) Error() string { return "下载记录不变量被破坏: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
