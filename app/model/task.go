package model

import (
	"errors"
	"strings"
)

// MediaType 媒体类型
type MediaType string

const (
	MediaTypeVideo MediaType = "VIDEO"
	MediaTypePhoto MediaType = "PHOTO"
	MediaTypeGIF   MediaType = "GIF"
	MediaTypeAudio MediaType = "AUDIO"
	MediaTypeOther MediaType = "OTHER"
)

// ParseMediaType 解析媒体类型，未知值归为 OTHER
func ParseMediaType(s string) MediaType {
	switch MediaType(strings.ToUpper(s)) {
	case MediaTypeVideo:
		return MediaTypeVideo
	case MediaTypePhoto, "IMAGE":
		return MediaTypePhoto
	case MediaTypeGIF, "ANIMATED_GIF":
		return MediaTypeGIF
	case MediaTypeAudio:
		return MediaTypeAudio
	default:
		return MediaTypeOther
	}
}

// DownloadTask 队列中的瞬时任务，ID 与对应 Download 记录的 UUID 相同
type DownloadTask struct {
	ID         string
	URL        string
	FileName   string
	ScreenName string
	MediaType  MediaType
	Platform   PlatformType
	Headers    map[string]string // 平台客户端构造的请求头（Referer、Cookie 等）
	ExpectSize int64             // 已知的文件大小，未知为 0
}

// Validate 校验任务必填字段
func (t *DownloadTask) Validate() error {
	if t == nil {
		return errors.New("任务为空")
	}
	if t.ID == "" {
		return errors.New("任务ID不能为空")
	}
	if t.URL == "" {
		return errors.New("下载地址不能为空")
	}
	if t.FileName == "" {
		return errors.New("文件名不能为空")
	}
	return nil
}
