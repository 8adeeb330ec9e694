package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"media-grabber/app/result"
	"media-grabber/app/utils/pathhelper"

	"github.com/gabriel-vasile/mimetype"
	"resty.dev/v3"
)

// Config 下载配置
type Config struct {
	UserAgent        string        // User-Agent
	Timeout          time.Duration // 单次请求超时时间
	BufferSize       int           // 缓冲区大小 (字节)
	ProgressInterval time.Duration // 进度回调最小间隔
}

// DefaultConfig 默认下载配置
func DefaultConfig() *Config {
	return &Config{
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Timeout:          time.Minute * 30,
		BufferSize:       256 * 1024,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// Request 单个文件的下载请求
type Request struct {
	URL      string
	SavePath string
	Headers  map[string]string
}

// Progress 下载进度，Total 为 -1 表示长度未知
type Progress struct {
	Written int64
	Total   int64
}

// Percent 返回百分比，长度未知时返回 -1
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return -1
	}
	pct := int(p.Written * 100 / p.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Result 下载结果
type Result struct {
	Size     int64         // 文件大小
	Duration time.Duration // 下载耗时
	Speed    float64       // 下载速度 (MB/s)
	Path     string        // 保存的文件路径
	MimeType string        // 探测到的 MIME 类型
	Resumed  bool          // 是否通过 Range 续传
}

// Downloader 基于 resty 的流式下载器，支持 .part 临时文件与断点续传
type Downloader struct {
	client *resty.Client
	config *Config
}

// New 创建下载器
func New(config *Config) *Downloader {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	client := resty.New().
		SetTimeout(config.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", config.UserAgent).
		SetHeader("Accept", "*/*").
		SetHeader("Accept-Encoding", "identity") // 禁用压缩，避免 Content-Length 不匹配

	return &Downloader{client: client, config: config}
}

// Close 释放底层连接
func (d *Downloader) Close() error {
	return d.client.Close()
}

// Download 下载文件。所有错误都以失败结果返回，不会向调用方抛出
func (d *Downloader) Download(ctx context.Context, req Request, onProgress func(Progress)) result.NetworkResult[*Result] {
	return result.Catch(func() (*Result, error) {
		return d.download(ctx, req, onProgress, true)
	})
}

func (d *Downloader) download(ctx context.Context, req Request, onProgress func(Progress), allowRange bool) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(req.SavePath), 0755); err != nil {
		return nil, fmt.Errorf("创建保存目录失败: %w", err)
	}

	partPath := pathhelper.PartPath(req.SavePath)
	var offset int64
	if allowRange {
		if info, err := os.Stat(partPath); err == nil {
			offset = info.Size()
		}
	}

	r := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(req.Headers)
	if offset > 0 {
		r.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	startTime := time.Now()
	resp, err := r.Get(req.URL)
	if err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %w", err)
	}
	body := resp.Body
	defer body.Close()

	status := resp.StatusCode()
	total := resp.RawResponse.ContentLength
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	resumed := false

	switch {
	case status == http.StatusPartialContent && offset > 0:
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		resumed = true
		total = rangeTotal(resp.Header().Get("Content-Range"), offset, total)
	case status == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// 临时文件与远端不一致，丢弃后完整重下
		body.Close()
		_ = os.Remove(partPath)
		return d.download(ctx, req, onProgress, false)
	case status >= 200 && status < 300:
		// 服务端不支持 Range，从头开始
		offset = 0
	default:
		return nil, httpError(status)
	}
	if total < 0 {
		total = -1
	}

	file, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建文件失败: %w", err)
	}
	defer file.Close()

	written, err := d.copy(ctx, file, body, offset, total, onProgress)
	if err != nil {
		return nil, err
	}

	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("刷新文件到磁盘失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("关闭文件失败: %w", err)
	}

	if total > 0 && written != total {
		_ = os.Remove(partPath)
		return nil, fmt.Errorf("下载不完整: 期望 %d bytes, 实际 %d bytes", total, written)
	}

	if err := os.Rename(partPath, req.SavePath); err != nil {
		return nil, fmt.Errorf("重命名文件失败: %w", err)
	}

	duration := time.Since(startTime)
	res := &Result{
		Size:     written,
		Duration: duration,
		Path:     req.SavePath,
		Resumed:  resumed,
	}
	if duration > 0 {
		res.Speed = float64(written-offset) / duration.Seconds() / 1024 / 1024
	}
	if mt, err := mimetype.DetectFile(req.SavePath); err == nil {
		res.MimeType = mt.String()
	}
	return res, nil
}

// copy 将响应写入文件并按间隔回调进度，返回文件总字节数
func (d *Downloader) copy(ctx context.Context, dst io.Writer, src io.Reader, offset, total int64, onProgress func(Progress)) (int64, error) {
	buf := make([]byte, d.config.BufferSize)
	written := offset
	var last time.Time

	report := func(force bool) {
		if onProgress == nil {
			return
		}
		if force || time.Since(last) >= d.config.ProgressInterval {
			last = time.Now()
			onProgress(Progress{Written: written, Total: total})
		}
	}
	report(true)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("写入文件内容失败: %w", err)
			}
			written += int64(n)
			report(false)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, fmt.Errorf("读取响应失败: %w", readErr)
		}
	}

	report(true)
	return written, nil
}

func httpError(status int) *result.Error {
	text := http.StatusText(status)
	if text == "" {
		text = "unexpected status"
	}
	return result.NewError(status, strings.ToLower(text))
}

// rangeTotal 从 Content-Range: bytes 100-199/200 中解析文件总长度
func rangeTotal(contentRange string, offset, contentLength int64) int64 {
	if i := strings.LastIndex(contentRange, "/"); i >= 0 {
		if n, err := strconv.ParseInt(contentRange[i+1:], 10, 64); err == nil {
			return n
		}
	}
	if contentLength >= 0 {
		return offset + contentLength
	}
	return -1
}
