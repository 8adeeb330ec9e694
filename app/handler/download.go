package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/platform"
	"media-grabber/app/repository"
	"media-grabber/app/service"

	"github.com/gin-gonic/gin"
)

// DownloadHandler 下载记录与单个下载的操作
type DownloadHandler struct {
	logger  *logger.Logger
	repo    *repository.DownloadRepository
	queue   *service.DownloadQueueService
	batch   *service.BatchService
	gateway *platform.Gateway
	bus     *service.EventBus

	heartbeat time.Duration
}

// NewDownloadHandler 创建下载处理器
func NewDownloadHandler(log *logger.Logger, repo *repository.DownloadRepository, queue *service.DownloadQueueService,
	batch *service.BatchService, gateway *platform.Gateway, bus *service.EventBus) *DownloadHandler {
	return &DownloadHandler{
		logger:    log,
		repo:      repo,
		queue:     queue,
		batch:     batch,
		gateway:   gateway,
		bus:       bus,
		heartbeat: 30 * time.Second,
	}
}

// CreateDownloadRequest 按来源 ID 新建下载
type CreateDownloadRequest struct {
	Platform string `json:"platform" binding:"required"`
	SourceID string `json:"source_id" binding:"required"`
}

// CreateDownloadResponse 新建下载的结果
type CreateDownloadResponse struct {
	Item   platform.FeedItem   `json:"item"`
	Result service.BatchResult `json:"result"`
}

// StatsResponse 下载统计
type StatsResponse struct {
	ByStatus map[model.DownloadStatus]int64 `json:"by_status"`
	Queue    service.QueueSnapshot          `json:"queue"`
}

// List 按创建时间倒序列出所有下载
func (h *DownloadHandler) List(c *gin.Context) {
	records, err := h.repo.GetAllByDateDesc(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}

	if s := c.Query("status"); s != "" {
		status := model.DownloadStatus(s)
		filtered := records[:0]
		for _, r := range records {
			if r.Status == status {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	success(c, records, "获取成功")
}

// Get 查询单个下载
func (h *DownloadHandler) Get(c *gin.Context) {
	rec, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, rec, "获取成功")
}

// Create 查询作品并把其中的媒体全部加入下载队列
func (h *DownloadHandler) Create(c *gin.Context) {
	var req CreateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	p, err := model.ParsePlatform(req.Platform)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	res := h.gateway.Lookup(c.Request.Context(), p, req.SourceID)
	if !res.IsSuccess() {
		status := http.StatusBadGateway
		if res.Err().Code == http.StatusNotFound {
			status = http.StatusNotFound
		}
		fail(c, status, res.Err().Error())
		return
	}

	item := platform.ToFeedItem(res.Data())
	if len(item.Media) == 0 {
		fail(c, http.StatusBadRequest, "该作品没有可下载的媒体")
		return
	}

	out, err := h.batch.IngestItems(c.Request.Context(), []platform.FeedItem{item})
	if err != nil {
		failErr(c, err)
		return
	}
	message := "已加入下载队列"
	if out.Enqueued == 0 {
		message = "媒体已在近期加入过下载队列，未重复添加"
	}
	success(c, CreateDownloadResponse{Item: item, Result: out}, message)
}

// Pause 暂停下载
func (h *DownloadHandler) Pause(c *gin.Context) {
	h.dispatch(c, service.IntentPause, "已暂停")
}

// Resume 恢复下载
func (h *DownloadHandler) Resume(c *gin.Context) {
	h.dispatch(c, service.IntentResume, "已恢复")
}

// Cancel 取消下载
func (h *DownloadHandler) Cancel(c *gin.Context) {
	h.dispatch(c, service.IntentCancel, "已取消")
}

// Delete 删除下载记录及文件
func (h *DownloadHandler) Delete(c *gin.Context) {
	h.dispatch(c, service.IntentDelete, "已删除")
}

func (h *DownloadHandler) dispatch(c *gin.Context, kind service.IntentKind, message string) {
	id := c.Param("id")
	var link string
	if kind == service.IntentDelete || kind == service.IntentCancel {
		// 删除后记录不存在，先取出地址
		if rec, err := h.repo.GetByID(c.Request.Context(), id); err == nil {
			link = rec.Link
		}
	}

	if err := h.queue.Dispatch(c.Request.Context(), service.Intent{Kind: kind, DownloadID: id}); err != nil {
		h.logger.Warnf("下载操作失败: %s %s, %v", kind, id, err)
		failErr(c, err)
		return
	}
	if link != "" {
		// 用户可以重新添加已删除或取消的下载
		h.batch.Forget(link)
	}

	if kind == service.IntentDelete {
		success(c, nil, message)
		return
	}
	rec, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, rec, message)
}

// Stats 各状态的下载数量与队列快照
func (h *DownloadHandler) Stats(c *gin.Context) {
	counts, err := h.repo.CountByStatus(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, StatsResponse{ByStatus: counts, Queue: h.queue.Snapshot()}, "获取成功")
}

// Events 以 SSE 推送下载状态变化，?id= 只推送指定下载
func (h *DownloadHandler) Events(c *gin.Context) {
	filter := c.Query("id")
	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	// 先发送响应头，客户端无需等到第一条事件
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			if filter == "" || evt.DownloadID == filter {
				c.SSEvent("download", evt)
			}
			return true
		case t := <-heartbeat.C:
			c.SSEvent("ping", t.Unix())
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// detach 返回不随请求结束而取消的 context，用于后台任务
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
