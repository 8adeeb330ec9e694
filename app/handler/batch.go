package handler

import (
	"fmt"
	"net/http"

	"media-grabber/app/model"
	"media-grabber/app/platform"
	"media-grabber/app/service"

	"github.com/gin-gonic/gin"
)

// BatchHandler 批量导入收藏、点赞或用户作品
type BatchHandler struct {
	batch   *service.BatchService
	gateway *platform.Gateway
}

// NewBatchHandler 创建批量导入处理器
func NewBatchHandler(batch *service.BatchService, gateway *platform.Gateway) *BatchHandler {
	return &BatchHandler{batch: batch, gateway: gateway}
}

// CreateBatchRequest 批量导入请求
type CreateBatchRequest struct {
	Platform string `json:"platform" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
}

// Create 在后台开始批量导入，返回任务快照
func (h *BatchHandler) Create(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	p, err := model.ParsePlatform(req.Platform)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := platform.ParseFeedKind(req.Kind)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	feed := h.gateway.Feed(detach(c.Request.Context()), p, kind, req.UserID)
	job := h.batch.StartJob(fmt.Sprintf("%s/%s/%s", p.Dir(), kind, req.UserID), feed)
	c.JSON(http.StatusAccepted, ApiResponse{Code: 0, Message: "批量导入已开始", Data: job})
}

// Get 查询批量导入进度
func (h *BatchHandler) Get(c *gin.Context) {
	job, err := h.batch.Job(c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, job, "获取成功")
}
