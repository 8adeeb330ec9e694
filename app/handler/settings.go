package handler

import (
	"net/http"

	"media-grabber/app/service"

	"github.com/gin-gonic/gin"
)

// SettingsHandler 下载设置
type SettingsHandler struct {
	settings *service.SettingsService
}

// NewSettingsHandler 创建设置处理器
func NewSettingsHandler(settings *service.SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

// Get 当前设置
func (h *SettingsHandler) Get(c *gin.Context) {
	success(c, h.settings.Get(), "获取成功")
}

// Update 修改设置，未提交的字段保持原值
func (h *SettingsHandler) Update(c *gin.Context) {
	next := h.settings.Get()
	if err := c.ShouldBindJSON(&next); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	saved, err := h.settings.Update(c.Request.Context(), next)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, saved, "设置已保存")
}
