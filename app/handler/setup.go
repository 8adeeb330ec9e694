package handler

import (
	"net/http"

	"media-grabber/app/model"
	"media-grabber/app/service"

	"github.com/gin-gonic/gin"
)

// SetupHandler 初始化向导与平台登录
type SetupHandler struct {
	setup *service.SetupService
}

// NewSetupHandler 创建初始化处理器
func NewSetupHandler(setup *service.SetupService) *SetupHandler {
	return &SetupHandler{setup: setup}
}

// SaveLoginRequest 保存平台 Cookie
type SaveLoginRequest struct {
	Cookie string `json:"cookie" binding:"required"`
}

// State 初始化状态
func (h *SetupHandler) State(c *gin.Context) {
	success(c, h.setup.State(), "获取成功")
}

// SaveLogin 保存平台登录
func (h *SetupHandler) SaveLogin(c *gin.Context) {
	p, err := model.ParsePlatform(c.Param("platform"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var req SaveLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	if err := h.setup.SaveLogin(c.Request.Context(), p, req.Cookie); err != nil {
		failErr(c, err)
		return
	}
	success(c, h.setup.State(), "登录已保存")
}

// ClearLogin 清除平台登录
func (h *SetupHandler) ClearLogin(c *gin.Context) {
	p, err := model.ParsePlatform(c.Param("platform"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.setup.ClearLogin(c.Request.Context(), p); err != nil {
		failErr(c, err)
		return
	}
	success(c, h.setup.State(), "登录已清除")
}

// Complete 完成初始化
func (h *SetupHandler) Complete(c *gin.Context) {
	if err := h.setup.CompleteSetup(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	success(c, h.setup.State(), "初始化完成")
}
