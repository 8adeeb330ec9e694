package handler

import (
	"errors"
	"net/http"

	"media-grabber/app/repository"
	"media-grabber/app/service"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一的API响应格式
type ApiResponse struct {
	Code    int    `json:"code"`    // 状态码，0表示成功
	Message string `json:"message"` // 响应消息
	Data    any    `json:"data"`    // 响应数据
}

// 创建成功响应
func success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应，业务错误码与 HTTP 状态码一致
func fail(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
	})
}

// failErr 按错误类型选择状态码
func failErr(c *gin.Context, err error) {
	fail(c, statusOf(err), err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, repository.ErrDownloadNotFound),
		errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicateDownload),
		errors.Is(err, service.ErrTaskExists),
		errors.Is(err, service.ErrNotResumable),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, repository.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnknownIntent),
		errors.Is(err, service.ErrMissingLink),
		errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrNoLogin),
		errors.Is(err, service.ErrEmptyCookie),
		errors.Is(err, service.ErrDirNotReady):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
