// Package result 提供各平台客户端与下载器统一使用的网络结果类型。
//
// 一个 NetworkResult 要么是携带数据的成功结果，要么是携带 *Error 的失败结果，
// 不会同时存在。客户端内部的错误与 panic 都在边界处转换为失败结果。
package result

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// DefaultErrorMessage 失败结果缺少描述时使用的消息
const DefaultErrorMessage = "未知错误"

// Error 失败结果。Code 为 0 表示没有协议层状态码（例如解析失败）
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewError 创建失败描述，空消息会被替换为默认消息
func NewError(code int, message string) *Error {
	if message == "" {
		message = DefaultErrorMessage
	}
	return &Error{Code: code, Message: message}
}

// NetworkResult 成功或失败二选一的结果
type NetworkResult[T any] struct {
	data T
	err  *Error
}

// Success 创建成功结果
func Success[T any](data T) NetworkResult[T] {
	return NetworkResult[T]{data: data}
}

// Failure 创建失败结果
func Failure[T any](code int, message string) NetworkResult[T] {
	return NetworkResult[T]{err: NewError(code, message)}
}

// FromError 将任意错误转换为失败结果
func FromError[T any](err error) NetworkResult[T] {
	if err == nil {
		return Failure[T](0, "")
	}
	return NetworkResult[T]{err: toError(err)}
}

// Catch 执行 fn，把返回的错误和 panic 都转换为失败结果
func Catch[T any](fn func() (T, error)) (r NetworkResult[T]) {
	defer func() {
		if p := recover(); p != nil {
			r = Failure[T](0, fmt.Sprintf("%v", p))
		}
	}()

	data, err := fn()
	if err != nil {
		return FromError[T](err)
	}
	return Success(data)
}

// IsSuccess 是否成功
func (r NetworkResult[T]) IsSuccess() bool {
	return r.err == nil
}

// Data 返回数据，失败时为零值
func (r NetworkResult[T]) Data() T {
	return r.data
}

// Err 返回失败描述，成功时为 nil
func (r NetworkResult[T]) Err() *Error {
	return r.err
}

// Unwrap 以 Go 惯用的 (值, error) 形式返回
func (r NetworkResult[T]) Unwrap() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.data, nil
}

func toError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return NewError(re.Code, re.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(0, "请求超时: "+err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(0, "请求超时: "+err.Error())
	}

	return NewError(0, err.Error())
}
