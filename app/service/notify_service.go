package service

import (
	"context"
	"fmt"

	"media-grabber/app/logger"
	"media-grabber/app/model"
)

// Notification 下载完成或失败的提示
type Notification struct {
	DownloadID string    `json:"download_id"`
	Kind       StateKind `json:"kind"`
	Message    string    `json:"message"`
}

// RecordLookup 按 ID 查询记录
type RecordLookup interface {
	GetByID(ctx context.Context, id string) (*model.Download, error)
}

// NotifyService 订阅下载事件，开启通知时对完成和失败的下载发出提示
type NotifyService struct {
	logger  *logger.Logger
	bus     *EventBus
	enabled func() bool
	lookup  RecordLookup
	sink    func(Notification)

	unsubscribe func()
	done        chan struct{}
}

// NewNotifyService 创建通知服务，默认以日志形式输出
func NewNotifyService(log *logger.Logger, bus *EventBus, enabled func() bool, lookup RecordLookup) *NotifyService {
	s := &NotifyService{
		logger:  log,
		bus:     bus,
		enabled: enabled,
		lookup:  lookup,
	}
	s.sink = s.logNotification
	return s
}

// SetSink 替换通知输出，需在 Start 之前调用
func (s *NotifyService) SetSink(fn func(Notification)) {
	s.sink = fn
}

// Start 开始订阅
func (s *NotifyService) Start() {
	events, unsubscribe := s.bus.Subscribe()
	s.unsubscribe = unsubscribe
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for evt := range events {
			s.handle(evt)
		}
	}()
}

// Stop 取消订阅并等待处理结束
func (s *NotifyService) Stop() {
	if s.unsubscribe == nil {
		return
	}
	s.unsubscribe()
	<-s.done
}

func (s *NotifyService) handle(evt DownloadEvent) {
	if evt.State.Kind != StateCompleted && evt.State.Kind != StateFailed {
		return
	}
	if !s.enabled() {
		return
	}

	name := evt.DownloadID
	if rec, err := s.lookup.GetByID(context.Background(), evt.DownloadID); err == nil {
		name = rec.FileName
	}

	n := Notification{DownloadID: evt.DownloadID, Kind: evt.State.Kind}
	if evt.State.Kind == StateCompleted {
		n.Message = fmt.Sprintf("下载完成: %s", name)
	} else {
		n.Message = fmt.Sprintf("下载失败: %s, %s", name, evt.State.Message)
	}
	s.sink(n)
}

func (s *NotifyService) logNotification(n Notification) {
	if n.Kind == StateFailed {
		s.logger.Warnf("[通知] %s", n.Message)
		return
	}
	s.logger.Infof("[通知] %s", n.Message)
}
