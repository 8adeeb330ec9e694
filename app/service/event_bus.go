package service

import (
	"sync"
	"time"

	"media-grabber/app/logger"
	"media-grabber/app/model"
)

// StateKind UI 侧看到的下载状态
type StateKind string

const (
	StatePending     StateKind = "pending"
	StateDownloading StateKind = "downloading"
	StatePaused      StateKind = "paused"
	StateCompleted   StateKind = "completed"
	StateFailed      StateKind = "failed"
	StateCancelled   StateKind = "cancelled"
	StateDeleted     StateKind = "deleted"
)

// DownloadState 状态及其附带信息。Progress 为 -1 表示进度未知
type DownloadState struct {
	Kind     StateKind `json:"kind"`
	Progress int       `json:"progress"`
	URI      string    `json:"uri,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// DownloadEvent (downloadId, newState) 事件
type DownloadEvent struct {
	DownloadID string        `json:"download_id"`
	State      DownloadState `json:"state"`
	At         time.Time     `json:"at"`
}

// IsTerminal 是否为终止事件
func (e DownloadEvent) IsTerminal() bool {
	switch e.State.Kind {
	case StateCompleted, StateFailed, StateCancelled, StateDeleted:
		return true
	}
	return false
}

// StateOf 根据记录生成事件状态
func StateOf(d *model.Download) DownloadState {
	state := DownloadState{Progress: d.Progress}
	switch d.Status {
	case model.DownloadStatusPending:
		state.Kind = StatePending
	case model.DownloadStatusDownloading:
		state.Kind = StateDownloading
	case model.DownloadStatusPaused:
		state.Kind = StatePaused
	case model.DownloadStatusCompleted:
		state.Kind = StateCompleted
		state.Size = d.FileSize
		if d.FileURI != nil {
			state.URI = *d.FileURI
		}
	case model.DownloadStatusFailed:
		state.Kind = StateFailed
		if d.ErrorMessage != nil {
			state.Message = *d.ErrorMessage
		}
	case model.DownloadStatusCancelled:
		state.Kind = StateCancelled
	}
	return state
}

// EventBus 将下载事件广播给所有订阅者。
//
// 投递是尽力而为的：订阅者缓冲区满时丢弃该订阅者的这条事件，发布方从不阻塞。
// 需要准确状态的消费者应以下载记录表为准。
type EventBus struct {
	mu     sync.RWMutex
	log    *logger.Logger
	subs   map[uint64]chan DownloadEvent
	next   uint64
	buffer int
}

// NewEventBus 创建事件总线，buffer 为每个订阅者的缓冲大小
func NewEventBus(log *logger.Logger, buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{
		log:    log,
		subs:   make(map[uint64]chan DownloadEvent),
		buffer: buffer,
	}
}

// Subscribe 订阅事件，返回事件通道和取消订阅函数
func (b *EventBus) Subscribe() (<-chan DownloadEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan DownloadEvent, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish 发布事件
func (b *EventBus) Publish(downloadID string, state DownloadState) {
	evt := DownloadEvent{DownloadID: downloadID, State: state, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.log.Debugf("订阅者 %d 缓冲已满，丢弃事件: %s %s", id, downloadID, state.Kind)
		}
	}
}

// SubscriberCount 当前订阅者数量
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
