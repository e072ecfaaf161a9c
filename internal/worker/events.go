package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/any-hub/appshell/internal/fetch"
)

// EventType 标识宿主分发给 worker 的生命周期/网络事件。
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
)

// ErrAlreadyResponded 表示同一个 FetchEvent 被多次 RespondWith。
var ErrAlreadyResponded = errors.New("fetch event already responded")

// Task 是通过 WaitUntil 登记的异步工作。
type Task func(ctx context.Context) error

// Event 是所有可分发事件的公共接口。
type Event interface {
	Type() EventType
	extendable() *ExtendableEvent
}

// ExtendableEvent 提供 WaitUntil：宿主在所有登记的任务结束之前不会认为事件处理完成。
type ExtendableEvent struct {
	mu    sync.Mutex
	tasks []Task
}

// WaitUntil 登记一个异步任务，事件的 Completion 会等待它结束。
func (e *ExtendableEvent) WaitUntil(task Task) {
	if task == nil {
		return
	}
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
}

func (e *ExtendableEvent) extendable() *ExtendableEvent {
	return e
}

func (e *ExtendableEvent) drainTasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks := e.tasks
	e.tasks = nil
	return tasks
}

// InstallEvent 在新版本首次注册时分发一次。
type InstallEvent struct {
	ExtendableEvent
}

// Type implements Event.
func (*InstallEvent) Type() EventType { return EventInstall }

// ActivateEvent 在新版本接管时分发一次。
type ActivateEvent struct {
	ExtendableEvent
}

// Type implements Event.
func (*ActivateEvent) Type() EventType { return EventActivate }

// Source 记录 fetch 响应的来源，供日志与响应头使用。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// FetchEvent 对应一次被拦截的请求。处理器调用 RespondWith 表示接管；
// 未调用时宿主按默认网络行为透传。
type FetchEvent struct {
	ExtendableEvent
	Request *fetch.Request

	mu        sync.Mutex
	responded bool
	response  *fetch.Response
	source    Source
}

// NewFetchEvent 包装一次请求。
func NewFetchEvent(req *fetch.Request) *FetchEvent {
	return &FetchEvent{Request: req}
}

// Type implements Event.
func (*FetchEvent) Type() EventType { return EventFetch }

// RespondWith 接管请求；task 的结果即为返回给调用方的响应。
func (e *FetchEvent) RespondWith(task func(ctx context.Context) (*fetch.Response, error)) error {
	e.mu.Lock()
	if e.responded {
		e.mu.Unlock()
		return ErrAlreadyResponded
	}
	e.responded = true
	e.mu.Unlock()

	e.WaitUntil(func(ctx context.Context) error {
		resp, err := task(ctx)
		e.mu.Lock()
		e.response = resp
		e.mu.Unlock()
		return err
	})
	return nil
}

// Responded 报告处理器是否接管了该请求。
func (e *FetchEvent) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responded
}

// Response 返回 RespondWith 任务的结果，在 Completion 结束后读取。
func (e *FetchEvent) Response() *fetch.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// Source 返回响应来源；未接管时为空。
func (e *FetchEvent) Source() Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

func (e *FetchEvent) setSource(src Source) {
	e.mu.Lock()
	e.source = src
	e.mu.Unlock()
}
