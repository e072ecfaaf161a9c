package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/fetch"
)

// State 是 worker 版本的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed 表示 install 事件失败，当前版本被标记为 redundant。
	ErrInstallFailed = errors.New("worker install failed")
	// ErrAlreadyStarted 表示 Start 被重复调用。
	ErrAlreadyStarted = errors.New("worker already started")
)

// FetchResult 是一次 fetch 事件的处理结果。
type FetchResult struct {
	// Intercepted 为 false 时调用方应按默认网络行为处理请求。
	Intercepted bool
	Response    *fetch.Response
	Source      Source
}

// Status 汇总 worker 当前状态，供诊断接口输出。
type Status struct {
	State         State    `json:"state"`
	CacheVersion  string   `json:"cache_version"`
	StorageDriver string   `json:"storage_driver"`
	Caches        []string `json:"caches"`
	Precache      []string `json:"precache"`
}

// Host 扮演浏览器运行时的角色：持有分发器和生命周期状态，
// 按 install → activate 的顺序驱动 Manager，并把请求转换为 fetch 事件。
type Host struct {
	dispatcher *Dispatcher
	manager    *Manager
	logger     *logrus.Logger

	mu    sync.RWMutex
	state State
}

// NewHost 创建 Host 并注册 Manager 的事件处理器。
func NewHost(manager *Manager, logger *logrus.Logger) (*Host, error) {
	if manager == nil {
		return nil, errors.New("cache manager is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	dispatcher := NewDispatcher()
	manager.Register(dispatcher)
	return &Host{
		dispatcher: dispatcher,
		manager:    manager,
		logger:     logger,
		state:      StateParsed,
	}, nil
}

// Dispatcher 暴露分发器，便于挂载额外的处理器。
func (h *Host) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// State 返回当前生命周期状态。
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Host) transition(next State) {
	h.mu.Lock()
	prev := h.state
	h.state = next
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"action": "lifecycle",
		"cache":  h.manager.Version(),
		"from":   string(prev),
		"to":     string(next),
	}).Debug("state_changed")
}

// Start 依次分发 install 与 activate。install 失败时版本变为 redundant 并返回
// ErrInstallFailed；activate 的清理失败只记录日志，版本仍然进入 activated。
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateParsed {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.state = StateInstalling
	h.mu.Unlock()

	started := time.Now()
	if err := h.dispatcher.Dispatch(ctx, &InstallEvent{}).Wait(ctx); err != nil {
		h.transition(StateRedundant)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	h.transition(StateInstalled)

	h.transition(StateActivating)
	if err := h.dispatcher.Dispatch(ctx, &ActivateEvent{}).Wait(ctx); err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "activate",
			"cache":  h.manager.Version(),
		}).WithError(err).Warn("activate_cleanup_incomplete")
	}
	h.transition(StateActivated)

	h.logger.WithFields(logrus.Fields{
		"action":     "lifecycle",
		"cache":      h.manager.Version(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("worker_activated")
	return nil
}

// HandleFetch 把请求作为 fetch 事件分发。版本未激活或处理器未接管时返回
// Intercepted=false。
func (h *Host) HandleFetch(ctx context.Context, req *fetch.Request) (FetchResult, error) {
	if h.State() != StateActivated {
		return FetchResult{}, nil
	}

	ev := NewFetchEvent(req)
	completion := h.dispatcher.Dispatch(ctx, ev)
	err := completion.Wait(ctx)
	if !ev.Responded() {
		return FetchResult{}, err
	}
	select {
	case <-completion.Done():
	default:
		// 调用方已放弃等待：迟到的响应无人读取，结束后由这里关闭。
		go discardLateResponse(completion, ev)
		return FetchResult{Intercepted: true, Source: ev.Source()}, err
	}
	return FetchResult{
		Intercepted: true,
		Response:    ev.Response(),
		Source:      ev.Source(),
	}, err
}

func discardLateResponse(completion *Completion, ev *FetchEvent) {
	<-completion.Done()
	if resp := ev.Response(); resp != nil {
		resp.Close()
	}
}

// Status 汇总当前状态与缓存列表。
func (h *Host) Status(ctx context.Context) (Status, error) {
	storage := h.manager.Storage()
	names, err := storage.Keys(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:         h.State(),
		CacheVersion:  h.manager.Version(),
		StorageDriver: storage.Driver(),
		Caches:        names,
		Precache:      h.manager.Precache(),
	}, nil
}

// CacheEntries 列出指定缓存中的条目；缓存不存在时返回 cache.ErrNotFound。
func (h *Host) CacheEntries(ctx context.Context, name string) ([]cache.RequestKey, error) {
	storage := h.manager.Storage()
	exists, err := storage.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, cache.ErrNotFound
	}
	store, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return store.Keys(ctx)
}

// CacheVersion 返回当前版本名。
func (h *Host) CacheVersion() string {
	return h.manager.Version()
}

// Shutdown 等待后台缓存写入结束。
func (h *Host) Shutdown(ctx context.Context) error {
	return h.manager.Flush(ctx)
}
