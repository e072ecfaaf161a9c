package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/any-hub/appshell/internal/fetch"
)

// ErrStoreUnavailable 表示后台写入时未注入 Storage。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// BackgroundWriter 负责“返回响应后再写缓存”的旁路写入。写入与调用方的请求生命周期
// 解耦，调用方不等待结果；失败只交给 onError 处理。Wait 供关停和测试时排空队列。
type BackgroundWriter struct {
	storage Storage
	timeout time.Duration
	onError func(name string, key RequestKey, err error)

	wg sync.WaitGroup
}

// NewBackgroundWriter 构造后台写入器，timeout<=0 表示不额外限时。
func NewBackgroundWriter(storage Storage, timeout time.Duration, onError func(name string, key RequestKey, err error)) *BackgroundWriter {
	return &BackgroundWriter{
		storage: storage,
		timeout: timeout,
		onError: onError,
	}
}

// Put 在独立 goroutine 中打开 name 对应的缓存并写入 resp，立即返回。
func (w *BackgroundWriter) Put(ctx context.Context, name string, key RequestKey, resp *fetch.Response) {
	ctx = context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if w.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		if err := w.put(ctx, name, key, resp); err != nil && w.onError != nil {
			w.onError(name, key, err)
		}
	}()
}

func (w *BackgroundWriter) put(ctx context.Context, name string, key RequestKey, resp *fetch.Response) error {
	if w.storage == nil {
		resp.Close()
		return ErrStoreUnavailable
	}
	store, err := w.storage.Open(ctx, name)
	if err != nil {
		resp.Close()
		return err
	}
	return store.Put(ctx, key, resp)
}

// Wait 阻塞直到所有已提交的写入结束或 ctx 结束。
func (w *BackgroundWriter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
