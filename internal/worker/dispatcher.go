package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handler 处理一个事件。处理器本身应快速返回，耗时工作通过 WaitUntil/RespondWith 登记。
type Handler func(ctx context.Context, ev Event) error

// Dispatcher 维护事件类型到处理器的映射，按注册顺序调用。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewDispatcher 创建空的分发器。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventType][]Handler)}
}

// On 为事件类型追加一个处理器。
func (d *Dispatcher) On(typ EventType, handler Handler) {
	if handler == nil {
		return
	}
	d.mu.Lock()
	d.handlers[typ] = append(d.handlers[typ], handler)
	d.mu.Unlock()
}

// Handlers 返回事件类型已注册的处理器数量。
func (d *Dispatcher) Handlers(typ EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[typ])
}

// Dispatch 同步调用全部处理器，再异步等待它们登记的任务，返回可等待的 Completion。
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) *Completion {
	completion := newCompletion()
	if ev == nil {
		completion.settle(errors.New("event required"))
		return completion
	}

	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[ev.Type()]...)
	d.mu.RUnlock()

	var handlerErrs []error
	for _, handler := range handlers {
		if err := callHandler(ctx, handler, ev); err != nil {
			handlerErrs = append(handlerErrs, err)
		}
	}

	tasks := ev.extendable().drainTasks()
	go func() {
		var g errgroup.Group
		for _, task := range tasks {
			g.Go(func() error {
				return task(ctx)
			})
		}
		err := g.Wait()
		completion.settle(errors.Join(append(handlerErrs, err)...))
	}()
	return completion
}

func callHandler(ctx context.Context, handler Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panic: %v", ev.Type(), r)
		}
	}()
	return handler(ctx, ev)
}

// Completion 是一次分发的结果，所有 WaitUntil 任务结束后 settle。
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) settle(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done 在事件处理完成后关闭。
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err 返回处理结果；尚未完成时返回 nil。
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait 阻塞直到事件处理完成或 ctx 结束。
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
