package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/fetch"
	"github.com/any-hub/appshell/internal/worker"
)

// FetchHandler is the worker-side entry point for intercepted requests.
// It allows injecting fake hosts during tests.
type FetchHandler interface {
	HandleFetch(ctx context.Context, req *fetch.Request) (worker.FetchResult, error)
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(ctx context.Context, req *fetch.Request) (worker.FetchResult, error)

// HandleFetch makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) HandleFetch(ctx context.Context, req *fetch.Request) (worker.FetchResult, error) {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger *logrus.Logger
	Worker FetchHandler
	// Fetcher serves requests the worker does not intercept.
	Fetcher    fetch.Fetcher
	Origin     *url.URL
	ListenPort int
}

const contextKeyRequestID = "_appshell_request_id"

// NewApp builds a Fiber application that routes every non-diagnostics request
// through the worker host.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("worker handler is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	handler := NewHandler(opts.Worker, opts.Fetcher, opts.Origin, opts.Logger)
	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return handler.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
