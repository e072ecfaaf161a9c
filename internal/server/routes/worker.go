package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/worker"
)

// WorkerInspector 暴露诊断接口需要的只读视图，worker.Host 实现该接口。
type WorkerInspector interface {
	Status(ctx context.Context) (worker.Status, error)
	CacheEntries(ctx context.Context, name string) ([]cache.RequestKey, error)
	CacheVersion() string
}

// RegisterWorkerRoutes 暴露 /-/worker 诊断接口，供 SRE 查询生命周期状态与缓存内容。
func RegisterWorkerRoutes(app *fiber.App, inspector WorkerInspector) {
	if app == nil || inspector == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		status, err := inspector.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		if status.Caches == nil {
			status.Caches = []string{}
		}
		return c.JSON(status)
	})

	app.Get("/-/worker/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		entries, err := inspector.CacheEntries(c.Context(), name)
		switch {
		case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrInvalidName):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(encodeCache(name, inspector.CacheVersion(), entries))
	})
}

type cachePayload struct {
	Name    string             `json:"name"`
	Current bool               `json:"current"`
	Entries []cache.RequestKey `json:"entries"`
}

func encodeCache(name, current string, entries []cache.RequestKey) cachePayload {
	if entries == nil {
		entries = []cache.RequestKey{}
	}
	return cachePayload{
		Name:    name,
		Current: name == current,
		Entries: entries,
	}
}
