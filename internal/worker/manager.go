package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/fetch"
)

// DefaultCacheVersion 是缓存命名空间；版本变化时旧缓存会在 activate 阶段被清理。
const DefaultCacheVersion = "chat-app-cache-v1"

// DefaultOfflineBody 是网络失败且缓存未命中时返回的占位页面。
const DefaultOfflineBody = "<h1>You are offline</h1>"

// DefaultPrecache 是 app shell 的静态资源清单，相对路径以 Origin 为基准解析。
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"https://cdn.tailwindcss.com",
	"https://fonts.googleapis.com/css2?family=Inter:wght@400;700&display=swap",
	"https://unpkg.com/react@18/umd/react.production.min.js",
	"https://unpkg.com/react-dom@18/umd/react-dom.production.min.js",
	"https://unpkg.com/@babel/standalone/babel.min.js",
}

// Options 描述 Cache Manager 的静态配置。
type Options struct {
	CacheVersion string
	Origin       *url.URL
	Precache     []string
	// StrictInstall 为 true 时预缓存失败会让安装失败；默认容忍失败继续安装。
	StrictInstall bool
	OfflineBody   string
	// BackgroundWriteTimeout 限制旁路写缓存的耗时，<=0 表示不限。
	BackgroundWriteTimeout time.Duration
}

// Manager 实现 install/activate/fetch 三个事件上的缓存策略。
type Manager struct {
	opts    Options
	assets  []*fetch.Request
	storage cache.Storage
	fetcher fetch.Fetcher
	logger  *logrus.Logger
	writer  *cache.BackgroundWriter
}

// NewManager 解析预缓存清单并构造 Manager。
func NewManager(opts Options, storage cache.Storage, fetcher fetch.Fetcher, logger *logrus.Logger) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.CacheVersion == "" {
		opts.CacheVersion = DefaultCacheVersion
	}
	if err := cache.ValidateName(opts.CacheVersion); err != nil {
		return nil, err
	}
	if opts.OfflineBody == "" {
		opts.OfflineBody = DefaultOfflineBody
	}
	if opts.Precache == nil {
		opts.Precache = DefaultPrecache
	}

	assets := make([]*fetch.Request, 0, len(opts.Precache))
	for _, raw := range opts.Precache {
		req, err := fetch.NewRequest(http.MethodGet, raw, opts.Origin)
		if err != nil {
			return nil, fmt.Errorf("precache entry: %w", err)
		}
		req.Mode = fetch.ModeCORS
		assets = append(assets, req)
	}

	m := &Manager{
		opts:    opts,
		assets:  assets,
		storage: storage,
		fetcher: fetcher,
		logger:  logger,
	}
	m.writer = cache.NewBackgroundWriter(storage, opts.BackgroundWriteTimeout, m.logPutFailure)
	return m, nil
}

// Register 把三个事件处理器挂到分发器上。
func (m *Manager) Register(d *Dispatcher) {
	d.On(EventInstall, func(ctx context.Context, ev Event) error {
		ev.extendable().WaitUntil(m.Install)
		return nil
	})
	d.On(EventActivate, func(ctx context.Context, ev Event) error {
		ev.extendable().WaitUntil(m.Activate)
		return nil
	})
	d.On(EventFetch, func(ctx context.Context, ev Event) error {
		fe, ok := ev.(*FetchEvent)
		if !ok || fe.Request == nil || fe.Request.Method != http.MethodGet {
			return nil
		}
		return fe.RespondWith(func(ctx context.Context) (*fetch.Response, error) {
			resp, src := m.Respond(ctx, fe.Request)
			fe.setSource(src)
			return resp, nil
		})
	})
}

// Version 返回当前缓存版本名。
func (m *Manager) Version() string {
	return m.opts.CacheVersion
}

// Precache 返回解析后的预缓存 URL 列表。
func (m *Manager) Precache() []string {
	out := make([]string, len(m.assets))
	for i, req := range m.assets {
		out[i] = req.URL.String()
	}
	return out
}

// Storage 返回底层缓存存储。
func (m *Manager) Storage() cache.Storage {
	return m.storage
}

// Install 打开当前版本的缓存并整体预缓存资源清单。宽松模式下失败只记录日志。
func (m *Manager) Install(ctx context.Context) error {
	fields := logrus.Fields{"action": "install", "cache": m.opts.CacheVersion, "assets": len(m.assets)}

	store, err := m.storage.Open(ctx, m.opts.CacheVersion)
	if err == nil {
		m.logger.WithFields(fields).Info("caching_app_shell")
		err = cache.AddAll(ctx, store, m.fetcher, m.assets)
	}
	if err != nil {
		fields["strict"] = m.opts.StrictInstall
		m.logger.WithFields(fields).WithError(err).Error("precache_failed")
		if m.opts.StrictInstall {
			return fmt.Errorf("precache %s: %w", m.opts.CacheVersion, err)
		}
		return nil
	}

	m.logger.WithFields(fields).Info("precache_complete")
	return nil
}

// Activate 并行删除所有非当前版本的缓存，等待全部删除结束。
func (m *Manager) Activate(ctx context.Context) error {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var g errgroup.Group
	for _, name := range names {
		if name == m.opts.CacheVersion {
			continue
		}
		g.Go(func() error {
			fields := logrus.Fields{"action": "activate", "cache": name, "current": m.opts.CacheVersion}
			m.logger.WithFields(fields).Info("deleting_old_cache")
			if _, err := m.storage.Delete(ctx, name); err != nil {
				m.logger.WithFields(fields).WithError(err).Error("cache_delete_failed")
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Respond 执行 cache-aside 读路径：命中直接返回，未命中回源，
// 满足条件的网络响应克隆一份在后台写入缓存，网络失败返回离线占位页。
func (m *Manager) Respond(ctx context.Context, req *fetch.Request) (*fetch.Response, Source) {
	key := cache.KeyFor(req)
	fields := logrus.Fields{"action": "fetch", "cache": m.opts.CacheVersion, "url": key.URL}

	if cached, err := m.match(ctx, key); err == nil {
		return cached, SourceCache
	} else if !errors.Is(err, cache.ErrNotFound) {
		m.logger.WithFields(fields).WithError(err).Warn("cache_match_failed")
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("fetch_failed")
		return m.offlineResponse(req), SourceOffline
	}
	if resp == nil || resp.Status != http.StatusOK || resp.Type != fetch.TypeBasic {
		return resp, SourceNetwork
	}

	toCache, err := resp.Clone()
	if err != nil {
		// Clone 失败时原响应体已被消耗，按网络失败处理。
		m.logger.WithFields(fields).WithError(err).Error("response_clone_failed")
		return m.offlineResponse(req), SourceOffline
	}
	m.writer.Put(ctx, m.opts.CacheVersion, key, toCache)
	return resp, SourceNetwork
}

// Flush 等待所有后台缓存写入结束。
func (m *Manager) Flush(ctx context.Context) error {
	return m.writer.Wait(ctx)
}

func (m *Manager) match(ctx context.Context, key cache.RequestKey) (*fetch.Response, error) {
	store, err := m.storage.Open(ctx, m.opts.CacheVersion)
	if err != nil {
		return nil, err
	}
	return store.Match(ctx, key)
}

func (m *Manager) offlineResponse(req *fetch.Request) *fetch.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	target := ""
	if req != nil && req.URL != nil {
		target = req.URL.String()
	}
	return fetch.NewBytesResponse(http.StatusOK, header, fetch.TypeDefault, target, []byte(m.opts.OfflineBody))
}

func (m *Manager) logPutFailure(name string, key cache.RequestKey, err error) {
	m.logger.WithFields(logrus.Fields{
		"action": "cache_put",
		"cache":  name,
		"url":    key.URL,
	}).WithError(err).Warn("cache_put_failed")
}
