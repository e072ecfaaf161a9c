package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/any-hub/appshell/internal/fetch"
)

// Storage 管理全部具名缓存，对应浏览器的 CacheStorage。
type Storage interface {
	// Open 返回指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 列出当前所有缓存名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 按名称删除整个缓存；返回值表示删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Driver 返回存储实现名称（disk/memory），供诊断输出。
	Driver() string
}

// Store 是单个具名缓存，按请求标识保存响应快照。
type Store interface {
	Name() string

	// Match 返回命中的响应，每次调用都得到独立可消费的 body。未命中返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*fetch.Response, error)

	// Put 消费 resp 的 body 并覆盖写入 key 对应的条目。实现需保证写入原子性。
	Put(ctx context.Context, key RequestKey, resp *fetch.Response) error

	// Delete 删除单个条目；返回值表示删除前是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 返回所有条目的请求标识，按 URL 排序。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 唯一定位缓存中的一个条目。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// KeyFor 从请求派生缓存键：方法大写，URL 去掉 fragment。
func KeyFor(req *fetch.Request) RequestKey {
	if req == nil || req.URL == nil {
		return RequestKey{}
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: u.String()}
}

// storableHeader 返回写入缓存的响应头副本。缓存由所有客户端共享，
// 条目中不保留 Set-Cookie / Set-Cookie2。
func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	out.Del("Set-Cookie")
	out.Del("Set-Cookie2")
	return out
}

// String 返回 "METHOD URL"。
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

func (k RequestKey) digest() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

var (
	// ErrNotFound 表示缓存或条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示缓存名称不能安全地映射为目录。
	ErrInvalidName = errors.New("invalid cache name")
)

// ValidateName 拒绝空名称、路径分隔符以及以点开头的名称。
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	return nil
}

const (
	DriverDisk   = "disk"
	DriverMemory = "memory"
)

// NewStorage 按驱动名构建 Storage，整站复用一份实例。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverDisk:
		return NewDiskStorage(basePath)
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
