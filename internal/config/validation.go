package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/worker"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", fmt.Sprintf("无法识别的日志级别: %s", g.LogLevel))
		}
	}
	switch g.StorageDriver {
	case cache.DriverDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case cache.DriverMemory:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 disk/memory")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	w := c.Worker
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if err := cache.ValidateName(w.CacheVersion); err != nil {
		return newFieldError(workerField("CacheVersion"), err.Error())
	}
	for idx, entry := range w.Precache {
		if entry == "" {
			return newFieldError(fmt.Sprintf("%s[%d]", workerField("Precache"), idx), "不能为空")
		}
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("%s[%d]: %w", workerField("Precache"), idx, err)
		}
	}
	if w.BackgroundWriteTimeout.DurationValue() < 0 {
		return newFieldError(workerField("BackgroundWriteTimeout"), "不能为负数")
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" {
		return fmt.Errorf("源站不应包含路径或查询参数: %s", raw)
	}
	return nil
}

// OriginURL 返回解析后的源站地址，调用前应先通过 Validate。
func (c *Config) OriginURL() (*url.URL, error) {
	return url.Parse(c.Worker.Origin)
}

// WorkerOptions 将 [Worker] 配置映射为 worker.Options。
func (c *Config) WorkerOptions() (worker.Options, error) {
	if c == nil {
		return worker.Options{}, errors.New("配置为空")
	}
	origin, err := c.OriginURL()
	if err != nil {
		return worker.Options{}, fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	return worker.Options{
		CacheVersion:           c.Worker.CacheVersion,
		Origin:                 origin,
		Precache:               c.Worker.Precache,
		StrictInstall:          c.Worker.StrictInstall,
		OfflineBody:            c.Worker.OfflineBody,
		BackgroundWriteTimeout: c.Worker.BackgroundWriteTimeout.DurationValue(),
	}, nil
}
