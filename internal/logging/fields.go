package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 描述当前托管的缓存版本与存储驱动，启动与诊断日志复用。
func WorkerFields(cacheVersion, storageDriver, origin string) logrus.Fields {
	return logrus.Fields{
		"cache_version":  cacheVersion,
		"storage_driver": storageDriver,
		"origin":         origin,
	}
}

// RequestFields 提供方法/URL/来源/命中状态字段，供代理请求日志复用。
func RequestFields(method, url, source string, cacheHit bool, status int) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"url":       url,
		"source":    source,
		"cache_hit": cacheHit,
		"status":    status,
	}
}
