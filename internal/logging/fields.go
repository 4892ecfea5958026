package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供 url/缓存键/存储形态字段，供下载与淘汰日志复用。
func CacheFields(action, url, key string, bundle bool) logrus.Fields {
	kind := "file"
	if bundle {
		kind = "bundle"
	}
	return logrus.Fields{
		"action":    action,
		"url":       url,
		"cache_key": key,
		"kind":      kind,
	}
}

// SizeFields 同时输出原始字节数与可读形式。
func SizeFields(fields logrus.Fields, key string, bytes int64) logrus.Fields {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields[key] = bytes
	if bytes >= 0 {
		fields[key+"_human"] = humanize.IBytes(uint64(bytes))
	}
	return fields
}
