package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", g.ListenPort, "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", g.LogLevel, "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", nil, "不能为空")
	}
	if err := validateDirName(g.CacheDirName); err != nil {
		return err
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", g.MaxCacheSize, "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", g.MaxRetries, "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", g.InitialBackoff.DurationValue(), "必须大于 0")
	}
	if g.MaxBackoff.DurationValue() < g.InitialBackoff.DurationValue() {
		return newFieldError("Global.MaxBackoff", g.MaxBackoff.DurationValue(), "不能小于 InitialBackoff")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", g.UpstreamTimeout.DurationValue(), "必须大于 0")
	}
	if g.Concurrency <= 0 {
		return newFieldError("Global.Concurrency", g.Concurrency, "必须大于 0")
	}

	s := c.Stream
	if s.RefreshCycles < 0 {
		return newFieldError("Stream.RefreshCycles", s.RefreshCycles, "不能为负数")
	}
	if s.RefreshInterval.DurationValue() < 0 {
		return newFieldError("Stream.RefreshInterval", s.RefreshInterval.DurationValue(), "不能为负数")
	}

	return nil
}

// validateDirName 限制 CacheDirName 只能是单级目录名，避免越出 StoragePath。
func validateDirName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return newFieldError("Global.CacheDirName", nil, "不能为空")
	}
	if strings.ContainsAny(trimmed, `/\`) || trimmed == "." || trimmed == ".." {
		return newFieldError("Global.CacheDirName", name, "必须是单级目录名")
	}
	if strings.HasSuffix(trimmed, ".lock") {
		return newFieldError("Global.CacheDirName", name, "不能以 .lock 结尾")
	}
	return nil
}
