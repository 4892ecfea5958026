package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应该自动填充默认值, got %d", cfg.Global.ListenPort)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应被解析为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.MaxCacheSize != 100*1024*1024 {
		t.Fatalf("MaxCacheSize 解析错误: %d", cfg.Global.MaxCacheSize)
	}
	if cfg.Global.InitialBackoff.DurationValue() != 200*time.Millisecond {
		t.Fatalf("InitialBackoff 解析错误: %s", cfg.Global.InitialBackoff.DurationValue())
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 20*time.Second {
		t.Fatalf("纯数字应按秒解析, got %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.Concurrency != 4 {
		t.Fatalf("Concurrency 默认值应为 4, got %d", cfg.Global.Concurrency)
	}
	if cfg.Stream.RefreshCycles != 3 {
		t.Fatalf("Stream.RefreshCycles 解析错误: %d", cfg.Stream.RefreshCycles)
	}
	if cfg.Stream.RefreshInterval.DurationValue() != 2*time.Second {
		t.Fatalf("Stream.RefreshInterval 解析错误: %s", cfg.Stream.RefreshInterval.DurationValue())
	}
	if !cfg.Stream.TolerateMissingSegments {
		t.Fatalf("TolerateMissingSegments 应为 true")
	}
	if cfg.Stream.FinalizeLive {
		t.Fatalf("FinalizeLive 应被覆盖为 false")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
	if cfg.Global.MaxCacheSize != DefaultMaxCacheSize {
		t.Fatalf("默认上限应为 500MiB, got %d", cfg.Global.MaxCacheSize)
	}
	if cfg.Global.MaxRetries != 2 {
		t.Fatalf("默认重试次数应为 2, got %d", cfg.Global.MaxRetries)
	}
	if cfg.Stream.RefreshCycles != 2 || !cfg.Stream.TolerateMissingSegments || !cfg.Stream.FinalizeLive {
		t.Fatalf("直播默认值不正确: %+v", cfg.Stream)
	}
	if cfg.CacheRoot() != filepath.Join(cfg.Global.StoragePath, DefaultCacheDirName) {
		t.Fatalf("CacheRoot 不正确: %s", cfg.CacheRoot())
	}
}

func TestValidateFieldErrors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port out of range", func(c *Config) { c.Global.ListenPort = 70000 }, "Global.ListenPort"},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel"},
		{"nested dir name", func(c *Config) { c.Global.CacheDirName = "a/b" }, "Global.CacheDirName"},
		{"lock suffix", func(c *Config) { c.Global.CacheDirName = "cache.lock" }, "Global.CacheDirName"},
		{"zero max size", func(c *Config) { c.Global.MaxCacheSize = 0 }, "Global.MaxCacheSize"},
		{"negative retries", func(c *Config) { c.Global.MaxRetries = -1 }, "Global.MaxRetries"},
		{"max backoff below initial", func(c *Config) { c.Global.MaxBackoff = Duration(time.Millisecond) }, "Global.MaxBackoff"},
		{"zero concurrency", func(c *Config) { c.Global.Concurrency = 0 }, "Global.Concurrency"},
		{"negative refresh cycles", func(c *Config) { c.Stream.RefreshCycles = -1 }, "Stream.RefreshCycles"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestFieldErrorCarriesValue(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("字段错误应匹配 ErrInvalidConfig, got %v", err)
	}
	if got := err.Error(); got != "Global.ListenPort=70000: 必须在 1-65535" {
		t.Fatalf("unexpected message %q", got)
	}

	cfg = validConfig()
	cfg.Global.StoragePath = ""
	if got := cfg.Validate().Error(); got != "Global.StoragePath: 不能为空" {
		t.Fatalf("空值不应输出取值, got %q", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./data",
			CacheDirName:    DefaultCacheDirName,
			MaxCacheSize:    1024,
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			MaxBackoff:      Duration(2 * time.Second),
			UpstreamTimeout: Duration(time.Second),
			Concurrency:     2,
		},
		Stream: StreamConfig{RefreshCycles: 2},
	}
}
