package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述缓存引擎与外层入口共享的运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheDirName    string   `mapstructure:"CacheDirName"`
	MaxCacheSize    int64    `mapstructure:"MaxCacheSize"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	MaxBackoff      Duration `mapstructure:"MaxBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	Concurrency     int      `mapstructure:"Concurrency"`
}

// StreamConfig 控制 HLS 镜像与直播快照行为。
type StreamConfig struct {
	// RefreshCycles 为直播 playlist 额外刷新的次数，0 表示只取一次快照。
	RefreshCycles int `mapstructure:"RefreshCycles"`
	// RefreshInterval 为 0 时按 TARGETDURATION 的一半推导。
	RefreshInterval         Duration `mapstructure:"RefreshInterval"`
	TolerateMissingSegments bool     `mapstructure:"TolerateMissingSegments"`
	FinalizeLive            bool     `mapstructure:"FinalizeLive"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Stream StreamConfig `mapstructure:"Stream"`
}

// CacheRoot 返回缓存根目录：StoragePath/CacheDirName。
func (c *Config) CacheRoot() string {
	name := strings.TrimSpace(c.Global.CacheDirName)
	if name == "" {
		name = DefaultCacheDirName
	}
	return filepath.Join(c.Global.StoragePath, name)
}
