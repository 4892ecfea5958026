package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultCacheDirName 为缓存根目录的默认名称。
	DefaultCacheDirName = "video_cache"
	// DefaultMaxCacheSize 默认 500 MiB。
	DefaultMaxCacheSize int64 = 500 * 1024 * 1024
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyStreamDefaults(&cfg.Stream)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，缓存位于系统临时目录。
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("StoragePath", os.TempDir())

	var cfg Config
	// 默认值全部为基础类型，解码不会失败。
	_ = v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook()))
	applyGlobalDefaults(&cfg.Global)
	applyStreamDefaults(&cfg.Stream)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheDirName", DefaultCacheDirName)
	v.SetDefault("MaxCacheSize", DefaultMaxCacheSize)
	v.SetDefault("MaxRetries", 2)
	v.SetDefault("InitialBackoff", "500ms")
	v.SetDefault("MaxBackoff", "5s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Concurrency", 4)
	v.SetDefault("Stream.RefreshCycles", 2)
	v.SetDefault("Stream.RefreshInterval", "0s")
	v.SetDefault("Stream.TolerateMissingSegments", true)
	v.SetDefault("Stream.FinalizeLive", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheDirName == "" {
		g.CacheDirName = DefaultCacheDirName
	}
	if g.MaxCacheSize == 0 {
		g.MaxCacheSize = DefaultMaxCacheSize
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if g.MaxBackoff.DurationValue() == 0 {
		g.MaxBackoff = Duration(5 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.Concurrency == 0 {
		g.Concurrency = 4
	}
}

func applyStreamDefaults(s *StreamConfig) {
	if s.RefreshInterval.DurationValue() < 0 {
		s.RefreshInterval = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
