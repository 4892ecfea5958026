package cache

import (
	"errors"
	"time"
)

// Info 是一次即时计算的缓存统计快照，不跨调用缓存。
type Info struct {
	TotalBytes int64 `json:"total_bytes"`
	FileCount  int   `json:"file_count"`
	MaxBytes   int64 `json:"max_bytes"`
}

// Entry 描述缓存根目录下的一个顶层条目：简单文件或已完成的 bundle 目录。
type Entry struct {
	Name      string    `json:"name"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Bundle    bool      `json:"bundle"`
}

// evictionFloor 为淘汰后保留的比例（80%），留出余量避免每次写入都触发淘汰。
const (
	evictionFloorNumerator   = 8
	evictionFloorDenominator = 10
)

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
