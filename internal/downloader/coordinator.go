package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Sanaullah49/vidkit/internal/cache"
	"github.com/Sanaullah49/vidkit/internal/config"
	"github.com/Sanaullah49/vidkit/internal/fetch"
	"github.com/Sanaullah49/vidkit/internal/hls"
	"github.com/Sanaullah49/vidkit/internal/logging"
)

// ErrNotCached 表示请求已结束但缓存中仍找不到对应条目。
var ErrNotCached = cache.ErrNotFound

// updateBuffer 为进度 channel 的容量，最后一个槽位始终留给终态。
const updateBuffer = 8

// Update 是一次进度通知；Err 非空或 Progress 为 1 时为终态，之后 channel 关闭。
type Update struct {
	Progress float64
	Err      error
}

// FileFetcher 下载单个非 manifest 资源。
type FileFetcher interface {
	Download(ctx context.Context, rawURL string, headers http.Header, target string, onProgress fetch.ProgressFunc) error
}

// BundleMirror 构建 HLS bundle。
type BundleMirror interface {
	Build(ctx context.Context, rootURL string, headers http.Header, finalDir string, onProgress fetch.ProgressFunc) error
}

// Coordinator 对同一 URL 的并发请求去重，并负责淘汰与分发。
type Coordinator struct {
	store    *cache.Store
	fetcher  FileFetcher
	mirror   BundleMirror
	maxBytes int64
	logger   *logrus.Logger

	group singleflight.Group
	// active 记录正在下载的 URL，删除/清空时保留其 .tmp 产物。
	active sync.Map

	// 下载使用 Coordinator 自身的 context，调用方取消只影响自己的等待。
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New 根据配置装配 Store、Fetcher 与 HLS Mirror。
func New(cfg *config.Config, logger *logrus.Logger) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	store, err := cache.NewStore(cfg.CacheRoot(), logger)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(fetch.NewUpstreamClient(cfg), fetch.PolicyFromConfig(cfg), logger)
	mirror := hls.NewMirror(fetcher, hls.OptionsFromConfig(cfg), logger)
	return NewCoordinator(store, fetcher, mirror, cfg.Global.MaxCacheSize, logger), nil
}

// NewCoordinator 使用显式依赖构建 Coordinator，便于测试替换。
func NewCoordinator(store *cache.Store, fetcher FileFetcher, mirror BundleMirror, maxBytes int64, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		fetcher:  fetcher,
		mirror:   mirror,
		maxBytes: maxBytes,
		logger:   logger,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Close 取消所有进行中的下载。
func (c *Coordinator) Close() {
	c.cancel()
}

// Store 暴露底层缓存目录，供 HTTP 层提供文件。
func (c *Coordinator) Store() *cache.Store {
	return c.store
}

// IsCached 报告 URL 是否已完整缓存。
func (c *Coordinator) IsCached(rawURL string) bool {
	_, ok := c.store.Lookup(rawURL)
	return ok
}

// GetCachedPath 返回可播放的本地路径；bundle 返回其 index.m3u8。
func (c *Coordinator) GetCachedPath(rawURL string) (string, bool) {
	return c.store.Lookup(rawURL)
}

// Request 请求缓存 rawURL。已缓存时立即返回 1.0；同一 URL 已在下载时等待其结束，
// 只收到终态；否则由本次调用发起下载并转发进度。
func (c *Coordinator) Request(ctx context.Context, rawURL string, headers http.Header) <-chan Update {
	s := newSink()
	go func() {
		s.finish(c.run(ctx, rawURL, headers, s))
	}()
	return s.updates
}

// WaitUntilCached 消费 Request 的进度直到终态，然后返回本地路径。
func (c *Coordinator) WaitUntilCached(ctx context.Context, rawURL string, headers http.Header) (string, error) {
	var last Update
	for update := range c.Request(ctx, rawURL, headers) {
		last = update
	}
	if last.Err != nil {
		return "", last.Err
	}
	if path, ok := c.store.Lookup(rawURL); ok {
		return path, nil
	}
	return "", ErrNotCached
}

// RemoveFromCache 删除 URL 对应的条目；进行中下载的临时产物不受影响。
func (c *Coordinator) RemoveFromCache(rawURL string) (bool, error) {
	_, inFlight := c.active.Load(rawURL)
	return c.store.Remove(rawURL, inFlight)
}

// ClearCache 清空缓存根目录，保留进行中下载的临时产物。
func (c *Coordinator) ClearCache() error {
	var preserve []string
	c.active.Range(func(key, _ any) bool {
		preserve = append(preserve, cache.TempNames(key.(string))...)
		return true
	})
	return c.store.Clear(preserve...)
}

// Info 返回即时计算的缓存统计。
func (c *Coordinator) Info() (cache.Info, error) {
	return c.store.Info(c.maxBytes)
}

func (c *Coordinator) run(ctx context.Context, rawURL string, headers http.Header, s *sink) Update {
	if c.hit(rawURL) {
		return Update{Progress: 1}
	}

	leader := false
	result := c.group.DoChan(rawURL, func() (any, error) {
		leader = true
		// 另一个请求可能在首次检查后刚刚完成同一 URL。
		if c.hit(rawURL) {
			return nil, nil
		}
		return nil, c.download(rawURL, headers, s.offer)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return Update{Err: res.Err}
		}
		if !leader {
			c.logger.WithFields(logging.CacheFields("cache_request", rawURL, cache.HashURL(rawURL), cache.IsManifestURL(rawURL))).Debug("download_shared")
		}
		return Update{Progress: 1}
	case <-ctx.Done():
		return Update{Err: ctx.Err()}
	}
}

// hit 命中时刷新修改时间，使淘汰顺序接近 LRU。
func (c *Coordinator) hit(rawURL string) bool {
	if _, ok := c.store.Lookup(rawURL); !ok {
		return false
	}
	if err := c.store.Touch(rawURL); err != nil {
		c.logger.WithError(err).WithField("url", rawURL).Warn("cache_touch_failed")
	}
	return true
}

func (c *Coordinator) download(rawURL string, headers http.Header, progress fetch.ProgressFunc) error {
	c.active.Store(rawURL, struct{}{})
	defer c.active.Delete(rawURL)

	bundle := cache.IsManifestURL(rawURL)
	fields := logging.CacheFields("cache_download", rawURL, cache.HashURL(rawURL), bundle)
	logger := c.logger.WithFields(fields)

	if evicted, err := c.store.EvictIfOverBudget(c.maxBytes); err != nil {
		logger.WithError(err).Warn("cache_evict_failed")
	} else if evicted > 0 {
		logger.WithField("evicted", evicted).Info("cache_evict_done")
	}
	if err := c.store.EnsureRoot(); err != nil {
		return err
	}

	started := time.Now()
	var err error
	if bundle {
		err = c.mirror.Build(c.baseCtx, rawURL, headers, c.store.BundlePath(rawURL), progress)
	} else {
		err = c.fetcher.Download(c.baseCtx, rawURL, headers, c.store.FilePath(rawURL), progress)
	}
	if err != nil {
		logger.WithError(err).WithField("status", fetch.StatusCode(err)).Warn("download_failed")
		return fmt.Errorf("cache %s: %w", rawURL, err)
	}

	doneFields := logrus.Fields{"elapsed_ms": time.Since(started).Milliseconds()}
	if size, sizeErr := c.store.EntrySize(rawURL); sizeErr == nil {
		doneFields = logging.SizeFields(doneFields, "bytes", size)
	}
	logger.WithFields(doneFields).Info("download_complete")
	return nil
}

// sink 包装进度 channel。调用方放弃等待后下载仍可能继续上报，
// 因此所有写入与关闭都在同一把锁下进行。
type sink struct {
	mu      sync.Mutex
	updates chan Update
	last    float64
	closed  bool
}

func newSink() *sink {
	return &sink{updates: make(chan Update, updateBuffer), last: -1}
}

// offer 非阻塞地写入中间进度：跳过重复值与 1.0，并保留最后一个槽位给终态。
func (s *sink) offer(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || p >= 1 || p == s.last {
		return
	}
	if len(s.updates) < cap(s.updates)-1 {
		s.updates <- Update{Progress: p}
		s.last = p
	}
}

// finish 写入终态并关闭 channel。
func (s *sink) finish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates <- u
	s.closed = true
	close(s.updates)
}
