package hls

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sanaullah49/vidkit/internal/cache"
	"github.com/Sanaullah49/vidkit/internal/config"
	"github.com/Sanaullah49/vidkit/internal/fetch"
	"github.com/Sanaullah49/vidkit/internal/logging"
)

// ErrEmptyIndex 表示构建结束时根 playlist 不存在或为空，bundle 不会被发布。
var ErrEmptyIndex = errors.New("bundle index missing or empty")

// Fetcher 是镜像所需的传输原语，由 fetch.Fetcher 实现。
type Fetcher interface {
	FetchText(ctx context.Context, rawURL string, headers http.Header) (string, error)
	Download(ctx context.Context, rawURL string, headers http.Header, target string, onProgress fetch.ProgressFunc) error
}

// Options 控制直播刷新与并发下载。
type Options struct {
	RefreshCycles           int
	RefreshInterval         time.Duration
	TolerateMissingSegments bool
	FinalizeLive            bool
	Concurrency             int
}

// OptionsFromConfig 从配置的 [Stream] 段与全局并发度构建 Options。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RefreshCycles:           cfg.Stream.RefreshCycles,
		RefreshInterval:         cfg.Stream.RefreshInterval.DurationValue(),
		TolerateMissingSegments: cfg.Stream.TolerateMissingSegments,
		FinalizeLive:            cfg.Stream.FinalizeLive,
		Concurrency:             cfg.Global.Concurrency,
	}
}

// Mirror 将远端 HLS 播放列表树镜像为本地 bundle。
type Mirror struct {
	fetcher Fetcher
	opts    Options
	logger  *logrus.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewMirror 构建 Mirror；Concurrency 小于 1 时按 1 处理。
func NewMirror(fetcher Fetcher, opts Options, logger *logrus.Logger) *Mirror {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RefreshCycles < 0 {
		opts.RefreshCycles = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Mirror{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Build 镜像 rootURL 到 finalDir。构建在 finalDir+".tmp" 中进行，
// 成功后整体 rename；任何失败都会删除临时目录，finalDir 保持原状。
func (m *Mirror) Build(ctx context.Context, rootURL string, headers http.Header, finalDir string, onProgress fetch.ProgressFunc) (err error) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	tmpDir := finalDir + cache.TempSuffix
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("reset bundle temp dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create bundle temp dir: %w", err)
	}

	b := &build{
		mirror:   m,
		rootURL:  rootURL,
		headers:  headers,
		dir:      tmpDir,
		assigned: map[string]string{rootURL: cache.IndexName},
		done:     map[string]struct{}{},
		progress: &progressTracker{fn: onProgress, cycles: m.opts.RefreshCycles},
		logger: m.logger.WithFields(logrus.Fields{
			"action":   "hls_build",
			"build_id": uuid.NewString(),
			"url":      rootURL,
		}),
	}
	started := time.Now()
	b.logger.Debug("hls_build_start")

	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpDir)
			b.logger.WithError(err).Warn("hls_build_abort")
		}
	}()

	for pass := 0; ; pass++ {
		res, passErr := b.runPass(ctx, pass)
		if passErr != nil {
			return passErr
		}
		if !res.live || pass >= m.opts.RefreshCycles {
			break
		}
		wait := refreshInterval(m.opts.RefreshInterval, res.targetDuration)
		b.logger.WithFields(logrus.Fields{
			"pass":    pass + 1,
			"wait_ms": wait.Milliseconds(),
		}).Info("live_refresh")
		if sleepErr := m.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}

	if err := b.prune(); err != nil {
		return err
	}
	if err := checkIndex(tmpDir); err != nil {
		return err
	}
	if err := cache.ReplaceDir(tmpDir, finalDir); err != nil {
		return err
	}

	b.logger.WithFields(logrus.Fields{
		"assets":     len(b.done),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("hls_build_complete")
	onProgress(1)
	return nil
}

// build 保存一次 bundle 构建的全部状态，生命周期与 Build 调用一致。
type build struct {
	mirror  *Mirror
	rootURL string
	headers http.Header
	dir     string
	logger  *logrus.Entry

	// assigned 记录 URL 到 bundle 内相对路径的映射，首次分配后不再变化。
	assigned map[string]string
	// referenced 为当前轮次仍被 playlist 引用的相对路径。
	referenced map[string]struct{}

	mu   sync.Mutex
	done map[string]struct{}

	progress *progressTracker
}

type passResult struct {
	live           bool
	targetDuration time.Duration
}

// runPass 从根 playlist 开始按工作队列遍历整棵 playlist 树。
func (b *build) runPass(ctx context.Context, pass int) (passResult, error) {
	var res passResult
	b.referenced = map[string]struct{}{cache.IndexName: {}}
	b.progress.startPass(pass)

	visited := map[string]struct{}{b.rootURL: {}}
	queue := []string{b.rootURL}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, pl, err := b.mirrorPlaylist(ctx, pass, current)
		if err != nil {
			return res, err
		}
		if pl.live {
			res.live = true
			if pl.targetDuration > res.targetDuration {
				res.targetDuration = pl.targetDuration
			}
		}
		for _, child := range children {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			queue = append(queue, child)
		}
	}

	b.progress.endPass()
	return res, nil
}

// mirrorPlaylist 获取并重写单个 playlist，下载其引用的资源，返回子 playlist URL。
func (b *build) mirrorPlaylist(ctx context.Context, pass int, playlistURL string) ([]string, *playlist, error) {
	text, err := b.mirror.fetcher.FetchText(ctx, playlistURL, b.headers)
	if err != nil {
		return nil, nil, err
	}
	pl, err := parsePlaylist(text, playlistURL, b.mirror.opts.FinalizeLive)
	if err != nil {
		return nil, nil, err
	}

	var children []string
	var order []string
	// tolerable 仅当该 URL 的所有引用都是可丢弃的分片时为 true。
	tolerable := map[string]bool{}
	for _, e := range pl.entries {
		switch e.kind {
		case refPlaylist:
			b.assign(e.target, e.kind, "")
			children = append(children, e.target)
		case refAsset:
			b.assign(e.target, e.kind, e.fallback)
			prev, seen := tolerable[e.target]
			if !seen {
				order = append(order, e.target)
				tolerable[e.target] = e.droppable
			} else {
				tolerable[e.target] = prev && e.droppable
			}
		}
	}

	missing, err := b.fetchAssets(ctx, pass, order, tolerable)
	if err != nil {
		return nil, nil, err
	}

	self := b.assigned[playlistURL]
	if err := b.writeFile(self, render(pl, self, b.assigned, missing)); err != nil {
		return nil, nil, err
	}
	return children, pl, nil
}

// assign 为 URL 分配 bundle 内路径并登记为本轮引用。
func (b *build) assign(target string, kind refKind, fallback string) string {
	local, ok := b.assigned[target]
	if !ok {
		if kind == refPlaylist {
			local = cache.PlaylistDir + "/" + cache.PlaylistFileName(target)
		} else {
			local = cache.AssetDir + "/" + cache.AssetFileName(target, fallback)
		}
		b.assigned[target] = local
	}
	b.referenced[local] = struct{}{}
	return local
}

// fetchAssets 并发下载尚未完成的资源。刷新轮次中返回 404/410 的可丢弃分片记入 missing。
func (b *build) fetchAssets(ctx context.Context, pass int, order []string, tolerable map[string]bool) (map[string]bool, error) {
	opts := b.mirror.opts
	missing := map[string]bool{}

	var todo []string
	b.mu.Lock()
	for _, target := range order {
		if _, ok := b.done[target]; !ok {
			todo = append(todo, target)
		}
	}
	b.mu.Unlock()
	if len(todo) == 0 {
		return missing, nil
	}
	b.progress.add(len(todo))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, target := range todo {
		dest := filepath.Join(b.dir, filepath.FromSlash(b.assigned[target]))
		canDrop := pass > 0 && opts.TolerateMissingSegments && tolerable[target]
		g.Go(func() error {
			err := b.mirror.fetcher.Download(gctx, target, b.headers, dest, nil)
			switch {
			case err == nil:
				b.mu.Lock()
				b.done[target] = struct{}{}
				b.mu.Unlock()
			case canDrop && fetch.IsGone(err):
				b.logger.WithFields(logrus.Fields{
					"segment": target,
					"status":  fetch.StatusCode(err),
					"pass":    pass,
				}).Info("hls_segment_gone")
				b.mu.Lock()
				missing[target] = true
				b.mu.Unlock()
			default:
				return err
			}
			b.progress.step()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return missing, nil
}

func (b *build) writeFile(local, content string) error {
	dest := filepath.Join(b.dir, filepath.FromSlash(local))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create playlist dir: %w", err)
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write playlist %s: %w", local, err)
	}
	return nil
}

// prune 删除最后一轮不再引用的文件，例如已滚出直播窗口的分片。
func (b *build) prune() error {
	for _, sub := range []string{cache.PlaylistDir, cache.AssetDir} {
		entries, err := os.ReadDir(filepath.Join(b.dir, sub))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("scan bundle %s: %w", sub, err)
		}
		for _, e := range entries {
			if _, ok := b.referenced[sub+"/"+e.Name()]; ok {
				continue
			}
			if err := os.RemoveAll(filepath.Join(b.dir, sub, e.Name())); err != nil {
				return fmt.Errorf("prune %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func checkIndex(dir string) error {
	info, err := os.Stat(filepath.Join(dir, cache.IndexName))
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return ErrEmptyIndex
	}
	return nil
}

// firstPassShare 为首轮构建占用的进度区间，其余留给直播刷新。
const firstPassShare = 0.8

// progressTracker 将资源完成数换算为单调递增的进度，1.0 只在发布后由 Build 上报。
type progressTracker struct {
	mu     sync.Mutex
	fn     fetch.ProgressFunc
	cycles int

	pass  int
	done  int
	total int
	last  float64
}

func (p *progressTracker) startPass(pass int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pass, p.done, p.total = pass, 0, 0
}

func (p *progressTracker) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total += n
}

func (p *progressTracker) step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.report()
}

func (p *progressTracker) endPass() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = p.total
	p.report()
}

func (p *progressTracker) report() {
	frac := 1.0
	if p.total > 0 {
		frac = float64(p.done) / float64(p.total)
	}

	var value float64
	if p.pass == 0 || p.cycles == 0 {
		value = firstPassShare * frac
	} else {
		value = firstPassShare + (1-firstPassShare)*(float64(p.pass-1)+frac)/float64(p.cycles)
	}
	if value > 0.99 {
		value = 0.99
	}
	if value > p.last {
		p.last = value
		p.fn(value)
	}
}
