package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/Sanaullah49/vidkit/internal/logging"
)

// Store 管理缓存根目录。根目录在首次写入时才创建，路径在实例生命周期内固定。
type Store struct {
	root   string
	logger *logrus.Logger

	// mu 串行化本进程内的淘汰/清空；flock 负责跨进程互斥。
	mu   sync.Mutex
	lock *flock.Flock
}

// NewStore 以 root 为缓存根目录构建 Store，root 会被解析为绝对路径。
func NewStore(root string, logger *logrus.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("cache root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		root:   abs,
		logger: logger,
		// 锁文件放在根目录旁边，Clear 删除根目录时不会连带删除它。
		lock: flock.New(abs + ".lock"),
	}, nil
}

// Root 返回缓存根目录绝对路径。
func (s *Store) Root() string {
	return s.root
}

// EnsureRoot 创建缓存根目录（若不存在）。
func (s *Store) EnsureRoot() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}
	return nil
}

// FilePath 返回简单条目的目标路径。
func (s *Store) FilePath(rawURL string) string {
	return filepath.Join(s.root, IdentityFor(rawURL).FileName)
}

// BundlePath 返回 bundle 条目的目标目录。
func (s *Store) BundlePath(rawURL string) string {
	return filepath.Join(s.root, IdentityFor(rawURL).BundleDir)
}

// EntryPath 依据 URL 分类返回简单文件或 bundle 目录路径。
func (s *Store) EntryPath(rawURL string) string {
	if IsManifestURL(rawURL) {
		return s.BundlePath(rawURL)
	}
	return s.FilePath(rawURL)
}

// Lookup 返回可直接交给播放器的本地路径：bundle 返回 index.m3u8，简单条目返回文件本身。
// 文件必须存在且长度非零。
func (s *Store) Lookup(rawURL string) (string, bool) {
	candidate := s.FilePath(rawURL)
	if IsManifestURL(rawURL) {
		candidate = filepath.Join(s.BundlePath(rawURL), IndexName)
	}
	info, err := os.Stat(candidate)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return "", false
	}
	return candidate, true
}

// Touch 刷新条目的修改时间，使淘汰顺序体现最近使用。
func (s *Store) Touch(rawURL string) error {
	now := time.Now()
	if err := os.Chtimes(s.EntryPath(rawURL), now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Entries 列出根目录下的已完成顶层条目；.tmp 标记的路径与未完成的 bundle 被忽略。
func (s *Store) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if strings.HasSuffix(name, TempSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(s.root, name)
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}

		switch {
		case info.IsDir():
			if !strings.HasSuffix(name, BundleSuffix) || !bundleComplete(full) {
				continue
			}
			size, err := dirSize(full)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Name: name, FilePath: full, SizeBytes: size, ModTime: info.ModTime(), Bundle: true})
		case info.Mode().IsRegular():
			entries = append(entries, Entry{Name: name, FilePath: full, SizeBytes: info.Size(), ModTime: info.ModTime()})
		}
	}
	return entries, nil
}

// AggregateSize 返回所有已完成条目的总字节数。
func (s *Store) AggregateSize() (int64, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	return sumSize(entries), nil
}

// EntryCount 返回逻辑条目数：每个简单文件与每个完成的 bundle 各计一次。
func (s *Store) EntryCount() (int, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Info 汇总当前缓存快照。
func (s *Store) Info(maxBytes int64) (Info, error) {
	entries, err := s.Entries()
	if err != nil {
		return Info{}, err
	}
	return Info{
		TotalBytes: sumSize(entries),
		FileCount:  len(entries),
		MaxBytes:   maxBytes,
	}, nil
}

// EntrySize 返回 URL 对应条目的字节数，bundle 按目录递归统计。
func (s *Store) EntrySize(rawURL string) (int64, error) {
	target := s.EntryPath(rawURL)
	info, err := os.Stat(target)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return dirSize(target)
	}
	return info.Size(), nil
}

// Remove 删除 URL 对应的简单文件与 bundle 目录；keepTemp 为 true 时保留属于进行中下载的 .tmp 产物。
// 返回是否确实删除了内容。
func (s *Store) Remove(rawURL string, keepTemp bool) (bool, error) {
	targets := []string{s.FilePath(rawURL), s.BundlePath(rawURL)}
	if !keepTemp {
		targets = append(targets, s.FilePath(rawURL)+TempSuffix, s.BundlePath(rawURL)+TempSuffix)
	}

	removed := false
	for _, target := range targets {
		if _, err := os.Lstat(target); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, err
		}
		if err := os.RemoveAll(target); err != nil {
			return removed, fmt.Errorf("remove %s: %w", target, err)
		}
		removed = true
	}

	if removed {
		s.logger.WithFields(logging.CacheFields("cache_remove", rawURL, HashURL(rawURL), IsManifestURL(rawURL))).Info("cache_removed")
	}
	return removed, nil
}

// Clear 删除并重建缓存根目录。preserve 中列出的顶层名称（进行中下载的 .tmp 产物）会被保留。
func (s *Store) Clear(preserve ...string) error {
	return s.withAdminLock(func() error {
		if err := s.clearRoot(preserve); err != nil {
			return fmt.Errorf("clear cache root: %w", err)
		}
		if err := os.MkdirAll(s.root, 0o755); err != nil {
			return fmt.Errorf("recreate cache root: %w", err)
		}
		s.logger.WithFields(logrus.Fields{"action": "cache_clear", "root": s.root, "preserved": len(preserve)}).Info("cache_cleared")
		return nil
	})
}

func (s *Store) clearRoot(preserve []string) error {
	if len(preserve) == 0 {
		return os.RemoveAll(s.root)
	}
	keep := make(map[string]struct{}, len(preserve))
	for _, name := range preserve {
		keep[name] = struct{}{}
	}
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, de := range dirEntries {
		if _, ok := keep[de.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, de.Name())); err != nil {
			return err
		}
	}
	return nil
}

// TempNames 返回 URL 对应的 .tmp 顶层名称，供 Clear 保留进行中的下载。
func TempNames(rawURL string) []string {
	id := IdentityFor(rawURL)
	return []string{id.FileName + TempSuffix, id.BundleDir + TempSuffix}
}

// EvictIfOverBudget 在总量超过 maxBytes 时按修改时间从旧到新删除条目，
// 直到总量不高于 maxBytes 的 80%。返回删除的条目数。
func (s *Store) EvictIfOverBudget(maxBytes int64) (int, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	evicted := 0
	err := s.withAdminLock(func() error {
		entries, err := s.Entries()
		if err != nil {
			return err
		}
		total := sumSize(entries)
		if total <= maxBytes {
			return nil
		}

		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].ModTime.Before(entries[j].ModTime)
		})

		floor := maxBytes * evictionFloorNumerator / evictionFloorDenominator
		for _, entry := range entries {
			if total <= floor {
				break
			}
			if err := os.RemoveAll(entry.FilePath); err != nil {
				return fmt.Errorf("evict %s: %w", entry.Name, err)
			}
			total -= entry.SizeBytes
			evicted++

			fields := logrus.Fields{"action": "cache_evict", "entry": entry.Name, "bundle": entry.Bundle}
			fields = logging.SizeFields(fields, "entry_bytes", entry.SizeBytes)
			fields = logging.SizeFields(fields, "remaining_bytes", total)
			s.logger.WithFields(fields).Info("cache_evicted")
		}
		return nil
	})
	return evicted, err
}

func (s *Store) withAdminLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.root), 0o755); err != nil {
		return fmt.Errorf("create cache parent: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire cache lock: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.WithError(err).WithField("action", "cache_lock").Warn("cache_unlock_failed")
		}
	}()
	return fn()
}

func bundleComplete(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, IndexName))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// dirSize 递归统计目录大小，跳过仍带 .tmp 标记的路径。
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if strings.HasSuffix(d.Name(), TempSuffix) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func sumSize(entries []Entry) int64 {
	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
	}
	return total
}
