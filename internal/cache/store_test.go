package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLookupSimpleFile(t *testing.T) {
	store := newTestStore(t)
	url := "https://host/a.mp4"

	if _, ok := store.Lookup(url); ok {
		t.Fatalf("expected miss before write")
	}

	writeFile(t, store.FilePath(url), 10)
	path, ok := store.Lookup(url)
	if !ok {
		t.Fatalf("expected hit after write")
	}
	if filepath.Base(path) != HashURL(url)+".mp4" {
		t.Fatalf("unexpected cached file name: %s", path)
	}
}

func TestLookupRequiresNonEmptyFile(t *testing.T) {
	store := newTestStore(t)
	url := "https://host/empty.mp4"
	writeFile(t, store.FilePath(url), 0)
	if _, ok := store.Lookup(url); ok {
		t.Fatalf("zero-length file must not count as cached")
	}
}

func TestLookupBundleUsesIndex(t *testing.T) {
	store := newTestStore(t)
	url := "https://host/live/master.m3u8"

	bundle := store.BundlePath(url)
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, ok := store.Lookup(url); ok {
		t.Fatalf("bundle without index must not be visible")
	}

	writeFile(t, filepath.Join(bundle, IndexName), 12)
	path, ok := store.Lookup(url)
	if !ok {
		t.Fatalf("expected bundle hit")
	}
	if path != filepath.Join(store.Root(), HashURL(url)+".hls", "index.m3u8") {
		t.Fatalf("unexpected bundle path: %s", path)
	}
}

func TestInfoCountsBundlesOnceAndSkipsTemp(t *testing.T) {
	store := newTestStore(t)

	writeFile(t, store.FilePath("https://host/a.mp4"), 10)
	writeFile(t, store.FilePath("https://host/b.mp4"), 20)

	bundle := store.BundlePath("https://host/x.m3u8")
	writeFile(t, filepath.Join(bundle, IndexName), 5)
	writeFile(t, filepath.Join(bundle, PlaylistDir, "p.m3u8"), 7)
	writeFile(t, filepath.Join(bundle, AssetDir, "s1.ts"), 100)
	writeFile(t, filepath.Join(bundle, AssetDir, "s2.ts.tmp"), 1000)

	writeFile(t, store.FilePath("https://host/c.mp4")+TempSuffix, 500)
	writeFile(t, filepath.Join(store.BundlePath("https://host/y.m3u8")+TempSuffix, IndexName), 500)

	info, err := store.Info(1024)
	if err != nil {
		t.Fatalf("info error: %v", err)
	}
	if info.FileCount != 3 {
		t.Fatalf("expected 3 logical entries, got %d", info.FileCount)
	}
	if info.TotalBytes != 10+20+5+7+100 {
		t.Fatalf("unexpected total bytes: %d", info.TotalBytes)
	}
	if info.MaxBytes != 1024 {
		t.Fatalf("unexpected max bytes: %d", info.MaxBytes)
	}
}

func TestInfoOnMissingRoot(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "not-created"), nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	info, err := store.Info(10)
	if err != nil {
		t.Fatalf("info on missing root should not fail: %v", err)
	}
	if info.FileCount != 0 || info.TotalBytes != 0 {
		t.Fatalf("expected empty info, got %+v", info)
	}
}

func TestRemoveBundleAndTemp(t *testing.T) {
	store := newTestStore(t)
	url := "https://host/show.m3u8"
	bundle := store.BundlePath(url)
	writeFile(t, filepath.Join(bundle, IndexName), 5)
	writeFile(t, filepath.Join(bundle+TempSuffix, IndexName), 5)

	removed, err := store.Remove(url, true)
	if err != nil || !removed {
		t.Fatalf("expected removal, removed=%v err=%v", removed, err)
	}
	if _, err := os.Stat(bundle); !os.IsNotExist(err) {
		t.Fatalf("bundle should be deleted, err=%v", err)
	}
	if _, err := os.Stat(bundle + TempSuffix); err != nil {
		t.Fatalf("temp dir owned by an active download must survive: %v", err)
	}

	removed, err = store.Remove(url, false)
	if err != nil || !removed {
		t.Fatalf("expected stray temp removal, removed=%v err=%v", removed, err)
	}
	if _, err := os.Stat(bundle + TempSuffix); !os.IsNotExist(err) {
		t.Fatalf("stray temp should be deleted, err=%v", err)
	}

	removed, err = store.Remove(url, false)
	if err != nil || removed {
		t.Fatalf("nothing left to remove, removed=%v err=%v", removed, err)
	}
}

func TestClearRecreatesRoot(t *testing.T) {
	store := newTestStore(t)
	writeFile(t, store.FilePath("https://host/a.mp4"), 10)

	if err := store.Clear(); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	info, err := store.Info(0)
	if err != nil {
		t.Fatalf("info error: %v", err)
	}
	if info.FileCount != 0 {
		t.Fatalf("expected empty cache after clear, got %d", info.FileCount)
	}
	if fi, err := os.Stat(store.Root()); err != nil || !fi.IsDir() {
		t.Fatalf("root should be recreated, err=%v", err)
	}
	if _, err := os.Stat(store.Root() + ".lock"); err != nil {
		t.Fatalf("lock file should live beside the root: %v", err)
	}
}

func TestClearPreservesInFlightTemp(t *testing.T) {
	store := newTestStore(t)
	active := "https://host/live.m3u8"
	writeFile(t, store.FilePath("https://host/a.mp4"), 10)
	writeFile(t, filepath.Join(store.BundlePath(active)+TempSuffix, IndexName), 10)

	if err := store.Clear(TempNames(active)...); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	if _, err := os.Stat(store.FilePath("https://host/a.mp4")); !os.IsNotExist(err) {
		t.Fatalf("completed entry should be cleared")
	}
	if _, err := os.Stat(store.BundlePath(active) + TempSuffix); err != nil {
		t.Fatalf("in-flight temp dir should survive clear: %v", err)
	}
}

func TestEvictOldestFirstDownToFloor(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	urls := []string{"https://h/1.mp4", "https://h/2.mp4", "https://h/3.mp4", "https://h/4.mp4"}
	for i, url := range urls {
		p := store.FilePath(url)
		writeFile(t, p, 30)
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatalf("chtimes error: %v", err)
		}
	}

	// 120 bytes > 100 budget; floor is 80 so two oldest entries go.
	evicted, err := store.EvictIfOverBudget(100)
	if err != nil {
		t.Fatalf("evict error: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	for i, url := range urls {
		_, ok := store.Lookup(url)
		if wantCached := i >= 2; ok != wantCached {
			t.Fatalf("entry %d cached=%v, want %v", i, ok, wantCached)
		}
	}
	size, _ := store.AggregateSize()
	if size > 80 {
		t.Fatalf("expected size at most 80, got %d", size)
	}
}

func TestEvictNoopUnderBudget(t *testing.T) {
	store := newTestStore(t)
	writeFile(t, store.FilePath("https://h/1.mp4"), 30)
	evicted, err := store.EvictIfOverBudget(30)
	if err != nil || evicted != 0 {
		t.Fatalf("expected no eviction, evicted=%d err=%v", evicted, err)
	}
}

func TestEvictSkipsTempPaths(t *testing.T) {
	store := newTestStore(t)
	tmp := store.FilePath("https://h/big.mp4") + TempSuffix
	writeFile(t, tmp, 500)
	writeFile(t, store.FilePath("https://h/small.mp4"), 10)

	if _, err := store.EvictIfOverBudget(50); err != nil {
		t.Fatalf("evict error: %v", err)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Fatalf("in-flight temp file must never be evicted: %v", err)
	}
}

func TestTouchRefreshesModTime(t *testing.T) {
	store := newTestStore(t)
	url := "https://h/old.mp4"
	p := store.FilePath(url)
	writeFile(t, p, 10)
	old := time.Now().Add(-24 * time.Hour)
	if err := os.Chtimes(p, old, old); err != nil {
		t.Fatalf("chtimes error: %v", err)
	}
	if err := store.Touch(url); err != nil {
		t.Fatalf("touch error: %v", err)
	}
	info, _ := os.Stat(p)
	if !info.ModTime().After(old.Add(time.Hour)) {
		t.Fatalf("modtime not refreshed: %v", info.ModTime())
	}
}

func TestReplaceFileOverwrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	writeFile(t, target, 3)
	tmp := target + TempSuffix
	if err := os.WriteFile(tmp, []byte("fresh"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := ReplaceFile(tmp, target); err != nil {
		t.Fatalf("replace error: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "fresh" {
		t.Fatalf("unexpected content %q", data)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("temp file should be gone")
	}
}

func TestNewStoreRequiresRoot(t *testing.T) {
	if _, err := NewStore("  ", nil); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

// newTestStore returns a Store rooted in a temporary directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "video_cache"), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.EnsureRoot(); err != nil {
		t.Fatalf("ensure root: %v", err)
	}
	return store
}

func writeFile(t *testing.T, p string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
}
