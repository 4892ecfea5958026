package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterServesCachedFile(t *testing.T) {
	app, root := newTestApp(t)
	writeTestFile(t, filepath.Join(root, "abc.hls", "index.m3u8"), "#EXTM3U\n")

	resp, err := app.Test(httptest.NewRequest("GET", "/files/abc.hls/index.m3u8", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "#EXTM3U\n" {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterHidesTempArtifacts(t *testing.T) {
	app, root := newTestApp(t)
	writeTestFile(t, filepath.Join(root, "abc.hls.tmp", "index.m3u8"), "#EXTM3U\n")

	resp, err := app.Test(httptest.NewRequest("GET", "/files/abc.hls.tmp/index.m3u8", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 status, got %d", resp.StatusCode)
	}
}

func TestRouterReturns404WhenFileMissing(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/files/missing.mp4", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("expected not_found error, got %s", string(body))
	}
}

func TestResolveCachePath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "video_cache")
	cases := []struct {
		requested string
		want      string
		ok        bool
	}{
		{"a.mp4", filepath.Join(root, "a.mp4"), true},
		{"b.hls/assets/c.ts", filepath.Join(root, "b.hls", "assets", "c.ts"), true},
		{"../outside.txt", filepath.Join(root, "outside.txt"), true},
		{"", "", false},
		{"a.mp4.tmp", "", false},
		{"b.hls.tmp/index.m3u8", "", false},
	}
	for _, tc := range cases {
		got, ok := resolveCachePath(root, tc.requested)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("resolveCachePath(%q)=(%q,%v), want (%q,%v)", tc.requested, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{CacheRoot: t.TempDir(), ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 5000}); err == nil {
		t.Fatalf("expected error without cache root")
	}
	if _, err := NewApp(AppOptions{Logger: logger, CacheRoot: t.TempDir()}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func newTestApp(t *testing.T) (*fiber.App, string) {
	t.Helper()

	root := filepath.Join(t.TempDir(), "video_cache")
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		CacheRoot:  root,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, root
}

func writeTestFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
}
