package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sanaullah49/vidkit/internal/cache"
)

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	CacheRoot  string
	ListenPort int
}

const contextKeyRequestID = "_vidkit_request_id"

// NewApp builds a Fiber application that tags every request with an id and
// serves completed cache entries under /files/*. Diagnostics and cache
// management routes are registered separately under /-/.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(opts.CacheRoot) == "" {
		return nil, errors.New("cache root is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	root, err := filepath.Abs(opts.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/files/*", func(c fiber.Ctx) error {
		return serveCacheFile(c, opts.Logger, root)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// serveCacheFile 只提供缓存根目录内已完成的文件，拒绝越界路径与 .tmp 产物。
func serveCacheFile(c fiber.Ctx, logger *logrus.Logger, root string) error {
	full, ok := resolveCachePath(root, c.Params("*"))
	if !ok {
		logger.WithFields(logrus.Fields{
			"action":     "serve_file",
			"path":       c.Params("*"),
			"request_id": RequestID(c),
		}).Warn("file_path_rejected")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_path"})
	}

	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}
	if err := c.SendFile(full); err != nil {
		return err
	}
	// 不同系统的 mime 表对 m3u8 的映射不一致，统一覆盖。
	if strings.HasSuffix(full, ".m3u8") {
		c.Set(fiber.HeaderContentType, "application/vnd.apple.mpegurl")
	}
	return nil
}

// resolveCachePath 将请求路径映射到 root 内的绝对路径。
func resolveCachePath(root, requested string) (string, bool) {
	if requested == "" || strings.Contains(requested, "\x00") {
		return "", false
	}
	cleaned := filepath.Clean("/" + filepath.FromSlash(requested))
	full := filepath.Join(root, cleaned)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasSuffix(part, cache.TempSuffix) {
			return "", false
		}
	}
	return full, true
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
