package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/Sanaullah49/vidkit/internal/cache"
	"github.com/Sanaullah49/vidkit/internal/logging"
	"github.com/Sanaullah49/vidkit/internal/server"
)

// CacheService 是 HTTP 层依赖的缓存操作集合，由 downloader.Coordinator 实现。
type CacheService interface {
	Info() (cache.Info, error)
	GetCachedPath(rawURL string) (string, bool)
	WaitUntilCached(ctx context.Context, rawURL string, headers http.Header) (string, error)
	RemoveFromCache(rawURL string) (bool, error)
	ClearCache() error
}

// RegisterCacheRoutes 暴露 /-/info 与 /-/cache 管理接口。
func RegisterCacheRoutes(app *fiber.App, svc CacheService, logger *logrus.Logger) {
	if app == nil || svc == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	app.Get("/-/info", func(c fiber.Ctx) error {
		info, err := svc.Info()
		if err != nil {
			return renderError(c, logger, fiber.StatusInternalServerError, "info_failed", err)
		}
		return c.JSON(infoPayload{
			Info:       info,
			TotalHuman: humanize.IBytes(uint64(info.TotalBytes)),
			MaxHuman:   humanize.IBytes(uint64(info.MaxBytes)),
		})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		rawURL := strings.TrimSpace(c.Query("url"))
		if rawURL == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		path, ok := svc.GetCachedPath(rawURL)
		return c.JSON(lookupPayload{Cached: ok, Path: path})
	})

	app.Post("/-/cache", func(c fiber.Ctx) error {
		var req precacheRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil || strings.TrimSpace(req.URL) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		headers := http.Header{}
		for key, value := range req.Headers {
			headers.Set(key, value)
		}

		path, err := svc.WaitUntilCached(c.Context(), req.URL, headers)
		if err != nil {
			return renderError(c, logger, fiber.StatusBadGateway, "precache_failed", err)
		}
		return c.JSON(lookupPayload{Cached: true, Path: path})
	})

	app.Delete("/-/cache/all", func(c fiber.Ctx) error {
		if err := svc.ClearCache(); err != nil {
			return renderError(c, logger, fiber.StatusInternalServerError, "clear_failed", err)
		}
		return c.JSON(fiber.Map{"cleared": true})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		rawURL := strings.TrimSpace(c.Query("url"))
		if rawURL == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}
		removed, err := svc.RemoveFromCache(rawURL)
		if err != nil {
			return renderError(c, logger, fiber.StatusInternalServerError, "remove_failed", err)
		}
		return c.JSON(fiber.Map{"removed": removed})
	})
}

type infoPayload struct {
	cache.Info
	TotalHuman string `json:"total_human"`
	MaxHuman   string `json:"max_human"`
}

type lookupPayload struct {
	Cached bool   `json:"cached"`
	Path   string `json:"path,omitempty"`
}

type precacheRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

func renderError(c fiber.Ctx, logger *logrus.Logger, status int, code string, err error) error {
	logger.WithFields(logrus.Fields{
		"action":     "cache_api",
		"path":       c.Path(),
		"request_id": server.RequestID(c),
		"error_code": code,
	}).WithError(err).Warn("cache_api_failed")
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": err.Error(),
	})
}
