package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/Sanaullah49/vidkit/internal/config"
	"github.com/Sanaullah49/vidkit/internal/downloader"
	"github.com/Sanaullah49/vidkit/internal/logging"
	"github.com/Sanaullah49/vidkit/internal/server"
	"github.com/Sanaullah49/vidkit/internal/server/routes"
	"github.com/Sanaullah49/vidkit/internal/version"
)

const defaultConfigPath = "config.toml"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	precacheURL string
	removeURL   string
	showInfo    bool
	clearCache  bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			fmt.Fprintf(stdErr, "配置校验失败: %v\n", err)
		} else {
			fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		}
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_root"] = cfg.CacheRoot()
		fields = logging.SizeFields(fields, "max_cache_size", cfg.Global.MaxCacheSize)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	coord, err := downloader.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer coord.Close()

	switch {
	case opts.precacheURL != "":
		return runPrecache(coord, opts.precacheURL)
	case opts.removeURL != "":
		removed, err := coord.RemoveFromCache(opts.removeURL)
		if err != nil {
			fmt.Fprintf(stdErr, "删除缓存失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdOut, "removed: %t\n", removed)
		return 0
	case opts.clearCache:
		if err := coord.ClearCache(); err != nil {
			fmt.Fprintf(stdErr, "清空缓存失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdOut, "cache cleared")
		return 0
	case opts.showInfo:
		return printInfo(coord)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_root"] = cfg.CacheRoot()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, coord, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig 在未指定配置文件时使用内置默认值。
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runPrecache 下载单个 URL，进度写入 stderr，最终路径写入 stdout。
func runPrecache(coord *downloader.Coordinator, rawURL string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var last downloader.Update
	for update := range coord.Request(ctx, rawURL, nil) {
		last = update
		if update.Err == nil {
			fmt.Fprintf(stdErr, "progress: %3.0f%%\n", update.Progress*100)
		}
	}
	if last.Err != nil {
		fmt.Fprintf(stdErr, "缓存失败: %v\n", last.Err)
		return 1
	}

	path, ok := coord.GetCachedPath(rawURL)
	if !ok {
		fmt.Fprintf(stdErr, "缓存失败: %v\n", downloader.ErrNotCached)
		return 1
	}
	fmt.Fprintln(stdOut, path)
	return 0
}

func printInfo(coord *downloader.Coordinator) int {
	info, err := coord.Info()
	if err != nil {
		fmt.Fprintf(stdErr, "读取缓存信息失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdOut, "root: %s\n", coord.Store().Root())
	fmt.Fprintf(stdOut, "entries: %d\n", info.FileCount)
	fmt.Fprintf(stdOut, "size: %s / %s\n", humanize.IBytes(uint64(info.TotalBytes)), humanize.IBytes(uint64(info.MaxBytes)))
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("vidkit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts cliOptions
	var configFlag string

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 VIDKIT_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.StringVar(&opts.precacheURL, "precache", "", "下载指定 URL 到缓存并输出本地路径")
	fs.StringVar(&opts.removeURL, "remove", "", "删除指定 URL 的缓存")
	fs.BoolVar(&opts.showInfo, "info", false, "输出缓存占用信息")
	fs.BoolVar(&opts.clearCache, "clear", false, "清空缓存目录")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("解析参数失败: 未知参数 %v", fs.Args())
	}

	path := os.Getenv("VIDKIT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		// 当前目录没有 config.toml 时使用内置默认配置。
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else if !errors.Is(err, os.ErrNotExist) {
			return cliOptions{}, fmt.Errorf("检查默认配置失败: %w", err)
		}
	}
	opts.configPath = path

	return opts, nil
}

func startHTTPServer(cfg *config.Config, coord *downloader.Coordinator, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		CacheRoot:  coord.Store().Root(),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, coord, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
