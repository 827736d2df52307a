package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/compression"
	"github.com/qsw/qsw/internal/config"
	"github.com/qsw/qsw/internal/host"
	"github.com/qsw/qsw/internal/logging"
	"github.com/qsw/qsw/internal/proxy"
	"github.com/qsw/qsw/internal/server"
	"github.com/qsw/qsw/internal/server/routes"
	"github.com/qsw/qsw/internal/version"
)

// compressionLevel 对应 zstd SpeedDefault。
const compressionLevel = 2

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "以离线缓存运行时代理站点",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addSiteFlags(cmd)
	cmd.Flags().Bool("debug", false, "输出 worker 调试日志")
	cmd.Flags().String("prefix", "QSW", "Cache tier prefix")
	cmd.Flags().String("cache-version", "v1", "Cache tier version")
	cmd.Flags().String("origin", "", "站点对外地址，例如 https://example.com")
	cmd.Flags().String("upstream", "", "实际回源地址，默认等于 origin")
	cmd.Flags().Int("listen-port", 5000, "监听端口")
	cmd.Flags().String("storage", "./storage", "缓存目录")
	cmd.Flags().String("log-level", "info", "日志级别")
	cmd.Flags().String("schedule", host.DefaultReconcileSchedule, "周期对账的 cron 表达式")
	cmd.Flags().Bool("check-config", false, "仅校验配置后退出")
	return cmd
}

// serveStack 汇总 serve 命令装配出的组件，便于测试在不监听端口的情况下使用。
type serveStack struct {
	app        *fiber.App
	host       *host.Host
	scheduler  *host.Scheduler
	compressor *compression.Compressor
}

func (s *serveStack) Close() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.compressor != nil {
		_ = s.compressor.Close()
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return exitError{code: 1, err: fmt.Errorf("加载配置失败: %w", err)}
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("初始化日志失败: %w", err)}
	}

	if checkOnly, _ := cmd.Flags().GetBool("check-config"); checkOnly {
		fields := logging.BaseFields("check_config", configPath)
		for k, v := range logging.SiteFields(cfg.Site.Type, cfg.Site.CachePrefix, cfg.Site.CacheVersion, cfg.Site.Origin) {
			fields[k] = v
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序为“配置 → 磁盘缓存 → 宿主 → 首次对账 → 调度 → Fiber server”，
	// 首个请求到达前 worker 已经完成安装。
	stack, err := buildServeStack(ctx, cfg, logger)
	if err != nil {
		return exitError{code: 1, err: err}
	}
	defer stack.Close()

	fields := logging.BaseFields("startup", configPath)
	for k, v := range logging.SiteFields(cfg.Site.Type, cfg.Site.CachePrefix, cfg.Site.CacheVersion, cfg.Site.Origin) {
		fields[k] = v
	}
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, stack.app, cfg.Global.ListenPort, logger); err != nil {
		return exitError{code: 1, err: fmt.Errorf("HTTP 服务启动失败: %w", err)}
	}
	return nil
}

// buildServeStack 装配磁盘缓存、上游网络、宿主与 Fiber 应用，并执行首次对账。
func buildServeStack(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*serveStack, error) {
	route, err := server.NewSiteRoute(cfg)
	if err != nil {
		return nil, fmt.Errorf("解析站点失败: %w", err)
	}

	compressor, err := compression.NewCompressor(compressionLevel, cfg.Global.CompressEntries)
	if err != nil {
		return nil, fmt.Errorf("初始化压缩器失败: %w", err)
	}
	stack := &serveStack{compressor: compressor}

	storage, err := cache.NewDiskStorage(filepath.Join(cfg.Global.StoragePath, "tiers"), compressor)
	if err != nil {
		stack.Close()
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	network, err := server.NewUpstreamNetwork(server.NewUpstreamClient(cfg), route.Site.Origin, route.Site.Upstream)
	if err != nil {
		stack.Close()
		return nil, err
	}

	hashes := host.NewFileHashStore(filepath.Join(cfg.Global.StoragePath, "state", "apphash"))
	h, err := host.New(storage, network, hashes, nil, logger, host.Options{
		Origin:  route.Site.Origin,
		Mode:    route.Site.Mode,
		Prefix:  cfg.Site.CachePrefix,
		Version: cfg.Site.CacheVersion,
		Debug:   cfg.Site.Debug,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.host = h

	h.Reconcile(ctx)

	scheduler, err := host.NewScheduler(cfg.Site.ReconcileSchedule, func() {
		h.Reconcile(ctx)
	}, logger)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.scheduler = scheduler
	scheduler.Start()

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      route,
		Proxy:      proxy.NewHandler(h, network, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	routes.RegisterStatusRoutes(app, h)
	stack.app = app
	return stack, nil
}

func startHTTPServer(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	go func() {
		<-ctx.Done()
		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务关闭")
		_ = app.Shutdown()
	}()

	return app.Listen(fmt.Sprintf(":%d", port))
}
