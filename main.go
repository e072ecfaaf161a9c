package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/config"
	"github.com/any-hub/appshell/internal/fetch"
	"github.com/any-hub/appshell/internal/logging"
	"github.com/any-hub/appshell/internal/server"
	"github.com/any-hub/appshell/internal/server/routes"
	"github.com/any-hub/appshell/internal/version"
	"github.com/any-hub/appshell/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// shutdownTimeout 限制关停时等待在途请求与后台缓存写入的时间。
const shutdownTimeout = 10 * time.Second

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

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		for k, v := range logging.WorkerFields(cfg.Worker.CacheVersion, cfg.Global.StorageDriver, cfg.Worker.Origin) {
			fields[k] = v
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存存储 → 回源客户端 → worker install/activate → Fiber server，
	// 保证开始接收请求时 app shell 已经预缓存完毕。
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	for k, v := range logging.WorkerFields(cfg.Worker.CacheVersion, cfg.Global.StorageDriver, cfg.Worker.Origin) {
		fields[k] = v
	}
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := rt.host.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "worker 安装失败: %v\n", err)
		return 1
	}

	if err := serve(ctx, rt, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 APPSHELL_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("APPSHELL_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// appRuntime 聚合启动阶段构建的组件，便于测试在不监听端口的情况下复用。
type appRuntime struct {
	host *worker.Host
	app  *fiber.App
}

func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	client, err := fetch.NewClient(fetch.ClientOptions{
		Origin:  origin,
		Timeout: cfg.Global.UpstreamTimeout.DurationValue(),
	})
	if err != nil {
		return nil, err
	}

	workerOpts, err := cfg.WorkerOptions()
	if err != nil {
		return nil, err
	}
	manager, err := worker.NewManager(workerOpts, storage, client, logger)
	if err != nil {
		return nil, err
	}
	host, err := worker.NewHost(manager, logger)
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Worker:     host,
		Fetcher:    client,
		Origin:     origin,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterWorkerRoutes(app, host)

	return &appRuntime{host: host, app: app}, nil
}

// serve 监听端口直到 ctx 结束，随后优雅关停并排空后台缓存写入。
func serve(ctx context.Context, rt *appRuntime, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- rt.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号，开始关停")
	var errs []error
	if err := rt.app.ShutdownWithContext(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("关停 HTTP 服务: %w", err))
	}
	if err := rt.host.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("等待缓存写入: %w", err))
	}
	if err := <-listenErr; err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
