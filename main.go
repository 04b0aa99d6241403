package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"phishdecloaker/config"
	"phishdecloaker/core"
	"phishdecloaker/dispatch"
	"phishdecloaker/queue"
	"phishdecloaker/routes"
	"phishdecloaker/utils"
)

var (
	flagPort      int
	flagType      string
	flagLocal     bool
	flagLogLevel  string
	flagQueueKind string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "phishdecloaker [command]",
		Short: "Solve captcha cloaking on crawled phishing sites",
		Long: `phishdecloaker drives a browser through the captchas that phishing
kits put in front of their landing pages, then hands the uncovered page
to phishing detection.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	pf.StringVar(&flagQueueKind, "queue", "", "broker: amqp, nats, memory (overrides QUEUE_KIND)")
	pf.BoolVar(&flagLocal, "local-browser", false, "launch a local Chrome instead of BROWSER_HOST")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newRouterCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg := config.Load()
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagQueueKind != "" {
		cfg.QueueKind = flagQueueKind
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newServeCmd runs the ad-hoc solve API.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ad-hoc solve API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if flagPort != 0 {
				cfg.HTTPPort = flagPort
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides HTTP_PORT)")
	return cmd
}

// newWorkerCmd consumes one solver queue.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume a solver queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(loadConfig(), flagType)
		},
	}
	cmd.Flags().StringVarP(&flagType, "type", "t", "hcaptcha", "captcha type whose queue to consume")
	return cmd
}

// newRouterCmd consumes the crawled queue.
func newRouterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Route crawled jobs to solvers and detection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouter(loadConfig())
		},
	}
}

func runServe(cfg config.Config) error {
	logger, err := utils.NewLogger(cfg.LogLevel, cfg.DevLog)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := dispatch.NewMetrics(reg)
	worker, closeWorker, err := buildWorker(ctx, cfg, "", metrics, logger)
	if err != nil {
		return err
	}
	defer closeWorker()

	e := echo.New()

	// Debug Setting
	e.Logger.SetOutput(io.Discard)
	e.HideBanner = true
	e.Debug = false

	// Middleware
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"*"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
	}))
	e.Use(requestLogger(logger.Named("http")))

	routes.NewHandler(worker.Process, cfg.TaskTimeout, reg, logger.Named("tasks")).Register(e)

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Shutdown(sctx)
	}()

	logger.Info("server is running", zap.Int("port", cfg.HTTPPort))
	if err := e.Start(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

func runWorker(cfg config.Config, typeName string) error {
	logger, err := utils.NewLogger(cfg.LogLevel, cfg.DevLog)
	if err != nil {
		return err
	}
	defer logger.Sync()

	name, ok := dispatch.QueueFor(core.ParseCaptchaType(typeName))
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownType, typeName)
	}

	ctx, stop := signalContext()
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := dispatch.NewMetrics(reg)
	worker, closeWorker, err := buildWorker(ctx, cfg, name, metrics, logger)
	if err != nil {
		return err
	}
	defer closeWorker()

	broker, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()
	worker.Broker = broker

	serveMetrics(ctx, cfg.HTTPPort, reg, logger)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runRouter(cfg config.Config) error {
	logger, err := utils.NewLogger(cfg.LogLevel, cfg.DevLog)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	broker, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	reg := prometheus.NewRegistry()
	router, closeRouter, err := buildRouter(ctx, cfg, broker, dispatch.NewMetrics(reg), logger)
	if err != nil {
		return err
	}
	defer closeRouter()

	serveMetrics(ctx, cfg.HTTPPort, reg, logger)
	if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openBroker picks the queue transport from QUEUE_KIND.
func openBroker(cfg config.Config, logger *zap.Logger) (queue.Broker, error) {
	switch cfg.QueueKind {
	case "amqp":
		return queue.DialAMQP(cfg.QueueURL, logger.Named("amqp"))
	case "nats":
		return queue.DialNATS(cfg.QueueURL, "", logger.Named("jetstream"))
	case "memory":
		return queue.NewMemoryBroker(), nil
	}
	return nil, fmt.Errorf("unknown queue kind %q", cfg.QueueKind)
}
