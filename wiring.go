package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"phishdecloaker/browser"
	"phishdecloaker/config"
	"phishdecloaker/core"
	"phishdecloaker/dispatch"
	"phishdecloaker/oracle"
	"phishdecloaker/queue"
)

// buildOracle picks the recognition transport from ORACLE_KIND and adds
// the XEvil tile selector when configured.
func buildOracle(cfg config.Config, logger *zap.Logger) (*oracle.Client, core.TileSelector, error) {
	var (
		client *oracle.Client
		err    error
	)
	switch cfg.OracleKind {
	case "nats":
		client, err = oracle.NewNATS(cfg.NATSURL, "oracle", cfg.OracleRate, logger.Named("oracle"))
	case "http", "xevil":
		client, err = oracle.NewHTTP(cfg.OracleURL, cfg.OracleRate, logger.Named("oracle"))
	default:
		err = fmt.Errorf("unknown oracle kind %q", cfg.OracleKind)
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.OracleKind == "xevil" {
		if err := cfg.Require("XEVIL_URL", "XEVIL_KEY"); err != nil {
			client.Close()
			return nil, nil, err
		}
	}
	if cfg.XEvilURL == "" {
		return client, nil, nil
	}
	x, err := oracle.NewXEvil(cfg.XEvilURL, cfg.XEvilKey, logger.Named("xevil"))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, x, nil
}

func solverTimeouts(cfg config.Config) core.Timeouts {
	return core.Timeouts{
		Type:    cfg.TypeTimeout,
		Verify:  cfg.VerifyTimeout,
		Replace: cfg.ReplaceTimeout,
		Payload: cfg.PayloadTimeout,
	}
}

func buildWorker(ctx context.Context, cfg config.Config, queueName string, metrics *dispatch.Metrics, logger *zap.Logger) (*dispatch.Worker, func(), error) {
	client, selector, err := buildOracle(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	env := core.Env{
		Oracle:      client,
		Selector:    selector,
		Logger:      logger.Named("solver"),
		Timeouts:    solverTimeouts(cfg),
		PreferAudio: cfg.PreferAudio,
	}

	var sessions *browser.Sessions
	if flagLocal {
		sessions = browser.NewLocal(ctx, true, logger)
	} else {
		sessions = browser.NewRemote(ctx, cfg.BrowserHost, logger)
	}

	worker := &dispatch.Worker{
		Queue:      queueName,
		Sessions:   sessions,
		Solvers:    dispatch.RegistrySolvers(env),
		MaxTries:   cfg.MaxTries,
		JobTimeout: cfg.JobTimeout,
		Metrics:    metrics,
		Logger:     logger.Named("worker"),
	}
	closer := func() {
		sessions.Close()
		if err := client.Close(); err != nil {
			logger.Warn("close oracle", zap.Error(err))
		}
	}
	return worker, closer, nil
}

func buildRouter(ctx context.Context, cfg config.Config, broker queue.Broker, metrics *dispatch.Metrics, logger *zap.Logger) (*dispatch.Router, func(), error) {
	if err := cfg.Require("DATABASE_URL", "CAPTCHA_DETECTOR_URL", "PHISHING_DETECTOR_URL"); err != nil {
		return nil, nil, err
	}
	captcha, err := oracle.NewCaptchaDetector(cfg.CaptchaDetectorURL)
	if err != nil {
		return nil, nil, err
	}
	phish, err := oracle.NewPhishDetector(cfg.PhishingDetectorURL)
	if err != nil {
		return nil, nil, err
	}

	notifier, err := dispatch.NewNotifier(cfg.PollerURL, cfg.VirusTotalAPIKey, metrics, logger.Named("notify"))
	if err != nil {
		return nil, nil, err
	}

	store, err := dispatch.NewPGStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	router := &dispatch.Router{
		Broker:         broker,
		Captcha:        captcha,
		Phish:          phish,
		Notifier:       notifier,
		Store:          store,
		IgnoredTargets: cfg.IgnoredTargets,
		Metrics:        metrics,
		Logger:         logger.Named("router"),
	}

	var geo *dispatch.GeoIP
	if cfg.GeoIPDB != "" {
		if geo, err = dispatch.OpenGeoIP(cfg.GeoIPDB); err != nil {
			logger.Warn("geoip disabled", zap.Error(err))
		} else {
			router.Geo = geo
		}
	}

	closer := func() {
		store.Close()
		if geo != nil {
			geo.Close()
		}
	}
	return router, closer, nil
}

// requestLogger writes one zap line per request.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		}
	}
}

// metricsServer answers health checks and exposes gatherer, the process's
// private registry.
func metricsServer(gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return e
}

// serveMetrics runs metricsServer for the queue consumers until ctx ends.
func serveMetrics(ctx context.Context, port int, gatherer prometheus.Gatherer, logger *zap.Logger) {
	e := metricsServer(gatherer)

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(sctx)
	}()
	go func() {
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", zap.Error(err))
		}
	}()
}
