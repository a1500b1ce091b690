// Package app holds the process wiring shared by the dronelink binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dronelink/internal/infrastructure/middleware"
	"dronelink/internal/infrastructure/monitoring"
	"dronelink/pkg/config"
	"dronelink/pkg/logger"
	"dronelink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/dronelink/config.yaml",
	"config.yaml",
}

// LoadConfig reads path when given, otherwise the first well-known location
// that loads. Defaults apply when nothing is found.
func LoadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	var lastErr error
	for _, p := range configPaths {
		cfg, err := config.Load(p)
		if err == nil {
			return cfg, p, nil
		}
		lastErr = err
	}

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("no usable configuration: %w", errors.Join(lastErr, err))
	}
	return cfg, "", nil
}

// Runtime is the logger and tracer of one binary.
type Runtime struct {
	Config    *config.Config
	Log       *zap.SugaredLogger
	Tracer    *tracing.TracerProvider
	StartTime time.Time
	zl        *zap.Logger
}

// NewRuntime sets up logging and tracing for service
func NewRuntime(cfg *config.Config, service string) (*Runtime, error) {
	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format).With(zap.String("service", service))

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: service,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		zl.Sync()
		return nil, err
	}

	return &Runtime{
		Config:    cfg,
		Log:       zl.Sugar(),
		Tracer:    tp,
		StartTime: time.Now(),
		zl:        zl,
	}, nil
}

// Close flushes the logger and shuts tracing down
func (r *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Tracer.Shutdown(ctx); err != nil {
		r.Log.Warnw("failed to flush traces", "error", err)
	}
	r.zl.Sync()
}

// NewRouter builds a gin engine with the common middleware and the
// /health, /ready and /metrics endpoints.
func (r *Runtime) NewRouter(health *monitoring.HealthChecker) *gin.Engine {
	if r.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(r.Log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(r.Log),
		middleware.NewHTTPRateLimitMiddleware(r.Config),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(r.StartTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if r.Config.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return router
}

// Serve runs handler on addr until ctx is done, then shuts it down within
// timeout.
func (r *Runtime) Serve(ctx context.Context, addr string, handler http.Handler, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		r.Log.Infow("http server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.Log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			r.Log.Errorw("error force closing server", "error", closeErr)
		}
		return err
	}
	r.Log.Info("http server stopped")
	return nil
}
