package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dronelink/internal/app"
	"dronelink/internal/core/services"
	httphandlers "dronelink/internal/handlers/http"
	"dronelink/internal/infrastructure/middleware"
	"dronelink/internal/infrastructure/monitoring"
	"dronelink/internal/infrastructure/sidechannel"
	"dronelink/internal/infrastructure/sink"
	"dronelink/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "publisher",
		Short: "dronelink frame consumer and publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, used, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := app.NewRuntime(cfg, "dronelink-publisher")
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.Log
	log.Infow("configuration loaded", "path", used)

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	frameSink := sink.New(ctx, cfg, log)
	defer frameSink.Close()

	consumer, err := services.NewFrameConsumer(services.FrameConsumerConfig{
		TargetFPS: cfg.Publisher.TargetFPS,
		FrameID:   cfg.Publisher.FrameID,
	}, frameSink, metrics, log)
	if err != nil {
		return err
	}

	ingest := sidechannel.NewIngestServer(consumer, cfg.Publisher.MaxFrameBytes, log)

	health := monitoring.NewHealthChecker()
	health.AddPingCheck("sink", frameSink, 2*time.Second)

	router := rt.NewRouter(health)
	router.GET("/frames", gin.WrapF(ingest.HandleWebSocket))

	control := router.Group("/")
	control.Use(middleware.AuthMiddleware(auth.NewVerifier(cfg.Auth.JWTSecret)))
	httphandlers.NewPublisherHandler(consumer).SetupRoutes(control)

	err = rt.Serve(ctx, cfg.Publisher.Address, router, cfg.Publisher.ShutdownTimeout)
	log.Infow("publisher stopped", "stats", consumer.GetStats())
	return err
}
