package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dronelink/internal/app"
	httphandlers "dronelink/internal/handlers/http"
	"dronelink/internal/infrastructure/middleware"
	"dronelink/internal/infrastructure/monitoring"
	"dronelink/internal/infrastructure/repositories/memory"
	relay "dronelink/internal/infrastructure/signal"
	"dronelink/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "relay",
		Short: "dronelink signaling relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	root.AddCommand(tokenCommand(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// tokenCommand prints an admission token signed with auth.jwt_secret.
func tokenCommand(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "issue a relay admission token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := app.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
			if !verifier.Enabled() {
				return fmt.Errorf("auth.jwt_secret is not set; the relay admits every connection")
			}
			token, err := verifier.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "viewer", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, used, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := app.NewRuntime(cfg, "dronelink-relay")
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.Log
	log.Infow("configuration loaded", "path", used)

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	registry := memory.NewMemoryClientRegistry()

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	server := relay.NewWebSocketServer(registry, verifier, metrics, relay.Options{
		PingInterval:      cfg.Relay.PingInterval,
		PongTimeout:       cfg.Relay.PongTimeout,
		WriteTimeout:      cfg.Relay.WriteTimeout,
		MaxMessageSize:    cfg.Relay.MaxMessageSizeBytes,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
		SendBuffer:        cfg.Relay.SendBuffer,
		AllowedOrigins:    cfg.Relay.AllowedOrigins,
	}, log)

	health := monitoring.NewHealthChecker()
	router := rt.NewRouter(health)
	router.GET("/ws", gin.WrapF(server.HandleWebSocket))

	control := router.Group("/")
	control.Use(middleware.AuthMiddleware(verifier))
	httphandlers.NewRelayHandler(registry).SetupRoutes(control)

	serveErr := rt.Serve(ctx, cfg.Relay.Address, router, cfg.Relay.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing relay connections", "error", err)
	}

	log.Info("relay stopped")
	return serveErr
}
