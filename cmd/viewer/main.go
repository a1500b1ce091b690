package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dronelink/internal/app"
	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	"dronelink/internal/core/services"
	httphandlers "dronelink/internal/handlers/http"
	"dronelink/internal/infrastructure/middleware"
	"dronelink/internal/infrastructure/monitoring"
	"dronelink/internal/infrastructure/sidechannel"
	relay "dronelink/internal/infrastructure/signal"
	webrtcinfra "dronelink/internal/infrastructure/webrtc"
	"dronelink/pkg/auth"
	"dronelink/pkg/config"
	"dronelink/pkg/retry"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath string
		remoteID   string
	)

	root := &cobra.Command{
		Use:   "viewer",
		Short: "dronelink viewer: peer links and frame producers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, remoteID)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	root.Flags().StringVar(&remoteID, "call", "", "relay id of a drone to call on startup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func run(ctx context.Context, configPath, remoteID string) error {
	cfg, used, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if remoteID == "" {
		remoteID = cfg.Viewer.RemoteID
	}

	rt, err := app.NewRuntime(cfg, "dronelink-viewer")
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.Log
	log.Infow("configuration loaded", "path", used)

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Viewer.DialAttempts
	retryCfg.Permanent = []error{domain.ErrNotRegistered}

	relayClient, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*relay.RelayClient, error) {
		return relay.DialRelay(ctx, cfg.Viewer.RelayURL, cfg.Viewer.RelayToken, log)
	})
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer relayClient.Close()

	sideOpts := sidechannel.DefaultOptions()
	sideOpts.QueueSize = cfg.Producer.SendQueueSize
	pool, err := services.NewProducerPool(services.FrameProducerConfig{
		TargetFPS:     cfg.Producer.TargetFPS,
		ScaleFactor:   cfg.Producer.ScaleFactor,
		Quality:       cfg.Producer.Quality,
		HighWaterMark: cfg.Producer.HighWaterMarkBytes,
	}, domain.PerformanceLevel(cfg.Producer.PerformanceLevel),
		func(ctx context.Context, remoteID domain.ClientID) (ports.SideChannel, error) {
			return sidechannel.Dial(ctx, cfg.Viewer.SideChannelURL, sideOpts, log.With("remote_id", remoteID))
		}, sideOpts.HandshakeTimeout, metrics, log)
	if err != nil {
		return err
	}

	transportCfg := webrtcinfra.Config{
		ICEServers:       iceServers(cfg),
		KeyframeInterval: cfg.WebRTC.KeyframeInterval,
	}
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	links := services.NewPeerLinkManager(relayClient,
		webrtcinfra.NewTransportFactory(transportCfg, log), pool.NewPipeline, metrics, log)
	defer links.Close()

	go func() {
		for change := range links.States() {
			log.Debugw("link state", "remote_id", change.RemoteID, "state", change.State.String())
		}
	}()

	if remoteID != "" {
		id := domain.ClientID(remoteID)
		if err := links.StartCall(ctx, id); err != nil {
			return err
		}
		if err := links.SendOffer(ctx, id); err != nil {
			return err
		}
	}

	health := monitoring.NewHealthChecker()
	health.AddCheck("relay", func(context.Context) error {
		select {
		case <-relayClient.Done():
			return errors.New("relay connection closed")
		default:
			return nil
		}
	}, time.Second)

	router := rt.NewRouter(health)
	control := router.Group("/")
	control.Use(middleware.AuthMiddleware(auth.NewVerifier(cfg.Auth.JWTSecret)))
	httphandlers.NewViewerHandler(links, pool).SetupRoutes(control)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-relayClient.Done():
			log.Warn("relay connection lost, shutting down")
			cancel()
		case <-serveCtx.Done():
		}
	}()

	err = rt.Serve(serveCtx, cfg.Viewer.Address, router, cfg.Viewer.ShutdownTimeout)
	log.Info("viewer stopped")
	return err
}
