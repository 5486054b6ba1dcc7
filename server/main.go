package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wiretide/wiretide/pkg/config"
	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/logging"
	"github.com/wiretide/wiretide/pkg/store"
	"github.com/wiretide/wiretide/pkg/system"
	"github.com/wiretide/wiretide/pkg/tracing"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "wiretide-controller",
		Short:         "Wiretide fleet controller",
		Long:          "Registers, approves and configures network appliances running the wiretide agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/wiretide/controller.yaml", "Config file path")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wiretide-controller %s\n", Version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadController(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Install(cfg.Logging, "controller")
	logger.Info().Str("version", Version).Str("config", configPath).Msg("wiretide controller starting")

	provider, err := tracing.Setup(ctx, "wiretide-controller", Version, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	hub := events.NewHub(logger.With().Str("component", "ws").Logger())
	defer hub.Stop()
	bus := events.NewBus(hub)
	if cfg.Events.MQTT.Enabled {
		sink, err := events.NewMQTTSink(events.MQTTConfig{
			Broker:      cfg.Events.MQTT.Broker,
			ClientID:    cfg.Events.MQTT.ClientID,
			Username:    cfg.Events.MQTT.Username,
			Password:    cfg.Events.MQTT.Password,
			TopicPrefix: cfg.Events.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			// Events are an outbound convenience; devices keep working.
			logger.Error().Err(err).Str("broker", cfg.Events.MQTT.Broker).Msg("MQTT sink disabled")
		} else {
			defer sink.Close()
			bus.Attach(sink)
		}
	}

	srv, err := newServer(cfg, db, logger, serverDeps{
		Events: bus,
		Hub:    hub,
		Tools:  system.New(cfg.System, logger),
	})
	if err != nil {
		return err
	}
	if err := srv.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutS) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutS) * time.Second,
	}

	go sweepLimiter(ctx, srv.limiter, cfg.Register.Window(), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Bool("tls", cfg.Server.TLSCert != "").Msg("listening")
		var err error
		if cfg.Server.TLSCert != "" {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceS)*time.Second)
	defer cancel()
	hub.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func sweepLimiter(ctx context.Context, limiter *RateLimiter, window time.Duration, logger zerolog.Logger) {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := limiter.Sweep()
			logger.Debug().Int("removed", removed).Int("keys", limiter.Stats().Keys).Msg("rate limiter swept")
		}
	}
}
