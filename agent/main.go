package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wiretide/wiretide/pkg/config"
	"github.com/wiretide/wiretide/pkg/logging"
	"github.com/wiretide/wiretide/pkg/probe"
	"github.com/wiretide/wiretide/pkg/tracing"
)

var (
	configPath = flag.String("config", "/etc/wiretide/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Controller URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Report interval (overrides config)")
	once       = flag.Bool("once", false, "Run a single reporting cycle and exit")
	Version    = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Reporting.Interval = int(interval.Seconds())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger := logging.Install(cfg.Logging, "agent")
	logger.Info().Str("version", Version).Str("server", cfg.Server.URL).Int("interval_s", cfg.Reporting.Interval).Msg("wiretide agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.Setup(ctx, "wiretide-agent", Version, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer provider.Shutdown(context.Background())

	mac, err := probe.InterfaceMAC(cfg.Device.Interface)
	if err != nil {
		logger.Fatal().Err(err).Str("interface", cfg.Device.Interface).Msg("cannot determine device MAC")
	}

	agent := newAgent(cfg, mac, logger)
	agent.checkHealth(ctx)

	runCycle := func() {
		if err := agent.cycle(ctx); err != nil {
			if errors.Is(err, errNotApproved) {
				logger.Info().Msg("waiting for operator approval")
				return
			}
			logger.Error().Err(err).Msg("reporting cycle failed")
		}
	}

	runCycle()
	if *once {
		return
	}

	jitter := time.Duration(cfg.Reporting.Jitter) * time.Second
	ticker := time.NewTicker(time.Duration(cfg.Reporting.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("agent stopping")
			return
		case <-ticker.C:
		}
		// Spread the fleet's requests.
		if jitter > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
			}
		}
		agent.checkHealth(ctx)
		runCycle()
	}
}
