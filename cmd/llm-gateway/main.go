// Command llm-gateway runs the LLM forwarder: one long-lived
// connection to the external LLM endpoint, fed by llm_requests publishes
// from every configured cluster node.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/config"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/llm"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/logging"
)

func main() {
	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.LoadLLMGatewayConfig(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "llm-gateway", os.Stdout)

	backoff := llm.DefaultReconnectBackoff
	if d, err := time.ParseDuration(cfg.ReconnectBackoff); err == nil && d > 0 {
		backoff = d
	} else {
		logger.Warn().Str("value", cfg.ReconnectBackoff).Msg("invalid reconnect backoff, using default")
	}

	f := llm.NewForwarder(cfg.UpstreamAddr, backoff, logger)
	f.ConnectNodes(cfg.NodeHosts())
	logger.Info().
		Str("upstream", cfg.UpstreamAddr).
		Strs("nodes", cfg.NodeHosts()).
		Dur("backoff", backoff).
		Msg("llm gateway started")

	stop := make(chan struct{})
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigc
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		close(stop)
	}()

	f.Run(stop)
	f.Close()
}
