// Command bridge runs the document-mirroring broker: it attaches to
// every configured cluster node as the microservicio client, mirrors all
// documents, applies LLM responses, and writes the mirror back on a timer.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/audit"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/bridge"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/config"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/logging"
)

func main() {
	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.LoadBridgeConfig(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logOut := os.Stdout
	if cfg.LogFile != "" {
		if f, err := logging.OpenLogFile(cfg.LogFile); err == nil {
			logOut = f
			defer f.Close()
		} else {
			bootstrap.Warn().Err(err).Str("path", cfg.LogFile).Msg("cannot open log file, using stdout")
		}
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "bridge", logOut)

	sink, err := audit.NewSink(splitBrokers(cfg.AuditKafkaBrokers), cfg.AuditKafkaTopic, "bridge", logger)
	if err != nil {
		logger.Warn().Err(err).Msg("audit sink unavailable, continuing without it")
	}
	defer sink.Close()

	b := bridge.New(logger)
	if interval, err := time.ParseDuration(cfg.PersistInterval); err == nil && interval > 0 {
		b.Interval = interval
	} else {
		logger.Warn().Str("value", cfg.PersistInterval).Msg("invalid persist interval, using default")
	}

	b.Connect(cfg.NodeHosts())
	logger.Info().Strs("nodes", cfg.NodeHosts()).Dur("interval", b.Interval).Msg("bridge started")
	sink.Record("bridge_started", "", "", strings.Join(cfg.NodeHosts(), ","))

	stop := make(chan struct{})
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigc
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		close(stop)
	}()

	b.Run(stop)
	b.Close()
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
