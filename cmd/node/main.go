// Command node runs one cluster node: the client-facing RESP listener,
// the peer-facing mesh listener, and the metrics/health HTTP endpoint.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/audit"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/cluster"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/command"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/config"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/logging"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/metrics"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/persistence"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/pubsub"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/resource"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/session"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/store"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

const monitorInterval = 15 * time.Second

func main() {
	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.LoadNodeConfig(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.Print()

	logOut := os.Stdout
	if cfg.LogFile != "" {
		if f, err := logging.OpenLogFile(cfg.LogFile); err == nil {
			logOut = f
			defer f.Close()
		} else {
			bootstrap.Warn().Err(err).Str("path", cfg.LogFile).Msg("cannot open log file, using stdout")
		}
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "node", logOut)
	cfg.LogConfig(logger)

	clientPort, err := cfg.ClientPort()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid listen address")
	}
	peerAddr, _ := cfg.PeerAddr()
	role := cluster.ParseRole(strings.ToLower(cfg.Role))

	st := store.New()
	subs := pubsub.New()
	exec := command.New(st, subs, command.DefaultCredentials(), role.String())

	local := cluster.NewLocalNode(clientPort, clientPort+10000, cfg.RangeLo, cfg.RangeHi, role)
	peers := cluster.NewPeerTable()
	router := cluster.NewRouter(local, peers, "127.0.0.1")
	mesh := cluster.NewMesh(local, peers, st, subs, exec, logger, "127.0.0.1")
	manager := session.NewManager(exec, subs, router, mesh, logger)
	mesh.Deliver = manager.Clients.Deliver

	// Masters reload their owned keyspace from the per-(range, port)
	// snapshot; every loaded key also gets its subscription entry seeded.
	snapshotPath := persistence.FileName(cfg.DataDir, cfg.RangeLo, cfg.RangeHi, clientPort)
	if role == cluster.RoleMaster {
		persistence.Load(snapshotPath, st, logger)
		for _, key := range st.Keys() {
			subs.EnsureKey(key)
		}
	}

	guard := resource.NewGuard(resource.Limits{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MaxBroadcastRate:   cfg.MaxBroadcastRate,
		MemoryLimitBytes:   cfg.MemoryLimitBytes,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, logger)
	manager.Guard = guard

	nodeID := fmt.Sprintf("node-%d", clientPort)
	sink, err := audit.NewSink(splitBrokers(cfg.AuditKafkaBrokers), cfg.AuditKafkaTopic, nodeID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("audit sink unavailable, continuing without it")
	}
	defer sink.Close()

	manager.OnMutated = func(cmd *wire.Command, class command.Classification) {
		sink.Record("command_applied", strings.ToUpper(cmd.Name), cmd.Key, "")
		// The bridge's write-back SET is the authoritative snapshot
		// signal; replicas never write snapshots.
		if class == command.ClassMicroservice && role == cluster.RoleMaster {
			_ = persistence.Save(snapshotPath, st, logger)
		}
	}
	mesh.OnPromoted = func(formerMaster int) {
		sink.Record("failover", "", "", fmt.Sprintf("promoted, former master port %d", formerMaster))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msrv := metrics.NewServer(cfg.MetricsAddr, role.String(), guard.Connections(), logger)
	go func() {
		if err := msrv.Serve(); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	guard.StartMonitoring(ctx, monitorInterval, msrv.SetCPUPercent)

	peerLn, err := net.Listen("tcp", peerAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", peerAddr).Msg("failed to listen on peer port")
	}
	go mesh.ServePeers(peerLn)

	for _, p := range cfg.PeerClientPorts() {
		mesh.ConnectTo(p + 10000)
	}

	clientLn, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("failed to listen on client port")
	}
	go manager.Serve(clientLn)

	logger.Info().
		Str("client_addr", cfg.Addr).
		Str("peer_addr", peerAddr).
		Str("role", role.String()).
		Int("range_lo", cfg.RangeLo).
		Int("range_hi", cfg.RangeHi).
		Msg("node started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	_ = clientLn.Close()
	_ = peerLn.Close()
	if role == cluster.RoleMaster {
		_ = persistence.Save(snapshotPath, st, logger)
	}
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
