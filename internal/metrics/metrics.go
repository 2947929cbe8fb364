// Package metrics defines the node's and bridge's Prometheus metrics and an
// HTTP server for /metrics plus a JSON health endpoint, on a listener
// separate from the RESP TCP ports. Only the node binary starts that server.
package metrics

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_connections_total",
		Help: "Total number of client connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kv_connections_active",
		Help: "Current number of active client connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_connections_rejected_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_commands_total",
		Help: "Total commands dispatched, by command name",
	}, []string{"command"})

	AskRedirectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_ask_redirects_total",
		Help: "Total ASK redirects returned to clients",
	})

	// Replication / liveness metrics
	ReplicaBroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_replica_broadcasts_total",
		Help: "Total commands broadcast to replicas",
	})

	HeartbeatMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_heartbeat_misses_total",
		Help: "Total heartbeat timeouts observed against this node's master",
	})

	FailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_failovers_total",
		Help: "Total failover promotions this node performed",
	})

	// Pub/sub metrics
	PublishDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_publish_deliveries_total",
		Help: "Total publish payloads delivered to subscribers",
	})

	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_publish_failures_total",
		Help: "Total publish deliveries that failed and were skipped",
	})

	// Bridge metrics
	DedupDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_bridge_dedup_drops_total",
		Help: "Total duplicate LLM responses the bridge dropped",
	})

	MirrorWriteBacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kv_bridge_write_backs_total",
		Help: "Total mirror write-back SET commands issued by the bridge",
	})

	// System metrics
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kv_memory_bytes",
		Help: "Current heap memory usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kv_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsRejected)

	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(AskRedirectsTotal)

	prometheus.MustRegister(ReplicaBroadcastsTotal)
	prometheus.MustRegister(HeartbeatMissesTotal)
	prometheus.MustRegister(FailoversTotal)

	prometheus.MustRegister(PublishDeliveriesTotal)
	prometheus.MustRegister(PublishFailuresTotal)

	prometheus.MustRegister(DedupDropsTotal)
	prometheus.MustRegister(MirrorWriteBacksTotal)

	prometheus.MustRegister(CPUUsagePercent)
	prometheus.MustRegister(MemoryUsageBytes)
	prometheus.MustRegister(GoroutinesActive)
}

// Health is the JSON shape the /health endpoint returns.
type Health struct {
	Status      string  `json:"status"`
	Role        string  `json:"role"`
	Connections int64   `json:"connections"`
	Goroutines  int     `json:"goroutines"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	UptimeSec   float64 `json:"uptime_seconds"`
}

// Server hosts /metrics and /health.
type Server struct {
	addr    string
	role    string
	started time.Time
	log     zerolog.Logger

	// Connections is read by /health; the session manager owns the count.
	Connections *int64

	// CPUPercent is refreshed by the resource guard's monitoring loop.
	cpuPercent atomic.Value // float64
}

func NewServer(addr, role string, connections *int64, log zerolog.Logger) *Server {
	s := &Server{addr: addr, role: role, started: time.Now(), log: log, Connections: connections}
	s.cpuPercent.Store(0.0)
	return s
}

// SetCPUPercent records the latest CPU sample for /health.
func (s *Server) SetCPUPercent(p float64) {
	s.cpuPercent.Store(p)
}

// Serve blocks on the HTTP listener. Run it in its own goroutine.
func (s *Server) Serve() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
	return http.ListenAndServe(s.addr, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var conns int64
	if s.Connections != nil {
		conns = atomic.LoadInt64(s.Connections)
	}

	h := Health{
		Status:      "healthy",
		Role:        s.role,
		Connections: conns,
		Goroutines:  runtime.NumGoroutine(),
		CPUPercent:  s.cpuPercent.Load().(float64),
		MemoryBytes: mem.Alloc,
		UptimeSec:   time.Since(s.started).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}
