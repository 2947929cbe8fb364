// Package resource implements the admission-control guard gating the
// client accept loop: a hard connection ceiling, a CPU emergency brake,
// and a broadcast rate limit. Limits are static configuration — the guard
// enforces them, it never auto-adjusts them.
package resource

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/metrics"
)

// Limits is the static configuration a Guard enforces.
type Limits struct {
	MaxConnections     int
	CPURejectThreshold float64 // reject new connections above this CPU %
	CPUPauseThreshold  float64 // pause publish fan-out above this CPU %
	MaxBroadcastRate   int     // publish fan-outs per second
	MemoryLimitBytes   int64   // reject new connections above this heap usage; 0 disables
	MaxGoroutines      int     // reject new connections above this goroutine count; 0 disables
}

// Guard enforces Limits against live resource samples.
type Guard struct {
	limits Limits
	log    zerolog.Logger

	broadcastLimiter *rate.Limiter

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64 (heap bytes)

	// conns is the live connection count, shared with the session manager
	// (incremented on accept, decremented on disconnect) and the /health
	// endpoint.
	conns int64
}

func NewGuard(limits Limits, log zerolog.Logger) *Guard {
	g := &Guard{
		limits:           limits,
		log:              log,
		broadcastLimiter: rate.NewLimiter(rate.Limit(limits.MaxBroadcastRate), limits.MaxBroadcastRate*2),
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))

	log.Info().
		Int("max_connections", limits.MaxConnections).
		Float64("cpu_reject_threshold", limits.CPURejectThreshold).
		Float64("cpu_pause_threshold", limits.CPUPauseThreshold).
		Int("max_broadcast_rate", limits.MaxBroadcastRate).
		Int64("memory_limit_bytes", limits.MemoryLimitBytes).
		Int("max_goroutines", limits.MaxGoroutines).
		Msg("resource guard initialized")
	return g
}

// Connections returns a pointer to the live connection count for sharing
// with the health endpoint.
func (g *Guard) Connections() *int64 { return &g.conns }

// ShouldAcceptConnection checks, in order: the hard connection ceiling,
// the CPU emergency brake, the memory emergency brake, and the goroutine
// ceiling. Returns false with a human-readable reason on rejection.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	currentConns := atomic.LoadInt64(&g.conns)
	currentCPU := g.currentCPU.Load().(float64)
	currentMemory := g.currentMemory.Load().(int64)
	currentGoros := runtime.NumGoroutine()

	if currentConns >= int64(g.limits.MaxConnections) {
		metrics.ConnectionsRejected.WithLabelValues("at_max_connections").Inc()
		g.log.Debug().
			Int64("current_conns", currentConns).
			Int("max_conns", g.limits.MaxConnections).
			Msg("connection rejected: at max connections")
		return false, fmt.Sprintf("at max connections (%d)", g.limits.MaxConnections)
	}

	if currentCPU > g.limits.CPURejectThreshold {
		metrics.ConnectionsRejected.WithLabelValues("cpu_overload").Inc()
		g.log.Debug().
			Float64("current_cpu", currentCPU).
			Float64("threshold", g.limits.CPURejectThreshold).
			Msg("connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, g.limits.CPURejectThreshold)
	}

	if g.limits.MemoryLimitBytes > 0 && currentMemory > g.limits.MemoryLimitBytes {
		metrics.ConnectionsRejected.WithLabelValues("memory_limit").Inc()
		g.log.Debug().
			Int64("current_memory_mb", currentMemory/(1024*1024)).
			Int64("limit_mb", g.limits.MemoryLimitBytes/(1024*1024)).
			Msg("connection rejected: memory limit exceeded")
		return false, "memory limit exceeded"
	}

	if g.limits.MaxGoroutines > 0 && currentGoros > g.limits.MaxGoroutines {
		metrics.ConnectionsRejected.WithLabelValues("goroutine_limit").Inc()
		g.log.Debug().
			Int("current_goroutines", currentGoros).
			Int("max_goroutines", g.limits.MaxGoroutines).
			Msg("connection rejected: goroutine limit exceeded")
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoros, g.limits.MaxGoroutines)
	}

	return true, "OK"
}

// ConnOpened records an accepted connection.
func (g *Guard) ConnOpened() {
	atomic.AddInt64(&g.conns, 1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
}

// ConnClosed records a disconnect.
func (g *Guard) ConnClosed() {
	atomic.AddInt64(&g.conns, -1)
	metrics.ConnectionsActive.Dec()
}

// AllowBroadcast rate-limits publish fan-out, and refuses outright while
// CPU is above the pause threshold.
func (g *Guard) AllowBroadcast() bool {
	if g.currentCPU.Load().(float64) > g.limits.CPUPauseThreshold {
		return false
	}
	return g.broadcastLimiter.Allow()
}

// StartMonitoring samples CPU and memory every interval until ctx is
// cancelled, refreshing the guard's admission state and the Prometheus
// gauges. onSample, if non-nil, receives each CPU reading (the /health
// endpoint's hook).
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration, onSample func(cpuPercent float64)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample(onSample)
			case <-ctx.Done():
				g.log.Info().Msg("resource guard monitoring stopped")
				return
			}
		}
	}()

	g.log.Info().Dur("interval", interval).Msg("resource guard monitoring started")
}

func (g *Guard) sample(onSample func(float64)) {
	// Non-blocking sample (interval 0 = since the previous call), so a
	// slow CPU probe never stalls the monitoring loop.
	percents, err := cpu.Percent(0, false)
	cpuPercent := 0.0
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to sample CPU usage")
	} else if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	g.currentCPU.Store(cpuPercent)
	metrics.CPUUsagePercent.Set(cpuPercent)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
	metrics.MemoryUsageBytes.Set(float64(mem.Alloc))
	metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	if onSample != nil {
		onSample(cpuPercent)
	}

	g.log.Debug().
		Float64("cpu_percent", cpuPercent).
		Uint64("memory_bytes", mem.Alloc).
		Int64("connections", atomic.LoadInt64(&g.conns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}
