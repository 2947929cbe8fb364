package resource

import (
	"testing"

	"github.com/rs/zerolog"
)

func testLimits() Limits {
	return Limits{
		MaxConnections:     2,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		MaxBroadcastRate:   1,
	}
}

func TestConnectionCeiling(t *testing.T) {
	g := NewGuard(testLimits(), zerolog.Nop())

	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("first connection should be accepted")
	}
	g.ConnOpened()
	g.ConnOpened()

	ok, reason := g.ShouldAcceptConnection()
	if ok {
		t.Fatal("expected rejection at the ceiling")
	}
	if reason == "" {
		t.Fatal("rejection must carry a reason")
	}

	g.ConnClosed()
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("expected acceptance after a slot freed")
	}
}

func TestCPURejectThreshold(t *testing.T) {
	g := NewGuard(testLimits(), zerolog.Nop())
	g.currentCPU.Store(90.0)
	if ok, _ := g.ShouldAcceptConnection(); ok {
		t.Fatal("expected rejection above the CPU threshold")
	}
	g.currentCPU.Store(10.0)
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("expected acceptance below the CPU threshold")
	}
}

func TestMemoryLimit(t *testing.T) {
	limits := testLimits()
	limits.MemoryLimitBytes = 1024
	g := NewGuard(limits, zerolog.Nop())

	g.currentMemory.Store(int64(2048))
	ok, reason := g.ShouldAcceptConnection()
	if ok {
		t.Fatal("expected rejection above the memory limit")
	}
	if reason != "memory limit exceeded" {
		t.Fatalf("reason = %q", reason)
	}

	g.currentMemory.Store(int64(512))
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("expected acceptance below the memory limit")
	}
}

func TestMemoryLimitDisabledByZero(t *testing.T) {
	g := NewGuard(testLimits(), zerolog.Nop())
	g.currentMemory.Store(int64(1 << 40))
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("a zero memory limit must disable the check")
	}
}

func TestGoroutineLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxGoroutines = 1
	g := NewGuard(limits, zerolog.Nop())

	// The test process always runs more than one goroutine.
	if ok, _ := g.ShouldAcceptConnection(); ok {
		t.Fatal("expected rejection above the goroutine ceiling")
	}

	limits.MaxGoroutines = 0
	g = NewGuard(limits, zerolog.Nop())
	if ok, _ := g.ShouldAcceptConnection(); !ok {
		t.Fatal("a zero goroutine ceiling must disable the check")
	}
}

func TestBroadcastRateLimit(t *testing.T) {
	g := NewGuard(testLimits(), zerolog.Nop())
	// rate 1/s, burst 2: two immediate broadcasts pass, the third is shed.
	if !g.AllowBroadcast() || !g.AllowBroadcast() {
		t.Fatal("burst capacity should allow two broadcasts")
	}
	if g.AllowBroadcast() {
		t.Fatal("expected the third immediate broadcast to be rate limited")
	}
}

func TestBroadcastPausedAboveCPUThreshold(t *testing.T) {
	g := NewGuard(testLimits(), zerolog.Nop())
	g.currentCPU.Store(95.0)
	if g.AllowBroadcast() {
		t.Fatal("expected broadcasts paused above the CPU pause threshold")
	}
}
