package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHealthEndpoint(t *testing.T) {
	conns := int64(3)
	s := NewServer(":0", "master", &conns, zerolog.Nop())
	s.SetCPUPercent(12.5)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.Status != "healthy" || h.Role != "master" {
		t.Fatalf("health = %+v", h)
	}
	if h.Connections != 3 {
		t.Fatalf("connections = %d, want 3", h.Connections)
	}
	if h.CPUPercent != 12.5 {
		t.Fatalf("cpu = %f, want 12.5", h.CPUPercent)
	}
}
