package audit

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestDisabledSinkIsNil(t *testing.T) {
	s, err := NewSink(nil, "cluster-audit", "node-4000", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if s != nil {
		t.Fatal("expected nil sink when no brokers are configured")
	}

	// Nil sink is a valid no-op receiver.
	s.Record("command_applied", "SET", "doc.txt", "")
	s.Close()
}
