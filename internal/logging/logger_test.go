package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewJSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", "node", &buf)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"node"`) {
		t.Fatalf("expected component field in output, got %s", out)
	}
	if !strings.Contains(out, `"message":"hello"`) {
		t.Fatalf("expected message field in output, got %s", out)
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("not-a-level", "json", "node", &buf)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected default InfoLevel, got %v", logger.GetLevel())
	}
}

func TestNewRespectsDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", "node", &buf)
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected DebugLevel, got %v", logger.GetLevel())
	}
}
