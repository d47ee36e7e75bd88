package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	jsoniter "github.com/json-iterator/go"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	line := strings.TrimSpace(buf.String())
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q: %v", line, err)
	}
	return entry
}

func TestNew_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Output: &buf}).
		WithComponent("Pipeline").
		WithFamily(addrkey.V6).
		WithIP("2001:db8::1")

	log.Info().Int("rows", 3).Msg("batch committed")

	entry := decodeLine(t, &buf)
	for key, want := range map[string]any{
		"component": "Pipeline",
		"family":    "v6",
		"ip":        "2001:db8::1",
		"message":   "batch committed",
		"level":     "info",
	} {
		if entry[key] != want {
			t.Errorf("expected %s=%v, got %v", key, want, entry[key])
		}
	}
	if entry["rows"] != float64(3) {
		t.Errorf("expected rows=3, got %v", entry["rows"])
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level  string
		logged bool
	}{
		{"debug", true},
		{"info", false},
		{"", false},
		{"bogus", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			New(Config{Level: tt.level, Output: &buf}).Debug().Msg("detail")
			if got := buf.Len() > 0; got != tt.logged {
				t.Errorf("level %q: expected logged=%v, got %v", tt.level, tt.logged, got)
			}
		})
	}
}

func TestNop(t *testing.T) {
	// must not panic
	Nop().WithComponent("x").Error().Msg("discarded")
}
