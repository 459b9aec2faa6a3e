package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func jsonLogger(buf *bytes.Buffer, level slog.Level) *Logger {
	return NewWithHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level}))
}

func decodeLine(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("unmarshal: %v (raw: %s)", err, raw)
	}
	return entry
}

func TestModuleChildCarriesAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, slog.LevelDebug)

	l.Module("csm").Info("applied sync event", "ev_idx", 41)

	entry := decodeLine(t, buf.Bytes())
	if entry["module"] != "csm" {
		t.Fatalf("module = %v, want csm", entry["module"])
	}
	if entry["ev_idx"] != float64(41) {
		t.Fatalf("ev_idx = %v, want 41", entry["ev_idx"])
	}
}

func TestWithAccumulatesContext(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, slog.LevelDebug)

	l.Module("bridge").With("operator", 3).Warn("duty failed")

	entry := decodeLine(t, buf.Bytes())
	if entry["module"] != "bridge" || entry["operator"] != float64(3) {
		t.Fatalf("entry = %v", entry)
	}
	if entry["level"] != "WARN" {
		t.Fatalf("level = %v, want WARN", entry["level"])
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := jsonLogger(&buf, slog.LevelWarn)

	l.Debug("hidden")
	l.Info("also hidden")
	l.Error("visible")

	lines := strings.Count(buf.String(), "\n")
	if lines != 1 {
		t.Fatalf("lines = %d, want only the error line", lines)
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	before := Default()
	SetDefault(nil)
	if Default() != before {
		t.Fatal("SetDefault(nil) must keep the prior default")
	}
	fresh := New(slog.LevelInfo)
	SetDefault(fresh)
	if Default() != fresh {
		t.Fatal("SetDefault must install the new logger")
	}
	SetDefault(before)
}
