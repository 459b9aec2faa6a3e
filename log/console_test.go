package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleLineShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsole(&buf, slog.LevelDebug)

	l.Module("btcio").Info("published tx", "txid", "aabb")

	line := buf.String()
	if !strings.Contains(line, "INFO") {
		t.Fatalf("line %q missing level", line)
	}
	if !strings.Contains(line, "[btcio]") {
		t.Fatalf("line %q missing module prefix", line)
	}
	if !strings.Contains(line, "published tx txid=aabb") {
		t.Fatalf("line %q missing message and attrs", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("console lines must be newline terminated")
	}
}

func TestConsoleNestedModules(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsole(&buf, slog.LevelDebug)

	l.Module("bridge").Module("musig").Debug("nonce round complete")

	if !strings.Contains(buf.String(), "[bridge.musig]") {
		t.Fatalf("line %q should carry the dotted module path", buf.String())
	}
}

func TestConsoleQuotesSpacedValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsole(&buf, slog.LevelDebug)

	l.Warn("duty failed", "reason", "missing or invalid input")

	if !strings.Contains(buf.String(), `reason="missing or invalid input"`) {
		t.Fatalf("line %q should quote spaced values", buf.String())
	}
}

func TestConsoleLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsole(&buf, slog.LevelInfo)

	l.Debug("suppressed")
	l.Info("kept")

	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Fatalf("lines = %d, want 1", got)
	}
}

func TestConsoleWithAttrsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsole(&buf, slog.LevelDebug)

	l.Module("sequencer").With("slot", 7).With("epoch", 2).Info("produced block")

	line := buf.String()
	if !strings.Contains(line, "slot=7") || !strings.Contains(line, "epoch=2") {
		t.Fatalf("line %q must carry both accumulated attrs", line)
	}
}
