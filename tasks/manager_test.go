package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/basinrollup/basin/log"
)

func testLogger() *log.Logger {
	return log.New(-4) // slog.LevelDebug-ish; level value unused by tests
}

func TestManagerSpawnCompletes(t *testing.T) {
	shutdown := NewShutdownSignal()
	m := NewManager(log.Default(), shutdown, 4)

	done := make(chan struct{})
	m.Spawn("worker", func() { close(done) })
	m.Wait()

	select {
	case <-done:
	default:
		t.Fatal("task should have run")
	}
}

func TestManagerRecoversPanicAndTriggersShutdown(t *testing.T) {
	shutdown := NewShutdownSignal()
	m := NewManager(log.Default(), shutdown, 4)

	m.Spawn("flaky", func() { panic("boom") })
	m.Wait()

	if !shutdown.Triggered() {
		t.Fatal("a panicking task must trigger shutdown")
	}

	select {
	case info := <-m.Panics():
		if info.Task != "flaky" {
			t.Fatalf("task = %q, want flaky", info.Task)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a PanicInfo on the Panics() channel")
	}
}

func TestManagerSpawnErrRecordsAndTriggersShutdown(t *testing.T) {
	shutdown := NewShutdownSignal()
	m := NewManager(log.Default(), shutdown, 4)

	m.SpawnErr("failing", func() error { return errors.New("fatal condition") })
	m.Wait()

	if !shutdown.Triggered() {
		t.Fatal("a failing task must trigger shutdown")
	}
	if len(m.Errors()) != 1 {
		t.Fatalf("errors = %d, want 1", len(m.Errors()))
	}
}
