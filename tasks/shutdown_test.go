package tasks

import (
	"context"
	"testing"
	"time"
)

func TestShutdownSignalTrigger(t *testing.T) {
	s := NewShutdownSignal()
	if s.Triggered() {
		t.Fatal("should not be triggered initially")
	}
	s.Trigger()
	if !s.Triggered() {
		t.Fatal("should be triggered after Trigger")
	}
	// Idempotent.
	s.Trigger()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() channel should be closed")
	}
}

func TestShutdownSignalGuard(t *testing.T) {
	s := NewShutdownSignal()
	g := s.Guard()
	if g.ShouldShutdown() {
		t.Fatal("guard should report false before trigger")
	}
	s.Trigger()
	if !g.ShouldShutdown() {
		t.Fatal("guard should report true after trigger")
	}
}

func TestShutdownSignalContext(t *testing.T) {
	s := NewShutdownSignal()
	ctx, cancel := s.Context(context.Background())
	defer cancel()

	s.Trigger()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be canceled once the signal fires")
	}
}
