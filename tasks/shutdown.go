// Package tasks provides the node-wide shutdown signal and a supervised
// goroutine pool that turns subsystem panics into a clean process exit
// instead of a silent goroutine death.
package tasks

import (
	"context"
	"sync"
)

// ShutdownSignal is a broadcastable, idempotent "stop now" signal shared by
// every long-running subsystem (CSM worker, L1 follower, broadcaster loop,
// duty executors). It satisfies csm.ShutdownGuard via Guard().
type ShutdownSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewShutdownSignal creates an unsignaled ShutdownSignal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{ch: make(chan struct{})}
}

// Trigger closes the underlying channel, waking every waiter. Safe to call
// more than once or concurrently.
func (s *ShutdownSignal) Trigger() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel that is closed once Trigger has been called.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.ch
}

// Triggered reports whether Trigger has already been called.
func (s *ShutdownSignal) Triggered() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Context returns a context.Context derived from parent that is canceled
// when the shutdown signal fires.
func (s *ShutdownSignal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Guard adapts the signal to the narrow ShouldShutdown() bool interface
// expected by csm.Worker.AdvanceTo and similar polling loops.
func (s *ShutdownSignal) Guard() *Guard {
	return &Guard{sig: s}
}

// Guard is the concrete type satisfying csm.ShutdownGuard.
type Guard struct {
	sig *ShutdownSignal
}

// ShouldShutdown reports whether the owning signal has fired.
func (g *Guard) ShouldShutdown() bool {
	if g == nil || g.sig == nil {
		return false
	}
	return g.sig.Triggered()
}
