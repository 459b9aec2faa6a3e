package tasks

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/basinrollup/basin/log"
)

// PanicInfo carries a recovered panic out of a supervised task so the
// manager's owner can decide how to react (log and trigger shutdown, in
// the common case).
type PanicInfo struct {
	Task  string
	Value any
	Stack []byte
}

func (p PanicInfo) String() string {
	return fmt.Sprintf("task %q panicked: %v", p.Task, p.Value)
}

// Manager supervises a set of named long-running goroutines. Any panic
// raised inside a task is recovered, reported on Panics(), and triggers the
// shared ShutdownSignal so every other task unwinds cleanly rather than
// leaving the process in a half-alive state.
type Manager struct {
	log      *log.Logger
	shutdown *ShutdownSignal

	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	panics chan PanicInfo
}

// NewManager creates a task Manager bound to the given shutdown signal.
// panicBuffer sizes the Panics() channel; a reasonable default is the
// number of tasks the caller intends to spawn.
func NewManager(logger *log.Logger, shutdown *ShutdownSignal, panicBuffer int) *Manager {
	if panicBuffer <= 0 {
		panicBuffer = 8
	}
	return &Manager{
		log:      logger,
		shutdown: shutdown,
		panics:   make(chan PanicInfo, panicBuffer),
	}
}

// Panics returns the channel panics are reported on. The node's top-level
// run loop should select on this alongside the shutdown signal.
func (m *Manager) Panics() <-chan PanicInfo {
	return m.panics
}

// Spawn runs fn in a new goroutine under supervision. fn should itself
// select on shutdown.Done() and return promptly once it fires.
func (m *Manager) Spawn(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				info := PanicInfo{Task: name, Value: r, Stack: debug.Stack()}
				m.log.Error("task panicked", "task", name, "panic", r)
				m.shutdown.Trigger()
				select {
				case m.panics <- info:
				default:
				}
			}
		}()
		fn()
	}()
}

// SpawnErr runs fn in a new goroutine; a non-nil return value is recorded
// and also triggers shutdown, mirroring a fatal subsystem error" class).
func (m *Manager) SpawnErr(name string, fn func() error) {
	m.Spawn(name, func() {
		if err := fn(); err != nil {
			m.mu.Lock()
			m.errs = append(m.errs, fmt.Errorf("%s: %w", name, err))
			m.mu.Unlock()
			m.log.Error("task exited with error", "task", name, "err", err)
			m.shutdown.Trigger()
		}
	})
}

// Wait blocks until every spawned task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Errors returns the errors recorded by SpawnErr tasks, in the order they
// completed.
func (m *Manager) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.errs))
	copy(out, m.errs)
	return out
}
