package csm

import (
	"fmt"
	"time"

	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/metrics"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

var wlog = log.Default().Module("csm")

// ExecConfig tunes the worker's retry behavior when a sync event fails to
// apply (typically because a dependency like an L2 block hasn't landed in
// storage yet).
type ExecConfig struct {
	RetryBaseDur      time.Duration
	RetryCountMax     int
	RetryBackoffMult  int // fixed-point, scaled by 1000 (1120 == 1.12x)
}

// DefaultExecConfig mirrors the original's tuning: a base delay of one
// second backed off by 1.12x per retry, 20 tries max, landing the last
// retry delay around 7.7 seconds.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		RetryBaseDur:     time.Second,
		RetryCountMax:    20,
		RetryBackoffMult: 1120,
	}
}

// computeRetryBackoff scales a wait duration by RetryBackoffMult/1000.
func (c ExecConfig) computeRetryBackoff(cur time.Duration) time.Duration {
	return cur * time.Duration(c.RetryBackoffMult) / 1000
}

// SyncEventSource is the storage surface the worker reads the event log
// from.
type SyncEventSource interface {
	GetSyncEvent(idx uint64) (*SyncEvent, bool, error)
}

// ClientStateStore is the storage surface holding the replayed state
// history, keyed by the event index that produced each entry.
type ClientStateStore interface {
	GetMostRecentState() (uint64, *ClientState, error)
	PutUpdate(idx uint64, out *ClientUpdateOutput) error
}

// CheckpointUpdater is the narrow surface the worker uses to apply
// checkpoint-lifecycle side effects from SyncActions, decoupling csm from
// the concrete checkpoint package.
type CheckpointUpdater interface {
	MarkConfirmed(epoch uint64, l1ref primitives.L1BlockCommitment) error
	MarkFinalized(epoch uint64) error
}

// EngineFinalizer is the narrow engine surface the worker needs: telling
// the execution layer which block is now finalized.
type EngineFinalizer interface {
	UpdateFinalizedBlock(blkid primitives.L2BlockId) error
}

// GenesisLocker performs the one-time genesis chainstate/block write when
// ActionL2Genesis fires.
type GenesisLocker interface {
	LockGenesis(l1Blkid primitives.L1BlockId) error
}

// ShutdownGuard is satisfied by tasks.Guard; declared locally so
// csm doesn't need to import package tasks just for this one method.
type ShutdownGuard interface {
	ShouldShutdown() bool
}

// UpdateNotifier is told about every committed ClientUpdateOutput, for
// broadcasting to RPC subscribers and the fork-choice manager.
type UpdateNotifier interface {
	NotifyUpdate(evIdx uint64, state *ClientState)
}

// Worker drives the CSM: pulls sync events in strict order, applies them
// with retry-with-backoff, persists the result, and runs the resulting
// SyncActions.
type Worker struct {
	params *params.RollupParams

	events SyncEventSource
	states ClientStateStore
	ckpts  CheckpointUpdater
	engine EngineFinalizer
	genesis GenesisLocker
	notify UpdateNotifier

	config ExecConfig

	curIdx   uint64
	curState *ClientState
}

// NewWorker reconstructs worker state from the most recently persisted
// ClientState.
func NewWorker(p *params.RollupParams, events SyncEventSource, states ClientStateStore, ckpts CheckpointUpdater, engine EngineFinalizer, genesis GenesisLocker, notify UpdateNotifier) (*Worker, error) {
	idx, state, err := states.GetMostRecentState()
	if err != nil {
		return nil, err
	}
	return &Worker{
		params:   p,
		events:   events,
		states:   states,
		ckpts:    ckpts,
		engine:   engine,
		genesis:  genesis,
		notify:   notify,
		config:   DefaultExecConfig(),
		curIdx:   idx,
		curState: state,
	}, nil
}

// AdvanceTo applies every sync event from the worker's current index up to
// and including targetIdx, in strict order, retrying each one with
// exponential backoff until it succeeds or the retry budget is exhausted.
func (w *Worker) AdvanceTo(targetIdx uint64, shutdown ShutdownGuard) error {
	nextExpected := w.curIdx + 1
	for evIdx := nextExpected; evIdx <= targetIdx; evIdx++ {
		if evIdx < targetIdx {
			wlog.Warn("applying missed sync event", "ev_idx", evIdx)
		}
		if err := w.handleWithRetry(evIdx, shutdown); err != nil {
			return err
		}
		if shutdown != nil && shutdown.ShouldShutdown() {
			wlog.Warn("received shutdown signal")
			return nil
		}
	}
	return nil
}

func (w *Worker) handleWithRetry(evIdx uint64, shutdown ShutdownGuard) error {
	ev, ok, err := w.events.GetSyncEvent(evIdx)
	if err != nil {
		return err
	}
	if !ok {
		wlog.Error("tried to process missing sync event, aborting", "ev_idx", evIdx)
		return nil
	}

	tries := 0
	waitDur := w.config.RetryBaseDur
	for {
		tries++
		wlog.Debug("trying sync event", "ev_idx", evIdx, "try", tries)

		err := w.handle(evIdx, ev)
		if err == nil {
			return nil
		}
		metrics.SyncEventRetries.Inc()

		if tries >= w.config.RetryCountMax {
			wlog.Error("failed to exec sync event, hit tries limit, aborting", "err", err, "tries", tries)
			return err
		}

		wlog.Error("failed to exec sync event, retrying", "err", err, "tries", tries)
		time.Sleep(waitDur)
		waitDur = w.config.computeRetryBackoff(waitDur)

		if shutdown != nil && shutdown.ShouldShutdown() {
			wlog.Warn("received shutdown signal mid-retry")
			return fmt.Errorf("csm: shutdown requested while retrying event %d", evIdx)
		}
	}
}

func (w *Worker) handle(evIdx uint64, ev *SyncEvent) error {
	expected := w.curIdx + 1
	if evIdx != expected {
		return &SkippedEventIdx{Want: expected, Got: evIdx}
	}

	out, err := ProcessEvent(w.curState, ev, w.params)
	if err != nil {
		return err
	}

	if err := w.states.PutUpdate(evIdx, out); err != nil {
		return err
	}

	for _, action := range out.Actions {
		if err := w.applyAction(action); err != nil {
			return err
		}
	}

	w.curIdx = evIdx
	w.curState = out.State
	metrics.SyncEventsProcessed.Inc()

	if w.notify != nil {
		w.notify.NotifyUpdate(evIdx, out.State)
	}
	return nil
}

func (w *Worker) applyAction(action SyncAction) error {
	switch action.Kind {
	case ActionFinalizeEpoch:
		wlog.Info("finalizing epoch", "epoch", action.Epoch.Epoch)
		if err := w.engine.UpdateFinalizedBlock(action.Epoch.LastBlkid); err != nil {
			return err
		}
		return w.ckpts.MarkFinalized(action.Epoch.Epoch)

	case ActionUpdateCheckpointInclusion:
		return w.ckpts.MarkConfirmed(action.CkptEpoch, action.L1Reference)

	case ActionL2Genesis:
		wlog.Info("locking in genesis", "l1_blkid", action.L1Blkid)
		return w.genesis.LockGenesis(action.L1Blkid)
	}
	return nil
}

// CurState returns the worker's current index and state, for status
// reporting (RPC, health checks).
func (w *Worker) CurState() (uint64, *ClientState) {
	return w.curIdx, w.curState
}
