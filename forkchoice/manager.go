// Package forkchoice selects and maintains the canonical L2 tip over the
// unfinalized block forest. It sits between the CSM worker and the
// execution engine: produced (or synced) blocks are attached here, the
// manager picks the best tip and hands the caller the reorg path to walk,
// and epoch-finalization actions from the CSM re-root the forest and
// propagate to the engine.
package forkchoice

import (
	"errors"
	"sync"

	"github.com/basinrollup/basin/chaintracker"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/primitives"
)

var flog = log.Default().Module("forkchoice")

// ErrUnknownParent is returned when a block's parent isn't in the forest
// and isn't the finalized root; the caller should fetch the parent first.
var ErrUnknownParent = errors.New("forkchoice: parent not in unfinalized forest")

// DefaultReorgLimit bounds how deep a reorg path the manager will compute
// before giving up. Anything deeper than this crosses the finalized tip
// anyway.
const DefaultReorgLimit = 256

// Engine is the slice of the execution-layer client the manager drives:
// pinning the finalized block.
type Engine interface {
	UpdateFinalizedBlock(blkid primitives.L2BlockId) error
}

// Manager is the fork-choice worker's state: the arena-backed forest of
// unfinalized blocks plus the currently selected canonical tip.
//
// It implements csm.EngineFinalizer, so the CSM worker's FinalizeEpoch
// action lands here: the forest is pruned to the newly finalized chain
// before the engine is told about it.
type Manager struct {
	mu sync.Mutex

	tracker    *chaintracker.Tracker
	tip        primitives.L2BlockCommitment
	engine     Engine
	reorgLimit int
}

// NewManager creates a Manager rooted at the given finalized block, which
// is also the initial canonical tip.
func NewManager(finalized primitives.L2BlockCommitment, engine Engine) *Manager {
	hv := chaintracker.HeaderView{Slot: finalized.Slot}
	return &Manager{
		tracker:    chaintracker.New(finalized, hv),
		tip:        finalized,
		engine:     engine,
		reorgLimit: DefaultReorgLimit,
	}
}

// Tip returns the currently selected canonical tip.
func (m *Manager) Tip() primitives.L2BlockCommitment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip
}

// Contains reports whether blkid is in the unfinalized forest (including
// the finalized root).
func (m *Manager) Contains(blkid primitives.L2BlockId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Contains(blkid)
}

// AttachBlock adds a block to the forest and re-runs tip selection. When
// the new block displaces the current tip the returned Reorg is the path
// to walk (Down from the old tip to the pivot, Up to the new one) and the
// manager's tip is already updated; a nil Reorg means the canonical tip
// didn't change. Re-attaching a block already in the forest is a no-op.
//
// Tip selection: highest slot wins; ties keep the incumbent. With a
// single sequencer identity per epoch this is equivalent to following the
// chain with the most accumulated L1 PoW behind its checkpoints, since
// competing same-weight forks can only come from the sequencer
// double-signing a slot, which fork choice deliberately refuses to switch
// onto.
func (m *Manager) AttachBlock(blkid primitives.L2BlockId, hv chaintracker.HeaderView) (*chaintracker.Reorg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.tracker.AttachBlock(blkid, hv)
	switch {
	case errors.Is(err, chaintracker.ErrAlreadyExists):
		return nil, nil
	case errors.Is(err, chaintracker.ErrUnknownParent):
		return nil, ErrUnknownParent
	case err != nil:
		return nil, err
	}

	if hv.Slot <= m.tip.Slot {
		flog.Debug("attached non-canonical block", "blkid", blkid, "slot", hv.Slot, "tip_slot", m.tip.Slot)
		return nil, nil
	}

	reorg, ok := m.tracker.ComputeReorg(m.tip.Blkid, blkid, m.reorgLimit)
	if !ok {
		// No path within the limit; keep the incumbent tip rather than
		// jump onto a fork we can't connect to it.
		flog.Warn("no reorg path to candidate tip", "blkid", blkid, "slot", hv.Slot)
		return nil, nil
	}

	old := m.tip
	m.tip = primitives.L2BlockCommitment{Slot: hv.Slot, Blkid: blkid}
	if len(reorg.Down) > 0 {
		flog.Info("canonical tip reorged", "old", old.Blkid, "new", blkid, "depth", len(reorg.Down))
	} else {
		flog.Debug("canonical tip extended", "slot", hv.Slot, "blkid", blkid)
	}
	return reorg, nil
}

// UpdateFinalizedBlock implements csm.EngineFinalizer: prunes the forest
// to the chain through blkid and forwards the finalization to the engine.
//
// A finalized block the forest has never seen (a node restarted above its
// in-memory history, or finalization racing ahead of block sync) skips
// the prune but still pins the engine, so the external view is always
// correct even when the local forest is cold.
func (m *Manager) UpdateFinalizedBlock(blkid primitives.L2BlockId) error {
	m.mu.Lock()
	if m.tracker.Contains(blkid) {
		if err := m.tracker.UpdateFinalizedTip(blkid); err != nil {
			m.mu.Unlock()
			return err
		}
	} else {
		flog.Warn("finalized block not in forest, skipping prune", "blkid", blkid)
	}
	m.mu.Unlock()

	return m.engine.UpdateFinalizedBlock(blkid)
}

// FinalizedTip returns the block the forest is currently rooted at.
func (m *Manager) FinalizedTip() primitives.L2BlockId {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.FinalizedTip()
}
