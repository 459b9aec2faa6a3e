// Package csm implements the Client State Machine: the top-level
// fork-choice and sync-status tracker driven by a strictly-ordered stream
// of SyncEvents (new L1 blocks, L1 reorgs, new canonical L2 tips). Unlike
// chainstate (the per-L2-block rollup state) and chaintracker (the raw
// unfinalized-block forest), ClientState only tracks *which* block is
// considered tip/finalized and whether genesis has locked in — it never
// touches deposit tables or L1 views.
package csm

import "github.com/basinrollup/basin/primitives"

// SyncStatus is the coarse phase of the client state machine.
type SyncStatus uint8

const (
	// StatusPreGenesis: watching L1 for the horizon height, no L2 chain yet.
	StatusPreGenesis SyncStatus = iota
	// StatusSyncing: genesis locked in, tip/finalized tracking active.
	StatusSyncing
)

func (s SyncStatus) String() string {
	if s == StatusPreGenesis {
		return "PreGenesis"
	}
	return "Syncing"
}

// ClientState is the full state the CSM tracks, replayed event-by-event
// from genesis. It's small and cheap to clone; every ProcessEvent call
// works on a fresh Clone and leaves its input untouched.
type ClientState struct {
	Status SyncStatus

	// TipL2 is the current canonical L2 tip as far as the CSM believes,
	// which may lag the fork-choice manager's own view.
	TipL2 primitives.L2BlockCommitment

	// FinalizedEpoch is the most recently finalized epoch.
	FinalizedEpoch primitives.EpochCommitment

	// LastL1 is the highest L1 block the CSM has observed.
	LastL1 primitives.L1BlockCommitment

	// GenesisL1 is the L1 block genesis locked in against, set once.
	GenesisL1 primitives.L1BlockCommitment

	// LastCheckpoint is the most recently observed checkpoint still
	// waiting for its containing L1 block to reach the reorg-safe depth,
	// at which point its epoch finalizes and this clears.
	LastCheckpoint *ObservedCheckpoint
}

// ObservedCheckpoint pins a checkpoint summary to the L1 block it was
// found in.
type ObservedCheckpoint struct {
	Summary CheckpointSummary
	L1Ref   primitives.L1BlockCommitment
}

// NewPreGenesisState constructs the starting ClientState before genesis
// has locked in.
func NewPreGenesisState() *ClientState {
	return &ClientState{Status: StatusPreGenesis}
}

// Clone returns an independent copy.
func (c *ClientState) Clone() *ClientState {
	out := *c
	if c.LastCheckpoint != nil {
		cp := *c.LastCheckpoint
		out.LastCheckpoint = &cp
	}
	return &out
}
