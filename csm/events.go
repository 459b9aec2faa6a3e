package csm

import "github.com/basinrollup/basin/primitives"

// SyncEventKind tags the sum type SyncEvent.
type SyncEventKind uint8

const (
	// EvL1Block: a new L1 block was observed at the tip.
	EvL1Block SyncEventKind = iota
	// EvL1Revert: L1 reorged down to (at most) this height.
	EvL1Revert
	// EvNewTipBlock: the fork-choice manager selected a new canonical L2 tip.
	EvNewTipBlock
	// EvL1DABatch: valid checkpoint payloads were found in an L1 block.
	EvL1DABatch
)

func (k SyncEventKind) String() string {
	switch k {
	case EvL1Block:
		return "L1Block"
	case EvL1Revert:
		return "L1Revert"
	case EvNewTipBlock:
		return "NewTipBlock"
	case EvL1DABatch:
		return "L1DABatch"
	default:
		return "Unknown"
	}
}

// CheckpointSummary is the slice of an on-chain checkpoint the CSM tracks:
// which epoch it commits and that epoch's terminal L2 block.
type CheckpointSummary struct {
	Epoch     uint64
	LastSlot  uint64
	LastBlkid primitives.L2BlockId
}

// EpochCommitment converts the summary into the commitment FinalizeEpoch
// actions carry.
func (s CheckpointSummary) EpochCommitment() primitives.EpochCommitment {
	return primitives.EpochCommitment{Epoch: s.Epoch, LastSlot: s.LastSlot, LastBlkid: s.LastBlkid}
}

// SyncEvent is one entry in the append-only, strictly-ordered log the CSM
// replays. Only the fields relevant to Kind are meaningful.
type SyncEvent struct {
	Kind SyncEventKind

	L1          primitives.L1BlockCommitment // EvL1Block, EvL1Revert, EvL1DABatch
	L2          primitives.L2BlockCommitment // EvNewTipBlock
	Checkpoints []CheckpointSummary          // EvL1DABatch
}

// SyncActionKind tags the sum type SyncAction.
type SyncActionKind uint8

const (
	// ActionFinalizeEpoch: mark an epoch (and its last L2 block) finalized.
	ActionFinalizeEpoch SyncActionKind = iota
	// ActionUpdateCheckpointInclusion: record that a checkpoint confirmed on L1.
	ActionUpdateCheckpointInclusion
	// ActionL2Genesis: lock in chain genesis against an L1 block.
	ActionL2Genesis
)

// SyncAction is a side effect ProcessEvent decided must happen as a result
// of a state transition: storage writes and engine calls the worker must
// carry out *after* committing the new ClientState, so listeners observing
// the state update see a consistent view.
type SyncAction struct {
	Kind SyncActionKind

	Epoch       primitives.EpochCommitment   // ActionFinalizeEpoch
	CkptEpoch   uint64                       // ActionUpdateCheckpointInclusion
	L1Reference primitives.L1BlockCommitment // ActionUpdateCheckpointInclusion
	L1Blkid     primitives.L1BlockId         // ActionL2Genesis
}

// ClientUpdateOutput is what ProcessEvent produces: the resulting state
// plus the actions the caller must carry out.
type ClientUpdateOutput struct {
	State   *ClientState
	Actions []SyncAction
}
