package chaintsn

import (
	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/primitives"
)

// BlockHeaderContext is the minimal view of a candidate block's header the
// STF needs: its own slot, its parent's id, and its parent's epoch. Block
// assembly (package sequencer) and block verification both go through this
// so ProcessBlock never needs the full signed-header type.
type BlockHeaderContext struct {
	Slot        uint64
	ParentBlkid primitives.L2BlockId
	ParentEpoch uint64
}

// L2BlockBody is the payload half of a block: the L1 segment (new L1
// blocks this block checks in with) and the exec segment (the EL payload
// update this block carries).
type L2BlockBody struct {
	L1Segment   L1Segment
	ExecSegment ExecSegment
}

// L1Segment is the list of new, contiguous L1BlockManifests the block
// attests to, starting right after the chain-state's current safe height.
type L1Segment struct {
	NewManifests []chainstate.L1BlockManifest
}

// ExecSegment carries the single ExecUpdate the EL produced for this slot.
type ExecSegment struct {
	Update ExecUpdate
}

// OpKind tags the sum type Op (an entry in an ExecUpdate's applied-ops list).
type OpKind uint8

const (
	OpKindDeposit OpKind = iota
	OpKindOther
)

// Op is one EL-side operation applied by an ExecUpdate. Only OpKindDeposit
// carries a payload the STF inspects; other kinds are opaque to chaintsn.
type Op struct {
	Kind        OpKind
	DepositIntentIdx uint32 // meaningful iff Kind == OpKindDeposit
}

// ExecUpdateInput is the EL update's view of what it consumed.
type ExecUpdateInput struct {
	AppliedOps []Op
}

// ExecUpdateOutput is the EL update's view of what it produced.
type ExecUpdateOutput struct {
	Withdrawals []chainstate.WithdrawalIntent
	NewELBlock  primitives.Buf32
}

// ExecUpdate is the full execution-layer state transition for one slot.
type ExecUpdate struct {
	Input  ExecUpdateInput
	Output ExecUpdateOutput
}
