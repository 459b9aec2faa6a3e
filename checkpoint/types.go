// Package checkpoint implements the epoch checkpoint lifecycle
// (Pending -> Confirmed(L1Ref) -> Finalized(L1Ref), spec.md §4.8): the
// on-chain commitment format a sequencer posts to L1, the two-stage
// verification a follower runs against it (credential signature, then
// Groth16 proof), and the store that backs csm.CheckpointUpdater.
package checkpoint

import (
	"github.com/basinrollup/basin/primitives"
)

// BatchInfo identifies the L1 and L2 block ranges one checkpoint commits to.
type BatchInfo struct {
	Epoch   uint64
	L1Start primitives.L1BlockCommitment
	L1End   primitives.L1BlockCommitment
	L2Start primitives.L2BlockCommitment
	L2End   primitives.L2BlockCommitment
}

// BatchTransition is the state-transition claim the proof attests to: the
// chainstate hash before and after applying every block in BatchInfo's L2
// range, chained to the previous checkpoint so epochs can't be reordered or
// skipped.
type BatchTransition struct {
	Epoch          uint64
	PreStateHash   primitives.Buf32
	PostStateHash  primitives.Buf32
	PrevCheckpoint primitives.Buf32
}

// Checkpoint is the full commitment a sequencer posts to L1 in an
// OpCheckpoint protocol operation. Proof is empty until the prover
// catches up; params.ProofPublishMode governs whether that's acceptable.
type Checkpoint struct {
	Info       BatchInfo
	Transition BatchTransition
	Proof      []byte
}

// SignedCheckpoint is what chainstate.ProtocolOperation.CheckpointBytes
// borsh-decodes to: the checkpoint plus the sequencer credential's
// signature over it.
type SignedCheckpoint struct {
	Checkpoint Checkpoint
	Sig        primitives.Buf64
}

// Status is a checkpoint's position in its L1 confirmation lifecycle.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFinalized
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "Confirmed"
	case StatusFinalized:
		return "Finalized"
	default:
		return "Pending"
	}
}

// Entry is one epoch's checkpoint lifecycle record.
type Entry struct {
	Epoch      uint64
	Checkpoint Checkpoint
	Status     Status
	L1Ref      primitives.L1BlockCommitment
}
