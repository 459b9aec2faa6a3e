package sequencer

import (
	"time"

	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/primitives"
)

// EpochBounds is the L1/L2 block range a just-closed epoch spans, needed
// to build that epoch's BatchInfo. Extraction has no chainstate history of
// its own to scan for this, so the caller (whoever drives duty extraction
// off the committed chainstate/CSM state) supplies it.
type EpochBounds struct {
	L1Start primitives.L1BlockCommitment
	L1End   primitives.L1BlockCommitment
	L2Start primitives.L2BlockCommitment
}

// ClosedEpoch describes a just-finished epoch the tracker may need to
// build a CommitBatch duty for: its bounds plus the pre/post chainstate
// hashes the checkpoint's proof attests to.
type ClosedEpoch struct {
	Epoch         uint64
	LastSlot      uint64
	LastBlkid     primitives.L2BlockId
	Bounds        EpochBounds
	PreStateHash  primitives.Buf32
	PostStateHash primitives.Buf32
	// PrevCheckpoint is the hash of the checkpoint committing the epoch
	// before this one (primitives.Buf32{} for epoch 0, which has none).
	PrevCheckpoint primitives.Buf32
}

// ExtractionInput bundles everything ExtractDuties needs to derive the
// current duty set from a fresh client-state/chainstate view.
type ExtractionInput struct {
	// TipSlot/TipBlkid anchor the next SignBlock duty.
	TipSlot   uint64
	TipBlkid  primitives.L2BlockId
	BlockTimeMs uint64
	Now       time.Time

	// Closed, if non-nil, is the most recently closed epoch, a candidate
	// for a CommitBatch duty.
	Closed *ClosedEpoch

	// HaveCheckpoint reports whether a checkpoint entry already exists
	// locally for the given epoch (in any status) — if so, the epoch
	// isn't eligible for a fresh CommitBatch duty.
	HaveCheckpoint func(epoch uint64) (bool, error)
}

// ExtractDuties derives the duty set implied by a fresh state view: a
// SignBlock duty for the next slot the sequencer identity owns, and (when
// eligible) a CommitBatch duty for the most recently closed epoch.
func ExtractDuties(in ExtractionInput) ([]Duty, error) {
	duties := []Duty{
		{
			Kind: DutySignBlock,
			SignBlock: BlockSigningDuty{
				Slot:     in.TipSlot + 1,
				Parent:   in.TipBlkid,
				TargetTs: uint64(in.Now.UnixMilli()) + in.BlockTimeMs,
			},
		},
	}

	if in.Closed == nil {
		return duties, nil
	}

	have, err := in.HaveCheckpoint(in.Closed.Epoch)
	if err != nil {
		return nil, err
	}
	if have {
		return duties, nil
	}

	ce := in.Closed
	duties = append(duties, Duty{
		Kind: DutyCommitBatch,
		CommitBatch: BatchCheckpointDuty{
			BatchInfo: checkpoint.BatchInfo{
				Epoch:   ce.Epoch,
				L1Start: ce.Bounds.L1Start,
				L1End:   ce.Bounds.L1End,
				L2Start: ce.Bounds.L2Start,
				L2End:   primitives.L2BlockCommitment{Slot: ce.LastSlot, Blkid: ce.LastBlkid},
			},
			BatchTransition: checkpoint.BatchTransition{
				Epoch:          ce.Epoch,
				PreStateHash:   ce.PreStateHash,
				PostStateHash:  ce.PostStateHash,
				PrevCheckpoint: ce.PrevCheckpoint,
			},
		},
	})
	return duties, nil
}
