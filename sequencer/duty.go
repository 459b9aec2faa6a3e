// Package sequencer implements the sequencer-side duty tracker and block
// assembly: extracting SignBlock/CommitBatch duties from
// client-state updates, keeping a dedup'd tracker of what's outstanding,
// and assembling new L2 blocks against an epoch gas budget. Grounded in
// original_source's crates/sequencer/src/duty/types.rs and
// block_template/block_assembly.rs.
package sequencer

import (
	"crypto/sha256"
	"sort"
	"time"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/primitives"
)

// Expiry describes the condition under which a tracked duty is dropped
// without having necessarily been executed.
type Expiry uint8

const (
	// ExpiryNextBlock: dropped as soon as a newer block is seen than the
	// one the duty was created for.
	ExpiryNextBlock Expiry = iota
	// ExpiryBlockFinalized: dropped once the block it was created for
	// finalizes.
	ExpiryBlockFinalized
	// ExpiryTimestamp: dropped once the current time passes a deadline.
	ExpiryTimestamp
	// ExpiryBlockIdFinalized: dropped once a specific L2 block finalizes.
	ExpiryBlockIdFinalized
	// ExpiryCheckpointIdxFinalized: dropped once a specific checkpoint
	// epoch finalizes.
	ExpiryCheckpointIdxFinalized
)

// DutyKind tags the sum type Duty.
type DutyKind uint8

const (
	DutySignBlock DutyKind = iota
	DutyCommitBatch
)

// BlockSigningDuty asks the sequencer identity to produce and sign one L2
// block.
type BlockSigningDuty struct {
	Slot     uint64
	Parent   primitives.L2BlockId
	TargetTs uint64
}

// BatchCheckpointDuty asks the sequencer identity to prove and commit one
// epoch's checkpoint to L1.
type BatchCheckpointDuty struct {
	BatchInfo       checkpoint.BatchInfo
	BatchTransition checkpoint.BatchTransition
}

// Idx returns the epoch this checkpoint duty commits, which is also its
// dedup key.
func (d BatchCheckpointDuty) Idx() uint64 { return d.BatchInfo.Epoch }

// Duty is one of the things the sequencer identity might do.
type Duty struct {
	Kind        DutyKind
	SignBlock   BlockSigningDuty   // meaningful iff Kind == DutySignBlock
	CommitBatch BatchCheckpointDuty // meaningful iff Kind == DutyCommitBatch
}

type dutyIDWire struct {
	Kind        uint8
	Slot        uint64
	Parent      [32]byte
	TargetTs    uint64
	CommitEpoch uint64
}

// ID returns a unique identifier for the duty: for CommitBatch duties it's
// derived solely from the epoch index (so re-deriving the identical duty
// from a later state update never produces a second, redundant entry);
// for everything else it's a hash of the full duty content.
func (d Duty) ID() (primitives.Buf32, error) {
	w := dutyIDWire{Kind: uint8(d.Kind)}
	switch d.Kind {
	case DutySignBlock:
		w.Slot = d.SignBlock.Slot
		w.Parent = [32]byte(d.SignBlock.Parent)
		w.TargetTs = d.SignBlock.TargetTs
	case DutyCommitBatch:
		w.CommitEpoch = d.CommitBatch.Idx()
	}

	raw, err := borsh.Serialize(w)
	if err != nil {
		return primitives.Buf32{}, err
	}
	return sha256.Sum256(raw), nil
}

// Expiry returns when a duty stops being worth pursuing.
func (d Duty) Expiry() Expiry {
	if d.Kind == DutyCommitBatch {
		return ExpiryCheckpointIdxFinalized
	}
	return ExpiryNextBlock
}

// DutyEntry is one duty tracked with the metadata needed to decide when it
// expires.
type DutyEntry struct {
	Duty          Duty
	ID            primitives.Buf32
	CreatedBlkid  primitives.L2BlockId
	CreatedSlot   uint64
}

// StateUpdate describes a new world-state snapshot the tracker uses to
// purge expired duties.
type StateUpdate struct {
	LastBlockSlot         uint64
	CurTimestamp          time.Time
	NewlyFinalizedBlocks  []primitives.L2BlockId // must be sorted ascending by bytes
	LatestFinalizedBlock  *primitives.L2BlockId
	LatestFinalizedBatch  *uint64
}

// NewStateUpdate builds a StateUpdate, sorting newlyFinalizedBlocks and
// deriving LatestFinalizedBlock as its first element the way
// original_source's StateUpdate::new does.
func NewStateUpdate(lastBlockSlot uint64, curTs time.Time, newlyFinalizedBlocks []primitives.L2BlockId, latestFinalizedBatch *uint64) StateUpdate {
	blocks := append([]primitives.L2BlockId(nil), newlyFinalizedBlocks...)
	sort.Slice(blocks, func(i, j int) bool {
		return blockIDLess(blocks[i], blocks[j])
	})

	var latest *primitives.L2BlockId
	if len(newlyFinalizedBlocks) > 0 {
		first := newlyFinalizedBlocks[0]
		latest = &first
	}

	return StateUpdate{
		LastBlockSlot:        lastBlockSlot,
		CurTimestamp:         curTs,
		NewlyFinalizedBlocks: blocks,
		LatestFinalizedBlock: latest,
		LatestFinalizedBatch: latestFinalizedBatch,
	}
}

// NewSimpleStateUpdate builds a StateUpdate carrying no finalization news,
// just a slot/timestamp tick.
func NewSimpleStateUpdate(lastBlockSlot uint64, curTs time.Time) StateUpdate {
	return NewStateUpdate(lastBlockSlot, curTs, nil, nil)
}

func blockIDLess(a, b primitives.L2BlockId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// IsFinalized reports whether id appears in NewlyFinalizedBlocks.
func (u StateUpdate) IsFinalized(id primitives.L2BlockId) bool {
	i := sort.Search(len(u.NewlyFinalizedBlocks), func(i int) bool {
		return !blockIDLess(u.NewlyFinalizedBlocks[i], id)
	})
	return i < len(u.NewlyFinalizedBlocks) && u.NewlyFinalizedBlocks[i] == id
}

// DutyTracker holds the set of duties the sequencer still has to service,
// deduplicated by ID, purging entries whose Expiry condition has been met
// on every StateUpdate.
type DutyTracker struct {
	duties         []DutyEntry
	ids            map[primitives.Buf32]struct{}
	finalizedBlock *primitives.L2BlockId
}

// NewDutyTracker creates an empty tracker.
func NewDutyTracker() *DutyTracker {
	return &DutyTracker{ids: make(map[primitives.Buf32]struct{})}
}

// NumPendingDuties returns how many duties are still outstanding.
func (t *DutyTracker) NumPendingDuties() int { return len(t.duties) }

// Duties returns the tracked duties. The caller must not mutate the
// returned slice.
func (t *DutyTracker) Duties() []DutyEntry { return t.duties }

// GetFinalizedBlock returns the most recently recorded finalized L2 block.
func (t *DutyTracker) GetFinalizedBlock() (primitives.L2BlockId, bool) {
	if t.finalizedBlock == nil {
		return primitives.L2BlockId{}, false
	}
	return *t.finalizedBlock, true
}

// Update purges duties whose expiry condition update satisfies, returning
// how many were evicted.
func (t *DutyTracker) Update(update StateUpdate) int {
	if update.LatestFinalizedBlock != nil {
		t.finalizedBlock = update.LatestFinalizedBlock
	}

	oldCount := len(t.duties)
	kept := make([]DutyEntry, 0, len(t.duties))
	ids := make(map[primitives.Buf32]struct{}, len(t.duties))

	for _, d := range t.duties {
		expired := false
		switch d.Duty.Expiry() {
		case ExpiryNextBlock:
			expired = d.CreatedSlot < update.LastBlockSlot
		case ExpiryBlockFinalized:
			expired = update.IsFinalized(d.CreatedBlkid)
		case ExpiryBlockIdFinalized:
			expired = update.IsFinalized(d.CreatedBlkid)
		case ExpiryCheckpointIdxFinalized:
			if update.LatestFinalizedBatch != nil {
				expired = *update.LatestFinalizedBatch >= d.Duty.CommitBatch.Idx()
			}
		}
		if expired {
			continue
		}
		ids[d.ID] = struct{}{}
		kept = append(kept, d)
	}

	t.duties = kept
	t.ids = ids
	return oldCount - len(t.duties)
}

// AddDuties inserts newly extracted duties, skipping any whose ID is
// already tracked.
func (t *DutyTracker) AddDuties(blkid primitives.L2BlockId, slot uint64, duties []Duty) error {
	for _, d := range duties {
		id, err := d.ID()
		if err != nil {
			return err
		}
		if _, exists := t.ids[id]; exists {
			continue
		}
		t.ids[id] = struct{}{}
		t.duties = append(t.duties, DutyEntry{Duty: d, ID: id, CreatedBlkid: blkid, CreatedSlot: slot})
	}
	return nil
}

// DutyBatch groups the duties produced from a single sync event, for
// handing off to worker-pool dispatch.
type DutyBatch struct {
	SyncEvIdx uint64
	Duties    []DutyEntry
}

// Identity names who a duty is assigned to. The rollup runs a single
// sequencer identity per spec.md's Non-goals (no multi-sequencer
// consensus), so this is a thin wrapper rather than a real registry.
type Identity struct {
	SequencerKey primitives.Buf32
}

// IdentityKey is the signing key backing an Identity. Kept as a distinct
// type from Identity (mirroring original_source's IdentityKey enum) so a
// future multi-key scheme doesn't have to change every call site that
// only needs to know *who*, not *how to sign*.
type IdentityKey struct {
	SequencerPriv primitives.Buf32
}

// IdentityData bundles an Identity with the key material that backs it.
type IdentityData struct {
	Ident Identity
	Key   IdentityKey
}
