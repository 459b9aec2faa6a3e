package checkpoint

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/primitives"
	"github.com/basinrollup/basin/store"
)

type entryWire struct {
	Epoch      uint64
	Checkpoint checkpointWire
	Status     uint8
	L1RefHt    uint64
	L1RefId    [32]byte
}

func toEntryWire(e Entry) entryWire {
	return entryWire{
		Epoch: e.Epoch,
		Checkpoint: checkpointWire{
			Info:       toInfoWire(e.Checkpoint.Info),
			Transition: toTransitionWire(e.Checkpoint.Transition),
			Proof:      e.Checkpoint.Proof,
		},
		Status:  uint8(e.Status),
		L1RefHt: e.L1Ref.Height,
		L1RefId: [32]byte(e.L1Ref.Blkid),
	}
}

func (w entryWire) toEntry() Entry {
	return Entry{
		Epoch: w.Epoch,
		Checkpoint: Checkpoint{
			Info:       w.Checkpoint.Info.toInfo(),
			Transition: w.Checkpoint.Transition.toTransition(),
			Proof:      w.Checkpoint.Proof,
		},
		Status: Status(w.Status),
		L1Ref:  primitives.L1BlockCommitment{Height: w.L1RefHt, Blkid: primitives.L1BlockId(w.L1RefId)},
	}
}

// Store persists one Entry per epoch, keyed directly by epoch number, and
// implements csm.CheckpointUpdater so the CSM worker can drive a
// checkpoint's lifecycle from the sync actions it derives.
type Store struct {
	db *store.DB
}

// NewStore wraps db for checkpoint-lifecycle storage.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

func (s *Store) get(epoch uint64) (Entry, bool, error) {
	raw, found, err := s.db.GetRecord(store.TableCheckpoints, epoch)
	if err != nil || !found {
		return Entry{}, found, err
	}
	var w entryWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return Entry{}, false, fmt.Errorf("checkpoint: decoding entry for epoch %d: %w", epoch, err)
	}
	return w.toEntry(), true, nil
}

func (s *Store) put(e Entry) error {
	raw, err := borsh.Serialize(toEntryWire(e))
	if err != nil {
		return fmt.Errorf("checkpoint: encoding entry for epoch %d: %w", e.Epoch, err)
	}
	return s.db.PutRecord(store.TableCheckpoints, e.Epoch, raw)
}

// PutPending records a freshly observed checkpoint, not yet confirmed on
// L1. Overwrites any existing entry for the same epoch.
func (s *Store) PutPending(cp Checkpoint) error {
	return s.put(Entry{Epoch: cp.Info.Epoch, Checkpoint: cp, Status: StatusPending})
}

// Get returns the stored entry for an epoch, if any.
func (s *Store) Get(epoch uint64) (Entry, bool, error) {
	return s.get(epoch)
}

// MarkConfirmed implements csm.CheckpointUpdater: the checkpoint's
// containing L1 block has reached the reorg-safe depth.
func (s *Store) MarkConfirmed(epoch uint64, l1ref primitives.L1BlockCommitment) error {
	e, found, err := s.get(epoch)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("checkpoint: MarkConfirmed: no entry for epoch %d", epoch)
	}
	e.Status = StatusConfirmed
	e.L1Ref = l1ref
	return s.put(e)
}

// MarkFinalized implements csm.CheckpointUpdater: the checkpoint's epoch
// is now irreversible.
func (s *Store) MarkFinalized(epoch uint64) error {
	e, found, err := s.get(epoch)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("checkpoint: MarkFinalized: no entry for epoch %d", epoch)
	}
	e.Status = StatusFinalized
	return s.put(e)
}
