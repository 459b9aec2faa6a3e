package store

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/csm"
	"github.com/basinrollup/basin/primitives"
)

type clientStateWire struct {
	Status             uint8
	TipL2Slot          uint64
	TipL2Blkid         [32]byte
	FinalizedEpochNum  uint64
	FinalizedLastSlot  uint64
	FinalizedLastBlkid [32]byte
	LastL1Height       uint64
	LastL1Blkid        [32]byte
	GenesisL1Height    uint64
	GenesisL1Blkid     [32]byte

	HasLastCkpt       uint8
	LastCkptEpoch     uint64
	LastCkptLastSlot  uint64
	LastCkptLastBlkid [32]byte
	LastCkptL1Height  uint64
	LastCkptL1Blkid   [32]byte
}

func toClientStateWire(s *csm.ClientState) clientStateWire {
	w := clientStateWire{
		Status:             uint8(s.Status),
		TipL2Slot:          s.TipL2.Slot,
		TipL2Blkid:         [32]byte(s.TipL2.Blkid),
		FinalizedEpochNum:  s.FinalizedEpoch.Epoch,
		FinalizedLastSlot:  s.FinalizedEpoch.LastSlot,
		FinalizedLastBlkid: [32]byte(s.FinalizedEpoch.LastBlkid),
		LastL1Height:       s.LastL1.Height,
		LastL1Blkid:        [32]byte(s.LastL1.Blkid),
		GenesisL1Height:    s.GenesisL1.Height,
		GenesisL1Blkid:     [32]byte(s.GenesisL1.Blkid),
	}
	if cp := s.LastCheckpoint; cp != nil {
		w.HasLastCkpt = 1
		w.LastCkptEpoch = cp.Summary.Epoch
		w.LastCkptLastSlot = cp.Summary.LastSlot
		w.LastCkptLastBlkid = [32]byte(cp.Summary.LastBlkid)
		w.LastCkptL1Height = cp.L1Ref.Height
		w.LastCkptL1Blkid = [32]byte(cp.L1Ref.Blkid)
	}
	return w
}

func (w clientStateWire) toState() *csm.ClientState {
	s := &csm.ClientState{
		Status: csm.SyncStatus(w.Status),
		TipL2:  primitives.L2BlockCommitment{Slot: w.TipL2Slot, Blkid: primitives.L2BlockId(w.TipL2Blkid)},
		FinalizedEpoch: primitives.EpochCommitment{
			Epoch:     w.FinalizedEpochNum,
			LastSlot:  w.FinalizedLastSlot,
			LastBlkid: primitives.L2BlockId(w.FinalizedLastBlkid),
		},
		LastL1:    primitives.L1BlockCommitment{Height: w.LastL1Height, Blkid: primitives.L1BlockId(w.LastL1Blkid)},
		GenesisL1: primitives.L1BlockCommitment{Height: w.GenesisL1Height, Blkid: primitives.L1BlockId(w.GenesisL1Blkid)},
	}
	if w.HasLastCkpt == 1 {
		s.LastCheckpoint = &csm.ObservedCheckpoint{
			Summary: csm.CheckpointSummary{
				Epoch:     w.LastCkptEpoch,
				LastSlot:  w.LastCkptLastSlot,
				LastBlkid: primitives.L2BlockId(w.LastCkptLastBlkid),
			},
			L1Ref: primitives.L1BlockCommitment{Height: w.LastCkptL1Height, Blkid: primitives.L1BlockId(w.LastCkptL1Blkid)},
		}
	}
	return s
}

type syncActionWire struct {
	Kind             uint8
	EpochNum         uint64
	EpochLastSlot    uint64
	EpochLastBlkid   [32]byte
	CkptEpoch        uint64
	L1RefHeight      uint64
	L1RefBlkid       [32]byte
	L1Blkid          [32]byte
}

func toActionWire(a csm.SyncAction) syncActionWire {
	return syncActionWire{
		Kind:           uint8(a.Kind),
		EpochNum:       a.Epoch.Epoch,
		EpochLastSlot:  a.Epoch.LastSlot,
		EpochLastBlkid: [32]byte(a.Epoch.LastBlkid),
		CkptEpoch:      a.CkptEpoch,
		L1RefHeight:    a.L1Reference.Height,
		L1RefBlkid:     [32]byte(a.L1Reference.Blkid),
		L1Blkid:        [32]byte(a.L1Blkid),
	}
}

func (w syncActionWire) toAction() csm.SyncAction {
	return csm.SyncAction{
		Kind: csm.SyncActionKind(w.Kind),
		Epoch: primitives.EpochCommitment{
			Epoch:     w.EpochNum,
			LastSlot:  w.EpochLastSlot,
			LastBlkid: primitives.L2BlockId(w.EpochLastBlkid),
		},
		CkptEpoch:   w.CkptEpoch,
		L1Reference: primitives.L1BlockCommitment{Height: w.L1RefHeight, Blkid: primitives.L1BlockId(w.L1RefBlkid)},
		L1Blkid:     primitives.L1BlockId(w.L1Blkid),
	}
}

type clientUpdateWire struct {
	State   clientStateWire
	Actions []syncActionWire
}

// ClientStateStore persists the CSM's replayed state history, keyed by the
// sync-event index that produced each entry, and satisfies
// csm.ClientStateStore.
type ClientStateStore struct {
	db *DB
}

// NewClientStateStore wraps db for client-state storage.
func NewClientStateStore(db *DB) *ClientStateStore {
	return &ClientStateStore{db: db}
}

// GetMostRecentState implements csm.ClientStateStore. A bare pre-genesis
// ClientState at index 0 is returned when nothing has been stored yet.
func (s *ClientStateStore) GetMostRecentState() (uint64, *csm.ClientState, error) {
	indices, err := s.db.indices(cfClientStates)
	if err != nil {
		return 0, nil, err
	}
	if len(indices) == 0 {
		return 0, csm.NewPreGenesisState(), nil
	}

	latest := indices[len(indices)-1]
	raw, found, err := s.db.get(cfClientStates, latest)
	if err != nil || !found {
		return 0, nil, err
	}
	var w clientUpdateWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return 0, nil, fmt.Errorf("store: decoding client state %d: %w", latest, err)
	}
	return latest, w.State.toState(), nil
}

// PutUpdate implements csm.ClientStateStore.
func (s *ClientStateStore) PutUpdate(idx uint64, out *csm.ClientUpdateOutput) error {
	actions := make([]syncActionWire, len(out.Actions))
	for i, a := range out.Actions {
		actions[i] = toActionWire(a)
	}
	raw, err := borsh.Serialize(clientUpdateWire{State: toClientStateWire(out.State), Actions: actions})
	if err != nil {
		return fmt.Errorf("store: encoding client state update %d: %w", idx, err)
	}
	return s.db.put(cfClientStates, idx, raw)
}
