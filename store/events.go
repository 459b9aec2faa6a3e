package store

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/csm"
	"github.com/basinrollup/basin/primitives"
)

// syncEventWire mirrors csm.SyncEvent in borsh-encodable plain types.
type syncEventWire struct {
	Kind        uint8
	L1Height    uint64
	L1Blkid     [32]byte
	L2Slot      uint64
	L2Blkid     [32]byte
	Checkpoints []ckptSummaryWire
}

type ckptSummaryWire struct {
	Epoch     uint64
	LastSlot  uint64
	LastBlkid [32]byte
}

func toSyncEventWire(ev *csm.SyncEvent) syncEventWire {
	w := syncEventWire{
		Kind:     uint8(ev.Kind),
		L1Height: ev.L1.Height,
		L1Blkid:  [32]byte(ev.L1.Blkid),
		L2Slot:   ev.L2.Slot,
		L2Blkid:  [32]byte(ev.L2.Blkid),
	}
	for _, s := range ev.Checkpoints {
		w.Checkpoints = append(w.Checkpoints, ckptSummaryWire{
			Epoch:     s.Epoch,
			LastSlot:  s.LastSlot,
			LastBlkid: [32]byte(s.LastBlkid),
		})
	}
	return w
}

func (w syncEventWire) toEvent() *csm.SyncEvent {
	ev := &csm.SyncEvent{
		Kind: csm.SyncEventKind(w.Kind),
		L1:   primitives.L1BlockCommitment{Height: w.L1Height, Blkid: primitives.L1BlockId(w.L1Blkid)},
		L2:   primitives.L2BlockCommitment{Slot: w.L2Slot, Blkid: primitives.L2BlockId(w.L2Blkid)},
	}
	for _, s := range w.Checkpoints {
		ev.Checkpoints = append(ev.Checkpoints, csm.CheckpointSummary{
			Epoch:     s.Epoch,
			LastSlot:  s.LastSlot,
			LastBlkid: primitives.L2BlockId(s.LastBlkid),
		})
	}
	return ev
}

// EventLog is a pebble-backed, append-only, strictly-ordered sync event
// log. It satisfies csm.SyncEventSource (read side) and l1reader.EventSink
// (write side, via Submit).
type EventLog struct {
	db *DB
}

// NewEventLog wraps db for sync-event storage.
func NewEventLog(db *DB) *EventLog {
	return &EventLog{db: db}
}

// GetSyncEvent implements csm.SyncEventSource.
func (l *EventLog) GetSyncEvent(idx uint64) (*csm.SyncEvent, bool, error) {
	raw, found, err := l.db.get(cfSyncEvents, idx)
	if err != nil || !found {
		return nil, found, err
	}
	var w syncEventWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return nil, false, fmt.Errorf("store: decoding sync event %d: %w", idx, err)
	}
	return w.toEvent(), true, nil
}

// Submit implements l1reader.EventSink: appends ev at the next free
// index. Events are numbered contiguously from 1, matching the CSM
// worker's expectation that event i follows state index i-1.
func (l *EventLog) Submit(ev *csm.SyncEvent) error {
	idx, err := l.db.nextIndex(cfSyncEvents)
	if err != nil {
		return err
	}
	raw, err := borsh.Serialize(toSyncEventWire(ev))
	if err != nil {
		return fmt.Errorf("store: encoding sync event: %w", err)
	}
	return l.db.put(cfSyncEvents, idx+1, raw)
}

// LatestIndex returns the index of the most recently submitted sync
// event, and false if none has been submitted yet. node/backend.go's sync loop
// polls this after every Follower.PollOnce to know how far to drive
// csm.Worker.AdvanceTo.
func (l *EventLog) LatestIndex() (uint64, bool, error) {
	next, err := l.db.peekNextIndex(cfSyncEvents)
	if err != nil {
		return 0, false, err
	}
	if next == 0 {
		return 0, false, nil
	}
	return next, true, nil
}
