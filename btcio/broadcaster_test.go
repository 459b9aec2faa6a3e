package btcio

import (
	"testing"

	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

type fakeBroadcaster struct {
	sendErr    error
	confs      uint64
	notFound   bool
	sentRawTxs [][]byte
}

func (f *fakeBroadcaster) SendRawTransaction(rawTx []byte) error {
	f.sentRawTxs = append(f.sentRawTxs, rawTx)
	return f.sendErr
}

func (f *fakeBroadcaster) GetConfirmations(txid primitives.BitcoinTxid) (uint64, error) {
	if f.notFound {
		return 0, &TxNotFoundError{Txid: txid}
	}
	return f.confs, nil
}

type fakeEntryStore struct {
	entries map[uint64]*L1TxEntry
}

func (f *fakeEntryStore) GetEntry(idx uint64) (*L1TxEntry, bool, error) {
	e, ok := f.entries[idx]
	return e, ok, nil
}

func (f *fakeEntryStore) PutEntry(idx uint64, entry *L1TxEntry) error {
	f.entries[idx] = entry
	return nil
}

func (f *fakeEntryStore) UnfinalizedIndices() ([]uint64, error) {
	var out []uint64
	for idx, e := range f.entries {
		if e.Status.Kind != L1TxFinalized && e.Status.Kind != L1TxInvalidInputs {
			out = append(out, idx)
		}
	}
	return out, nil
}

func testConfig() BroadcasterConfig {
	return DefaultBroadcasterConfig(&params.RollupParams{L1ReorgSafeDepth: 6})
}

func TestBroadcastLoopPublishesUnpublishedEntry(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxUnpublished}},
	}}
	client := &fakeBroadcaster{}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.entries[1].Status.Kind != L1TxPublished {
		t.Fatalf("status = %v, want Published", store.entries[1].Status.Kind)
	}
	if len(client.sentRawTxs) != 1 {
		t.Fatalf("sent %d raw txs, want 1", len(client.sentRawTxs))
	}
}

func TestBroadcastLoopMarksInvalidInputs(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxUnpublished}},
	}}
	client := &fakeBroadcaster{sendErr: &InvalidInputsError{Reason: "missing input"}}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.entries[1].Status.Kind != L1TxInvalidInputs {
		t.Fatalf("status = %v, want InvalidInputs", store.entries[1].Status.Kind)
	}
}

func TestBroadcastLoopPublishedZeroConfsStaysPublished(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxPublished}},
	}}
	client := &fakeBroadcaster{confs: 0}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.entries[1].Status.Kind != L1TxPublished {
		t.Fatalf("status = %v, want Published", store.entries[1].Status.Kind)
	}
}

func TestBroadcastLoopConfirmedRevertsToUnpublishedOnReorg(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxConfirmed, Confirmations: 2}},
	}}
	client := &fakeBroadcaster{confs: 0}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.entries[1].Status.Kind != L1TxUnpublished {
		t.Fatalf("status = %v, want Unpublished after reorg", store.entries[1].Status.Kind)
	}
}

func TestBroadcastLoopFinalizesAtSafeDepth(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxPublished}},
	}}
	client := &fakeBroadcaster{confs: 6}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.entries[1].Status.Kind != L1TxFinalized {
		t.Fatalf("status = %v, want Finalized", store.entries[1].Status.Kind)
	}
	if store.entries[1].Status.Confirmations != 6 {
		t.Fatalf("confirmations = %d, want 6", store.entries[1].Status.Confirmations)
	}
}

func TestBroadcastLoopConfirmedBelowSafeDepthStaysConfirmed(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxConfirmed, Confirmations: 1}},
	}}
	client := &fakeBroadcaster{confs: 5}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.entries[1].Status.Kind != L1TxConfirmed {
		t.Fatalf("status = %v, want Confirmed", store.entries[1].Status.Kind)
	}
	if store.entries[1].Status.Confirmations != 5 {
		t.Fatalf("confirmations = %d, want 5", store.entries[1].Status.Confirmations)
	}
}

func TestBroadcastLoopSkipsFinalizedEntries(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxFinalized, Confirmations: 10}},
	}}
	client := &fakeBroadcaster{confs: 20}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(client.sentRawTxs) != 0 {
		t.Fatal("finalized entry should not be re-broadcast")
	}
}

func TestBroadcastLoopNotFoundTreatedAsReorg(t *testing.T) {
	store := &fakeEntryStore{entries: map[uint64]*L1TxEntry{
		1: {Status: L1TxStatus{Kind: L1TxConfirmed, Confirmations: 3}},
	}}
	client := &fakeBroadcaster{notFound: true}
	loop := NewBroadcastLoop(client, store, testConfig())

	if err := loop.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.entries[1].Status.Kind != L1TxUnpublished {
		t.Fatalf("status = %v, want Unpublished", store.entries[1].Status.Kind)
	}
}
