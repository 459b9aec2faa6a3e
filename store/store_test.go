package store

import (
	"path/filepath"
	"testing"

	"github.com/basinrollup/basin/btcio"
	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/csm"
	"github.com/basinrollup/basin/primitives"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "basin.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEventLogSubmitAndGet(t *testing.T) {
	db := openTestDB(t)
	log := NewEventLog(db)

	ev := &csm.SyncEvent{Kind: csm.EvL1Block, L1: primitives.L1BlockCommitment{Height: 42}}
	if err := log.Submit(ev); err != nil {
		t.Fatal(err)
	}

	got, found, err := log.GetSyncEvent(1)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected first event at index 1")
	}
	if got.Kind != csm.EvL1Block || got.L1.Height != 42 {
		t.Fatalf("got %+v", got)
	}

	latest, ok, err := log.LatestIndex()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || latest != 1 {
		t.Fatalf("latest = %d (%v), want 1", latest, ok)
	}
}

func TestClientStateStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewClientStateStore(db)

	idx, state, err := store.GetMostRecentState()
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 || state.Status != csm.StatusPreGenesis {
		t.Fatalf("expected fresh pre-genesis state, got idx=%d state=%+v", idx, state)
	}

	updated := state.Clone()
	updated.Status = csm.StatusSyncing
	updated.TipL2 = primitives.L2BlockCommitment{Slot: 7}
	out := &csm.ClientUpdateOutput{
		State: updated,
		Actions: []csm.SyncAction{
			{Kind: csm.ActionL2Genesis, L1Blkid: primitives.L1BlockId{0xAB}},
		},
	}
	if err := store.PutUpdate(1, out); err != nil {
		t.Fatal(err)
	}

	idx2, state2, err := store.GetMostRecentState()
	if err != nil {
		t.Fatal(err)
	}
	if idx2 != 1 || state2.Status != csm.StatusSyncing || state2.TipL2.Slot != 7 {
		t.Fatalf("got idx=%d state=%+v", idx2, state2)
	}
}

func TestManifestStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewManifestStore(db, NewCache(1<<20))

	m := chainstate.L1BlockManifest{
		Record: chainstate.L1HeaderRecord{Blkid: primitives.L1BlockId{0x01}, RawHeaderBytes: []byte{1, 2, 3}},
		ExtractedTxs: []chainstate.ExtractedTx{
			{Txid: primitives.BitcoinTxid{0x02}, Ops: []chainstate.ProtocolOperation{
				{Kind: chainstate.OpDeposit, DepositAmt: primitives.BitcoinAmount(100000)},
			}},
		},
		Epoch:  3,
		Height: 500,
	}
	if err := store.StoreManifest(m); err != nil {
		t.Fatal(err)
	}

	got, found, err := store.GetManifest(500)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected manifest at height 500")
	}
	if got.Epoch != 3 || len(got.ExtractedTxs) != 1 || got.ExtractedTxs[0].Ops[0].DepositAmt != 100000 {
		t.Fatalf("got %+v", got)
	}
}

func TestL1TxEntryStoreUnfinalizedIndices(t *testing.T) {
	db := openTestDB(t)
	store := NewL1TxEntryStore(db)

	e1 := &btcio.L1TxEntry{Txid: primitives.BitcoinTxid{0x01}, Status: btcio.L1TxStatus{Kind: btcio.L1TxPublished}}
	e2 := &btcio.L1TxEntry{Txid: primitives.BitcoinTxid{0x02}, Status: btcio.L1TxStatus{Kind: btcio.L1TxFinalized}}
	if err := store.PutEntry(0, e1); err != nil {
		t.Fatal(err)
	}
	if err := store.PutEntry(1, e2); err != nil {
		t.Fatal(err)
	}

	pending, err := store.UnfinalizedIndices()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != 0 {
		t.Fatalf("pending = %v, want [0]", pending)
	}
}
