package bridge

import (
	"path/filepath"
	"testing"

	"github.com/basinrollup/basin/primitives"
	"github.com/basinrollup/basin/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "basin.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDBStoreSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	dbStore := NewDBStore(db)

	pubkeys, privs := newTestOperators(t)
	signingData := testSigningData(t)

	mgr := NewSignatureManager(fakeEngine{}, dbStore, 0, privs[0])
	txid, err := mgr.AddTxState(signingData, pubkeys)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.AddOwnPartialSig(txid); err == nil {
		t.Fatal("expected AddOwnPartialSig to fail before nonces are aggregated")
	}

	rec, found, err := dbStore.GetSession(txid)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected a persisted session")
	}
	if rec.OwnOperator != 0 {
		t.Fatalf("expected OwnOperator 0, got %d", rec.OwnOperator)
	}
	if len(rec.PubkeyOperators) != 2 {
		t.Fatalf("expected 2 pubkeys, got %d", len(rec.PubkeyOperators))
	}

	restored := fromRecord(rec)
	if restored.ownPubNonce != mgr.sessions[txid].ownPubNonce {
		t.Fatal("expected restored session's own nonce to match the in-memory one")
	}
	if len(restored.Pubkeys) != 2 {
		t.Fatalf("expected restored session to have 2 pubkeys, got %d", len(restored.Pubkeys))
	}
	for idx, pub := range restored.Pubkeys {
		want, ok := pubkeys[idx]
		if !ok || !pub.IsEqual(want) {
			t.Fatalf("restored pubkey for operator %d does not match original", idx)
		}
	}
}

func TestDBDutyStatusStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewDBDutyStatusStore(db)

	txid := primitives.BitcoinTxid{0xAA}

	if _, found, err := s.GetStatus(txid); err != nil || found {
		t.Fatalf("expected no status yet, found=%v err=%v", found, err)
	}

	if err := s.PutStatus(txid, DutyStatus{Kind: DutyReceived}); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.GetStatus(txid)
	if err != nil || !found || got.Kind != DutyReceived {
		t.Fatalf("got %+v found=%v err=%v", got, found, err)
	}

	if err := s.PutStatus(txid, DutyStatus{Kind: DutyFailed, Reason: "boom"}); err != nil {
		t.Fatal(err)
	}
	got, _, err = s.GetStatus(txid)
	if err != nil || got.Kind != DutyFailed || got.Reason != "boom" {
		t.Fatalf("got %+v err=%v", got, err)
	}

	cursor, err := s.GetCursor()
	if err != nil || cursor != 0 {
		t.Fatalf("expected fresh cursor 0, got %d err=%v", cursor, err)
	}
	if err := s.SetCursor(42); err != nil {
		t.Fatal(err)
	}
	cursor, err = s.GetCursor()
	if err != nil || cursor != 42 {
		t.Fatalf("expected cursor 42, got %d err=%v", cursor, err)
	}
}
