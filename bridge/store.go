package bridge

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/primitives"
	"github.com/basinrollup/basin/store"
)

// SessionRecord is the persisted, pointer-free snapshot of a session —
// what TxStateStore implementations actually read and write. Mirrors
// rocksdb-store/src/bridge/db.rs's BridgeTxState row, one per txid.
type SessionRecord struct {
	UnsignedTx    []byte
	PrevoutScript []byte
	PrevoutValue  int64

	OwnOperator primitives.OperatorIdx

	PubkeyOperators []primitives.OperatorIdx
	PubkeyBytes     [][]byte // compressed secp256k1 points, same order as PubkeyOperators

	OwnSecNonce SecNonce
	OwnPubNonce PubNonce

	NonceOperators []primitives.OperatorIdx
	NonceBytes     []PubNonce

	HasAggNonce bool
	AggNonce    PubNonce

	HasOwnPartialSig bool
	OwnPartialSig    PartialSig

	SigOperators []primitives.OperatorIdx
	SigBytes     []PartialSig

	HasFinalSig bool
	FinalSig    primitives.Buf64
}

func toRecord(s *session) *SessionRecord {
	pkIdxs, pkPoints := s.Pubkeys.sorted()
	pkBytes := make([][]byte, len(pkPoints))
	for i, p := range pkPoints {
		pkBytes[i] = p.SerializeCompressed()
	}

	nonceIdxs := sortedOperatorKeys(s.nonces)
	nonceBytes := make([]PubNonce, len(nonceIdxs))
	for i, idx := range nonceIdxs {
		nonceBytes[i] = s.nonces[idx]
	}

	sigIdxs := sortedOperatorKeys(s.partialSigs)
	sigBytes := make([]PartialSig, len(sigIdxs))
	for i, idx := range sigIdxs {
		sigBytes[i] = s.partialSigs[idx]
	}

	rec := &SessionRecord{
		UnsignedTx:      s.SigningData.UnsignedTx,
		PrevoutScript:   s.SigningData.PrevoutScript,
		PrevoutValue:    s.SigningData.PrevoutValue,
		OwnOperator:     s.OwnOperator,
		PubkeyOperators: pkIdxs,
		PubkeyBytes:     pkBytes,
		OwnSecNonce:     s.ownSecNonce,
		OwnPubNonce:     s.ownPubNonce,
		NonceOperators:  nonceIdxs,
		NonceBytes:      nonceBytes,
		SigOperators:    sigIdxs,
		SigBytes:        sigBytes,
	}
	if s.aggNonce != nil {
		rec.HasAggNonce = true
		rec.AggNonce = *s.aggNonce
	}
	if s.ownPartialSig != nil {
		rec.HasOwnPartialSig = true
		rec.OwnPartialSig = *s.ownPartialSig
	}
	if s.finalSig != nil {
		rec.HasFinalSig = true
		rec.FinalSig = *s.finalSig
	}
	return rec
}

func fromRecord(rec *SessionRecord) *session {
	pubkeys := make(PubkeyTable, len(rec.PubkeyOperators))
	for i, idx := range rec.PubkeyOperators {
		pub, err := btcec.ParsePubKey(rec.PubkeyBytes[i])
		if err != nil {
			continue // corrupt record; caller will fail downstream on first use
		}
		pubkeys[idx] = pub
	}

	nonces := make(map[primitives.OperatorIdx]PubNonce, len(rec.NonceOperators))
	for i, idx := range rec.NonceOperators {
		nonces[idx] = rec.NonceBytes[i]
	}

	sigs := make(map[primitives.OperatorIdx]PartialSig, len(rec.SigOperators))
	for i, idx := range rec.SigOperators {
		sigs[idx] = rec.SigBytes[i]
	}

	s := &session{
		SigningData: SigningData{
			UnsignedTx:    rec.UnsignedTx,
			PrevoutScript: rec.PrevoutScript,
			PrevoutValue:  rec.PrevoutValue,
		},
		Pubkeys:     pubkeys,
		OwnOperator: rec.OwnOperator,
		ownSecNonce: rec.OwnSecNonce,
		ownPubNonce: rec.OwnPubNonce,
		nonces:      nonces,
		partialSigs: sigs,
	}
	if rec.HasAggNonce {
		agg := rec.AggNonce
		s.aggNonce = &agg
	}
	if rec.HasOwnPartialSig {
		sig := rec.OwnPartialSig
		s.ownPartialSig = &sig
	}
	if rec.HasFinalSig {
		sig := rec.FinalSig
		s.finalSig = &sig
	}
	return s
}

func sortedOperatorKeys[V any](m map[primitives.OperatorIdx]V) []primitives.OperatorIdx {
	out := make([]primitives.OperatorIdx, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sessionWire is SessionRecord's borsh wire representation: fixed-size
// buffers use plain arrays, matching the rest of the tree's wire-struct
// convention (checkpoint/wire.go, store/manifests.go) rather than
// serializing the exported record type (whose SecNonce/PubNonce/etc.
// named array types borsh-go doesn't need to special-case this way, but
// keeping the indirection makes a future field rename to the public type
// not a wire-format break).
type sessionWire struct {
	UnsignedTx    []byte
	PrevoutScript []byte
	PrevoutValue  int64

	OwnOperator uint32

	PubkeyOperators []uint32
	PubkeyBytes     [][]byte

	OwnSecNonce [97]byte
	OwnPubNonce [66]byte

	NonceOperators []uint32
	NonceBytes     [][66]byte

	HasAggNonce bool
	AggNonce    [66]byte

	HasOwnPartialSig bool
	OwnPartialSig    [32]byte

	SigOperators []uint32
	SigBytes     [][32]byte

	HasFinalSig bool
	FinalSig    [64]byte
}

func toWire(rec *SessionRecord) sessionWire {
	w := sessionWire{
		UnsignedTx:       rec.UnsignedTx,
		PrevoutScript:    rec.PrevoutScript,
		PrevoutValue:     rec.PrevoutValue,
		OwnOperator:      uint32(rec.OwnOperator),
		OwnSecNonce:      [97]byte(rec.OwnSecNonce),
		OwnPubNonce:      [66]byte(rec.OwnPubNonce),
		HasAggNonce:      rec.HasAggNonce,
		AggNonce:         [66]byte(rec.AggNonce),
		HasOwnPartialSig: rec.HasOwnPartialSig,
		OwnPartialSig:    [32]byte(rec.OwnPartialSig),
		HasFinalSig:      rec.HasFinalSig,
		FinalSig:         [64]byte(rec.FinalSig),
	}
	for _, idx := range rec.PubkeyOperators {
		w.PubkeyOperators = append(w.PubkeyOperators, uint32(idx))
	}
	w.PubkeyBytes = rec.PubkeyBytes
	for _, idx := range rec.NonceOperators {
		w.NonceOperators = append(w.NonceOperators, uint32(idx))
	}
	for _, n := range rec.NonceBytes {
		w.NonceBytes = append(w.NonceBytes, [66]byte(n))
	}
	for _, idx := range rec.SigOperators {
		w.SigOperators = append(w.SigOperators, uint32(idx))
	}
	for _, s := range rec.SigBytes {
		w.SigBytes = append(w.SigBytes, [32]byte(s))
	}
	return w
}

func fromWire(w sessionWire) *SessionRecord {
	rec := &SessionRecord{
		UnsignedTx:       w.UnsignedTx,
		PrevoutScript:    w.PrevoutScript,
		PrevoutValue:     w.PrevoutValue,
		OwnOperator:      primitives.OperatorIdx(w.OwnOperator),
		PubkeyBytes:      w.PubkeyBytes,
		OwnSecNonce:      SecNonce(w.OwnSecNonce),
		OwnPubNonce:      PubNonce(w.OwnPubNonce),
		HasAggNonce:      w.HasAggNonce,
		AggNonce:         PubNonce(w.AggNonce),
		HasOwnPartialSig: w.HasOwnPartialSig,
		OwnPartialSig:    PartialSig(w.OwnPartialSig),
		HasFinalSig:      w.HasFinalSig,
		FinalSig:         primitives.Buf64(w.FinalSig),
	}
	for _, idx := range w.PubkeyOperators {
		rec.PubkeyOperators = append(rec.PubkeyOperators, primitives.OperatorIdx(idx))
	}
	for _, idx := range w.NonceOperators {
		rec.NonceOperators = append(rec.NonceOperators, primitives.OperatorIdx(idx))
	}
	for _, n := range w.NonceBytes {
		rec.NonceBytes = append(rec.NonceBytes, PubNonce(n))
	}
	for _, idx := range w.SigOperators {
		rec.SigOperators = append(rec.SigOperators, primitives.OperatorIdx(idx))
	}
	for _, s := range w.SigBytes {
		rec.SigBytes = append(rec.SigBytes, PartialSig(s))
	}
	return rec
}

// DBStore implements TxStateStore over the shared store.DB, keyed by txid
// through its generic keyed-record accessors (the same leaf-table idiom
// checkpoint.Store and btcio's EntryStore use) rather than opening a
// second pebble instance.
type DBStore struct {
	db *store.DB
}

// NewDBStore wraps db for bridge session persistence.
func NewDBStore(db *store.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) GetSession(txid primitives.BitcoinTxid) (*SessionRecord, bool, error) {
	raw, found, err := s.db.GetKeyedRecord(store.TableBridgeTxState, txid[:])
	if err != nil || !found {
		return nil, found, err
	}
	var w sessionWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return nil, false, fmt.Errorf("bridge: decoding session for %s: %w", primitives.Buf32(txid), err)
	}
	return fromWire(w), true, nil
}

func (s *DBStore) PutSession(txid primitives.BitcoinTxid, rec *SessionRecord) error {
	raw, err := borsh.Serialize(toWire(rec))
	if err != nil {
		return fmt.Errorf("bridge: encoding session for %s: %w", primitives.Buf32(txid), err)
	}
	return s.db.PutKeyedRecord(store.TableBridgeTxState, txid[:], raw)
}
