package bridge

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/primitives"
)

// testSigningData builds a one-input, one-output unsigned transaction
// spending a fabricated P2TR prevout, exercising the same decode/sighash
// path real deposit/withdrawal transactions take.
func testSigningData(t interface{ Helper() }) SigningData {
	t.Helper()

	prevoutScript := make([]byte, 34)
	prevoutScript[0] = 0x51 // OP_1
	prevoutScript[1] = 0x20 // push 32 bytes
	for i := 0; i < 32; i++ {
		prevoutScript[2+i] = byte(i + 1)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevHash := chainhash.Hash{}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, prevoutScript))

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		panic(fmt.Sprintf("testSigningData: %v", err))
	}

	return SigningData{
		UnsignedTx:    buf.Bytes(),
		PrevoutScript: prevoutScript,
		PrevoutValue:  100_000,
	}
}

// fakeEngine is a deterministic, non-cryptographic Engine stand-in so tests
// can exercise SignatureManager/DutyExecutor bookkeeping without real
// secp256k1 arithmetic, per musig.go's Engine doc comment.
type fakeEngine struct{}

func (fakeEngine) GenNonce(priv *btcec.PrivateKey, pubkeys []*btcec.PublicKey, msg [32]byte) (PubNonce, SecNonce, error) {
	seed := sha256.Sum256(append(priv.Serialize(), msg[:]...))
	var pn PubNonce
	var sn SecNonce
	copy(pn[:], seed[:])
	copy(sn[:], seed[:])
	return pn, sn, nil
}

func (fakeEngine) AggregateNonces(nonces []PubNonce) (PubNonce, error) {
	var out PubNonce
	for _, n := range nonces {
		for i := range out {
			out[i] ^= n[i]
		}
	}
	return out, nil
}

func (fakeEngine) Sign(sec SecNonce, priv *btcec.PrivateKey, aggNonce PubNonce, pubkeys []*btcec.PublicKey, msg [32]byte) (PartialSig, error) {
	h := sha256.Sum256(append(append(sec[:], priv.Serialize()...), msg[:]...))
	return PartialSig(h), nil
}

func (fakeEngine) CombineSigs(aggNonce PubNonce, sigs []PartialSig, pubkeys []*btcec.PublicKey, msg [32]byte) (primitives.Buf64, error) {
	var out primitives.Buf64
	for i, s := range sigs {
		for j := range s {
			out[(i*32+j)%64] ^= s[j]
		}
	}
	return out, nil
}

func (fakeEngine) AggregateKey(pubkeys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(pubkeys) == 0 {
		return nil, fmt.Errorf("fakeEngine: no pubkeys")
	}
	return pubkeys[0], nil
}

// memTxStateStore is an in-memory TxStateStore for tests that don't need
// real persistence.
type memTxStateStore struct {
	sessions map[primitives.BitcoinTxid]*SessionRecord
}

func newMemTxStateStore() *memTxStateStore {
	return &memTxStateStore{sessions: make(map[primitives.BitcoinTxid]*SessionRecord)}
}

func (s *memTxStateStore) GetSession(txid primitives.BitcoinTxid) (*SessionRecord, bool, error) {
	rec, ok := s.sessions[txid]
	return rec, ok, nil
}

func (s *memTxStateStore) PutSession(txid primitives.BitcoinTxid, rec *SessionRecord) error {
	s.sessions[txid] = rec
	return nil
}

// memDutyStatusStore is an in-memory DutyStatusStore for executor tests.
type memDutyStatusStore struct {
	status map[primitives.BitcoinTxid]DutyStatus
	cursor uint64
}

func newMemDutyStatusStore() *memDutyStatusStore {
	return &memDutyStatusStore{status: make(map[primitives.BitcoinTxid]DutyStatus)}
}

func (s *memDutyStatusStore) GetStatus(txid primitives.BitcoinTxid) (DutyStatus, bool, error) {
	st, ok := s.status[txid]
	return st, ok, nil
}

func (s *memDutyStatusStore) PutStatus(txid primitives.BitcoinTxid, status DutyStatus) error {
	s.status[txid] = status
	return nil
}

func (s *memDutyStatusStore) GetCursor() (uint64, error) { return s.cursor, nil }

func (s *memDutyStatusStore) SetCursor(idx uint64) error {
	s.cursor = idx
	return nil
}
