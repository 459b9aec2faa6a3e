package bridge

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/basinrollup/basin/primitives"
)

// PubkeyTable is the MuSig2 signing set: each operator's wallet public key,
// indexed by operator index.
type PubkeyTable map[primitives.OperatorIdx]*btcec.PublicKey

// sorted returns the table's pubkeys in ascending operator-index order —
// MuSig2 key/nonce aggregation is order-sensitive, so every participant
// must aggregate in the same order.
func (t PubkeyTable) sorted() (idxs []primitives.OperatorIdx, keys []*btcec.PublicKey) {
	idxs = make([]primitives.OperatorIdx, 0, len(t))
	for idx := range t {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	keys = make([]*btcec.PublicKey, len(idxs))
	for i, idx := range idxs {
		keys[i] = t[idx]
	}
	return idxs, keys
}

// sessionStatus is the duty executor's per-txid state machine.
type sessionStatus uint8

const (
	statusNoncesPending sessionStatus = iota
	statusSigsPending
	statusDone
)

// session is one txid's in-progress (or completed) MuSig2 ceremony.
type session struct {
	SigningData SigningData
	Pubkeys     PubkeyTable
	OwnOperator primitives.OperatorIdx

	ownSecNonce SecNonce
	ownPubNonce PubNonce

	nonces   map[primitives.OperatorIdx]PubNonce
	aggNonce *PubNonce

	ownPartialSig *PartialSig
	partialSigs   map[primitives.OperatorIdx]PartialSig

	finalSig *primitives.Buf64
}

func (s *session) status() sessionStatus {
	if s.finalSig != nil {
		return statusDone
	}
	if s.aggNonce == nil {
		return statusNoncesPending
	}
	return statusSigsPending
}

// isFullySigned reports whether every participant's partial signature has
// been collected (handler.rs's tx_state.is_fully_signed(): "fully signed
// and in the database, nothing to do here").
func (s *session) isFullySigned() bool {
	return len(s.partialSigs) == len(s.Pubkeys)
}

// SignatureManager runs the per-txid MuSig2 ceremony described by
// spec.md §4.6: a pair of collection rounds (nonces, then partial
// signatures) backed by a persistent session store, guaranteeing at
// most one signing session per txid ever runs to completion (MuSig2's
// own security model makes nonce reuse across sessions catastrophic, so
// a session is strictly single-use — spec.md §4.6's "sessions are
// single-use" and §8 scenario 5's duty-idempotence property).
type SignatureManager struct {
	mu       sync.Mutex
	engine   Engine
	store    TxStateStore
	sessions map[primitives.BitcoinTxid]*session

	ownOperator primitives.OperatorIdx
	ownPriv     *btcec.PrivateKey
}

// TxStateStore persists Session snapshots keyed by txid, so a crashed
// operator resumes exactly where it left off rather than replaying a
// nonce it may have already gossiped.
type TxStateStore interface {
	GetSession(txid primitives.BitcoinTxid) (*SessionRecord, bool, error)
	PutSession(txid primitives.BitcoinTxid, rec *SessionRecord) error
}

// NewSignatureManager builds a manager for ownOperator's MuSig2
// participation, using ownPriv to produce nonces and partial signatures.
func NewSignatureManager(engine Engine, store TxStateStore, ownOperator primitives.OperatorIdx, ownPriv *btcec.PrivateKey) *SignatureManager {
	return &SignatureManager{
		engine:      engine,
		store:       store,
		sessions:    make(map[primitives.BitcoinTxid]*session),
		ownOperator: ownOperator,
		ownPriv:     ownPriv,
	}
}

// ErrDuplicateSession is returned by AddTxState when a session already
// exists for the derived txid: a duplicate signing attempt for the same
// transaction, which must be rejected rather than silently restarted so a
// nonce is never regenerated and reused under the same key.
var ErrDuplicateSession = fmt.Errorf("bridge: duplicate tx state for this txid")

// AddTxState registers a new signing session for signingData, generates
// this operator's own nonce pair immediately (handler.rs's sign_tx calls
// add_tx_state, then a separate collect_nonces fetches the already-made
// nonce), and returns the session's txid.
func (m *SignatureManager) AddTxState(signingData SigningData, pubkeys PubkeyTable) (primitives.BitcoinTxid, error) {
	txid, err := signingData.Txid()
	if err != nil {
		return primitives.BitcoinTxid{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[txid]; exists {
		return txid, ErrDuplicateSession
	}
	if existing, found, err := m.store.GetSession(txid); err != nil {
		return txid, err
	} else if found {
		m.sessions[txid] = fromRecord(existing)
		return txid, ErrDuplicateSession
	}

	msg, err := signingData.SigMsg()
	if err != nil {
		return txid, err
	}
	_, keys := pubkeys.sorted()
	pubNonce, secNonce, err := m.engine.GenNonce(m.ownPriv, keys, msg)
	if err != nil {
		return txid, err
	}

	s := &session{
		SigningData: signingData,
		Pubkeys:     pubkeys,
		OwnOperator: m.ownOperator,
		ownSecNonce: secNonce,
		ownPubNonce: pubNonce,
		nonces:      map[primitives.OperatorIdx]PubNonce{m.ownOperator: pubNonce},
		partialSigs: make(map[primitives.OperatorIdx]PartialSig),
	}
	m.sessions[txid] = s
	if err := m.persist(txid, s); err != nil {
		return txid, err
	}
	return txid, nil
}

// GetOwnNonce returns the public nonce this operator generated for txid.
func (m *SignatureManager) GetOwnNonce(txid primitives.BitcoinTxid) (PubNonce, error) {
	s, err := m.get(txid)
	if err != nil {
		return PubNonce{}, err
	}
	return s.ownPubNonce, nil
}

// AddNonce records fromOperator's pub nonce for txid. Returns true once
// every operator in the signing set has a nonce on file, at which point
// the aggregated nonce is computed and the session moves to
// statusSigsPending.
func (m *SignatureManager) AddNonce(txid primitives.BitcoinTxid, fromOperator primitives.OperatorIdx, nonce PubNonce) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[txid]
	if !ok {
		return false, fmt.Errorf("bridge: AddNonce: no session for txid %s", txid)
	}
	if _, known := s.Pubkeys[fromOperator]; !known {
		return false, fmt.Errorf("bridge: AddNonce: operator %d not in signing set for %s", fromOperator, txid)
	}

	s.nonces[fromOperator] = nonce

	allDone := len(s.nonces) == len(s.Pubkeys)
	if allDone && s.aggNonce == nil {
		idxs, _ := s.Pubkeys.sorted()
		ordered := make([]PubNonce, len(idxs))
		for i, idx := range idxs {
			ordered[i] = s.nonces[idx]
		}
		agg, err := m.engine.AggregateNonces(ordered)
		if err != nil {
			return false, err
		}
		s.aggNonce = &agg
	}
	if err := m.persist(txid, s); err != nil {
		return false, err
	}
	return allDone, nil
}

// AddOwnPartialSig computes and records this operator's partial signature
// for txid, which must already have an aggregated nonce (every operator's
// pub nonce collected via AddNonce).
func (m *SignatureManager) AddOwnPartialSig(txid primitives.BitcoinTxid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[txid]
	if !ok {
		return fmt.Errorf("bridge: AddOwnPartialSig: no session for txid %s", txid)
	}
	if s.aggNonce == nil {
		return fmt.Errorf("bridge: AddOwnPartialSig: nonces not yet aggregated for %s", txid)
	}
	if s.ownPartialSig != nil {
		return nil
	}

	msg, err := s.SigningData.SigMsg()
	if err != nil {
		return err
	}
	_, keys := s.Pubkeys.sorted()
	sig, err := m.engine.Sign(s.ownSecNonce, m.ownPriv, *s.aggNonce, keys, msg)
	if err != nil {
		return err
	}
	s.ownPartialSig = &sig
	s.partialSigs[s.OwnOperator] = sig
	return m.persist(txid, s)
}

// GetOwnPartialSig returns this operator's own partial signature for txid,
// if it's been computed yet.
func (m *SignatureManager) GetOwnPartialSig(txid primitives.BitcoinTxid) (PartialSig, bool, error) {
	s, err := m.get(txid)
	if err != nil {
		return PartialSig{}, false, err
	}
	if s.ownPartialSig == nil {
		return PartialSig{}, false, nil
	}
	return *s.ownPartialSig, true, nil
}

// AddPartialSig records fromOperator's partial signature for txid,
// returning true once every operator's partial signature is on file.
func (m *SignatureManager) AddPartialSig(txid primitives.BitcoinTxid, fromOperator primitives.OperatorIdx, sig PartialSig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[txid]
	if !ok {
		return false, fmt.Errorf("bridge: AddPartialSig: no session for txid %s", txid)
	}
	if _, known := s.Pubkeys[fromOperator]; !known {
		return false, fmt.Errorf("bridge: AddPartialSig: operator %d not in signing set for %s", fromOperator, txid)
	}

	s.partialSigs[fromOperator] = sig
	allSigned := s.isFullySigned()
	if err := m.persist(txid, s); err != nil {
		return false, err
	}
	return allSigned, nil
}

// FinalizeTransaction aggregates every collected partial signature into
// the final BIP-340 Schnorr signature, attaches it to the unsigned
// transaction, and returns the raw signed transaction bytes. Only valid
// once every operator's partial signature has been collected.
func (m *SignatureManager) FinalizeTransaction(txid primitives.BitcoinTxid) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[txid]
	if !ok {
		return nil, fmt.Errorf("bridge: FinalizeTransaction: no session for txid %s", txid)
	}
	if s.finalSig != nil {
		return s.SigningData.AttachSignature(*s.finalSig)
	}
	if !s.isFullySigned() {
		return nil, fmt.Errorf("bridge: FinalizeTransaction: not all partial sigs collected for %s", txid)
	}

	idxs, keys := s.Pubkeys.sorted()
	sigs := make([]PartialSig, len(idxs))
	for i, idx := range idxs {
		sigs[i] = s.partialSigs[idx]
	}
	msg, err := s.SigningData.SigMsg()
	if err != nil {
		return nil, err
	}

	finalSig, err := m.engine.CombineSigs(*s.aggNonce, sigs, keys, msg)
	if err != nil {
		return nil, err
	}
	s.finalSig = &finalSig
	if err := m.persist(txid, s); err != nil {
		return nil, err
	}
	return s.SigningData.AttachSignature(finalSig)
}

// get loads a session from memory, falling back to the persistent store
// (the operator process may have restarted between rounds).
func (m *SignatureManager) get(txid primitives.BitcoinTxid) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[txid]; ok {
		return s, nil
	}
	rec, found, err := m.store.GetSession(txid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bridge: no session for txid %s", txid)
	}
	s := fromRecord(rec)
	m.sessions[txid] = s
	return s, nil
}

func (m *SignatureManager) persist(txid primitives.BitcoinTxid, s *session) error {
	return m.store.PutSession(txid, toRecord(s))
}
