package store

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/primitives"
)

type protocolOpWire struct {
	Kind             uint8
	CheckpointBytes  []byte
	ELAddress        [20]byte
	DepositAmtSats   uint64
	TakebackLeafHash [32]byte
	OperatorIdx      uint32
	DepositIdx       uint32
	DepositTxid      [32]byte
	PayoutAmtSats    uint64
}

func toOpWire(op chainstate.ProtocolOperation) protocolOpWire {
	return protocolOpWire{
		Kind:             uint8(op.Kind),
		CheckpointBytes:  op.CheckpointBytes,
		ELAddress:        op.ELAddress,
		DepositAmtSats:   uint64(op.DepositAmt),
		TakebackLeafHash: [32]byte(op.TakebackLeafHash),
		OperatorIdx:      uint32(op.OperatorIdx),
		DepositIdx:       op.DepositIdx,
		DepositTxid:      [32]byte(op.DepositTxid),
		PayoutAmtSats:    uint64(op.PayoutAmt),
	}
}

func (w protocolOpWire) toOp() chainstate.ProtocolOperation {
	return chainstate.ProtocolOperation{
		Kind:             chainstate.ProtocolOperationKind(w.Kind),
		CheckpointBytes:  w.CheckpointBytes,
		ELAddress:        w.ELAddress,
		DepositAmt:       primitives.BitcoinAmount(w.DepositAmtSats),
		TakebackLeafHash: primitives.Buf32(w.TakebackLeafHash),
		OperatorIdx:      primitives.OperatorIdx(w.OperatorIdx),
		DepositIdx:       w.DepositIdx,
		DepositTxid:      primitives.BitcoinTxid(w.DepositTxid),
		PayoutAmt:        primitives.BitcoinAmount(w.PayoutAmtSats),
	}
}

type extractedTxWire struct {
	Txid [32]byte
	Ops  []protocolOpWire
}

type manifestWire struct {
	Blkid               [32]byte
	RawHeaderBytes      []byte
	TxRoot              [32]byte
	LastVerifiedHash    [32]byte
	NextBlockTarget     uint32
	TotalAccumulatedPoW [32]byte
	ExtractedTxs        []extractedTxWire
	Epoch               uint64
	Height              uint64
}

func toManifestWire(m chainstate.L1BlockManifest) manifestWire {
	txs := make([]extractedTxWire, len(m.ExtractedTxs))
	for i, tx := range m.ExtractedTxs {
		ops := make([]protocolOpWire, len(tx.Ops))
		for j, op := range tx.Ops {
			ops[j] = toOpWire(op)
		}
		txs[i] = extractedTxWire{Txid: [32]byte(tx.Txid), Ops: ops}
	}
	return manifestWire{
		Blkid:               [32]byte(m.Record.Blkid),
		RawHeaderBytes:      m.Record.RawHeaderBytes,
		TxRoot:              [32]byte(m.Record.TxRoot),
		LastVerifiedHash:    [32]byte(m.HeaderVerificationState.LastVerifiedBlockHash),
		NextBlockTarget:     m.HeaderVerificationState.NextBlockTarget,
		TotalAccumulatedPoW: m.HeaderVerificationState.TotalAccumulatedPoW,
		ExtractedTxs:        txs,
		Epoch:               m.Epoch,
		Height:              m.Height,
	}
}

func (w manifestWire) toManifest() chainstate.L1BlockManifest {
	txs := make([]chainstate.ExtractedTx, len(w.ExtractedTxs))
	for i, tw := range w.ExtractedTxs {
		ops := make([]chainstate.ProtocolOperation, len(tw.Ops))
		for j, ow := range tw.Ops {
			ops[j] = ow.toOp()
		}
		txs[i] = chainstate.ExtractedTx{Txid: primitives.BitcoinTxid(tw.Txid), Ops: ops}
	}
	return chainstate.L1BlockManifest{
		Record: chainstate.L1HeaderRecord{
			Blkid:          primitives.L1BlockId(w.Blkid),
			RawHeaderBytes: w.RawHeaderBytes,
			TxRoot:         primitives.Buf32(w.TxRoot),
		},
		HeaderVerificationState: chainstate.HeaderVerificationState{
			LastVerifiedBlockHash: primitives.L1BlockId(w.LastVerifiedHash),
			NextBlockTarget:       w.NextBlockTarget,
			TotalAccumulatedPoW:   w.TotalAccumulatedPoW,
		},
		ExtractedTxs: txs,
		Epoch:        w.Epoch,
		Height:       w.Height,
	}
}

// ManifestStore persists L1BlockManifests keyed by L1 height, satisfying
// l1reader.ManifestSink.
type ManifestStore struct {
	db    *DB
	cache *Cache
}

// NewManifestStore wraps db (and an optional hot-entry cache) for manifest
// storage.
func NewManifestStore(db *DB, cache *Cache) *ManifestStore {
	return &ManifestStore{db: db, cache: cache}
}

// StoreManifest implements l1reader.ManifestSink.
func (s *ManifestStore) StoreManifest(m chainstate.L1BlockManifest) error {
	raw, err := borsh.Serialize(toManifestWire(m))
	if err != nil {
		return fmt.Errorf("store: encoding manifest at height %d: %w", m.Height, err)
	}
	if err := s.db.put(cfManifests, m.Height, raw); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(idxKey(cfManifests, m.Height))
	}
	return nil
}

// GetManifest retrieves the manifest at the given L1 height, if present.
func (s *ManifestStore) GetManifest(height uint64) (chainstate.L1BlockManifest, bool, error) {
	fetch := func() ([]byte, bool, error) { return s.db.get(cfManifests, height) }
	var raw []byte
	var found bool
	var err error
	if s.cache != nil {
		raw, found, err = s.cache.GetOrFetch(idxKey(cfManifests, height), fetch)
	} else {
		raw, found, err = fetch()
	}
	if err != nil || !found {
		return chainstate.L1BlockManifest{}, found, err
	}
	var w manifestWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return chainstate.L1BlockManifest{}, false, fmt.Errorf("store: decoding manifest at height %d: %w", height, err)
	}
	return w.toManifest(), true, nil
}
