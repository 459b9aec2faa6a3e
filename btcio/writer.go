package btcio

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/primitives"
)

// MaxEnvelopePayloadSize bounds the payload one envelope transaction will
// carry. Bitcoin's standardness rules cap a transaction at 400k weight
// units; staying well under that leaves room for the commit side and the
// rest of the witness.
const MaxEnvelopePayloadSize = 380_000

// TxAssembler turns a reveal tapscript into a broadcastable transaction.
// Funding, key derivation, and UTXO selection live behind this boundary —
// they belong to the wallet, not the node core.
type TxAssembler interface {
	AssembleEnvelopeTx(script []byte) (rawTx []byte, txid primitives.BitcoinTxid, err error)
}

// IntentQueue is the broadcaster-store surface the writer enqueues onto.
// store.L1TxEntryStore satisfies it.
type IntentQueue interface {
	NextIndex() (uint64, error)
	PutEntry(idx uint64, entry *L1TxEntry) error
}

// EnvelopeHandle accepts payload intents (a checkpoint the sequencer wants
// on L1), wraps each in an envelope transaction, and queues it for the
// broadcast loop. Intents are deduplicated by id so a duty retried after a
// transient failure doesn't inscribe the same checkpoint twice.
//
// Dedup is in-memory per process; across restarts the duty layer already
// refuses to re-derive a CommitBatch duty for an epoch whose checkpoint
// entry exists, so a restart can't resubmit either.
type EnvelopeHandle struct {
	queue IntentQueue
	asm   TxAssembler
	tag   string

	mu   sync.Mutex
	seen map[primitives.Buf32]primitives.BitcoinTxid
}

// NewEnvelopeHandle wires a writer onto the broadcaster's entry queue.
func NewEnvelopeHandle(queue IntentQueue, asm TxAssembler, tag string) *EnvelopeHandle {
	return &EnvelopeHandle{
		queue: queue,
		asm:   asm,
		tag:   tag,
		seen:  make(map[primitives.Buf32]primitives.BitcoinTxid),
	}
}

// SubmitIntent inscribes payload under the handle's tag and queues the
// resulting transaction as Unpublished. A repeated id is a no-op.
func (h *EnvelopeHandle) SubmitIntent(id primitives.Buf32, payload []byte) error {
	if len(payload) > MaxEnvelopePayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if txid, ok := h.seen[id]; ok {
		blog.Debug("intent already queued", "intent", id, "txid", txid)
		return nil
	}

	script, err := BuildEnvelopeScript(h.tag, payload)
	if err != nil {
		return fmt.Errorf("btcio: building envelope script: %w", err)
	}
	rawTx, txid, err := h.asm.AssembleEnvelopeTx(script)
	if err != nil {
		return fmt.Errorf("btcio: assembling envelope tx: %w", err)
	}

	idx, err := h.queue.NextIndex()
	if err != nil {
		return err
	}
	entry := &L1TxEntry{
		RawTx:  rawTx,
		Txid:   txid,
		Status: L1TxStatus{Kind: L1TxUnpublished},
	}
	if err := h.queue.PutEntry(idx, entry); err != nil {
		return err
	}

	h.seen[id] = txid
	blog.Info("queued envelope tx", "intent", id, "txid", txid, "idx", idx, "payload_bytes", len(payload))
	return nil
}

// RefTxAssembler is the unfunded reference TxAssembler: it wraps the
// reveal script into a bare single-input transaction spending Anchor with
// the script as its only witness element. Devnets whose Bitcoin backend
// skips script validation accept these as-is; real deployments supply a
// wallet-backed assembler that funds a commit output and signs the reveal.
type RefTxAssembler struct {
	// Anchor is the outpoint the reveal spends.
	Anchor wire.OutPoint
	// ChangeScript receives the (zero-value, reference-only) output.
	ChangeScript []byte
}

// AssembleEnvelopeTx implements TxAssembler.
func (a *RefTxAssembler) AssembleEnvelopeTx(script []byte) ([]byte, primitives.BitcoinTxid, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: a.Anchor,
		Witness:          wire.TxWitness{script},
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: a.ChangeScript})

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, primitives.BitcoinTxid{}, err
	}
	return buf.Bytes(), primitives.BitcoinTxid(tx.TxHash()), nil
}
