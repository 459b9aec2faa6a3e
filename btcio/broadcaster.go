package btcio

import (
	"fmt"
	"time"

	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/metrics"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

var blog = log.Default().Module("btcio")

// L1TxStatusKind tags the sum type L1TxStatus.
type L1TxStatusKind uint8

const (
	L1TxUnpublished L1TxStatusKind = iota
	L1TxPublished
	L1TxConfirmed
	L1TxFinalized
	L1TxInvalidInputs
)

func (k L1TxStatusKind) String() string {
	switch k {
	case L1TxUnpublished:
		return "Unpublished"
	case L1TxPublished:
		return "Published"
	case L1TxConfirmed:
		return "Confirmed"
	case L1TxFinalized:
		return "Finalized"
	case L1TxInvalidInputs:
		return "InvalidInputs"
	default:
		return "Unknown"
	}
}

// L1TxStatus is the broadcast lifecycle state of one submitted L1
// transaction. Confirmations is only meaningful for Confirmed/Finalized.
type L1TxStatus struct {
	Kind          L1TxStatusKind
	Confirmations uint64
}

// L1TxEntry is a transaction queued for broadcast, tracked until it's
// either finalized or permanently rejected.
type L1TxEntry struct {
	RawTx  []byte
	Txid   primitives.BitcoinTxid
	Status L1TxStatus
}

// Broadcaster is the narrow Bitcoin RPC surface the broadcast loop needs:
// submit a raw transaction and poll for its confirmation depth.
type Broadcaster interface {
	SendRawTransaction(rawTx []byte) error
	GetConfirmations(txid primitives.BitcoinTxid) (uint64, error)
}

// TxNotFoundError is returned by Broadcaster.GetConfirmations when the node
// has no record of the transaction at all (as opposed to zero
// confirmations, which means it's known but unconfirmed).
type TxNotFoundError struct{ Txid primitives.BitcoinTxid }

func (e *TxNotFoundError) Error() string {
	return fmt.Sprintf("btcio: tx %s not found", e.Txid)
}

// InvalidInputsError is returned by Broadcaster.SendRawTransaction when the
// node rejects the tx for spending missing or already-spent inputs — a
// terminal condition, not a retry candidate.
type InvalidInputsError struct{ Reason string }

func (e *InvalidInputsError) Error() string {
	return fmt.Sprintf("btcio: tx rejected, invalid inputs: %s", e.Reason)
}

// MissingOrInvalidInput satisfies bridge.MissingOrInvalidInput, letting the
// bridge duty executor treat this as a terminal success (someone else's
// spend of the same UTXO already landed) without btcio importing bridge.
func (e *InvalidInputsError) MissingOrInvalidInput() bool { return true }

// BroadcasterConfig tunes the poll loop.
type BroadcasterConfig struct {
	PollInterval    time.Duration
	L1ReorgSafeDepth uint64
}

// DefaultBroadcasterConfig polls every 5 seconds, mirroring typical L1
// follower cadence elsewhere in the node.
func DefaultBroadcasterConfig(p *params.RollupParams) BroadcasterConfig {
	return BroadcasterConfig{
		PollInterval:     5 * time.Second,
		L1ReorgSafeDepth: p.L1ReorgSafeDepth,
	}
}

// EntryStore persists L1TxEntries, keyed by an opaque index assigned at
// insertion (the order transactions were queued for broadcast).
type EntryStore interface {
	GetEntry(idx uint64) (*L1TxEntry, bool, error)
	PutEntry(idx uint64, entry *L1TxEntry) error
	UnfinalizedIndices() ([]uint64, error)
}

// BroadcastLoop drives L1TxEntries through their lifecycle: publishing
// Unpublished entries, then polling Published/Confirmed entries for depth
// until they're Finalized or rejected.
type BroadcastLoop struct {
	client Broadcaster
	store  EntryStore
	config BroadcasterConfig
}

func NewBroadcastLoop(client Broadcaster, store EntryStore, config BroadcasterConfig) *BroadcastLoop {
	return &BroadcastLoop{client: client, store: store, config: config}
}

// Tick processes every unfinalized entry once, persisting whichever ones
// changed status. It's meant to be called on each PollInterval tick by the
// caller's run loop (kept outside this type so callers can drive it from
// their own task-manager/shutdown-guard plumbing, matching the rest of the
// node's worker style).
func (b *BroadcastLoop) Tick() error {
	indices, err := b.store.UnfinalizedIndices()
	if err != nil {
		return err
	}
	metrics.BroadcasterQueueDepth.Set(float64(len(indices)))

	for _, idx := range indices {
		entry, ok, err := b.store.GetEntry(idx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		newStatus, changed, err := b.processEntry(entry)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}

		blog.Debug("tx status updated", "idx", idx, "txid", entry.Txid, "status", newStatus)
		entry.Status = newStatus
		if err := b.store.PutEntry(idx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (b *BroadcastLoop) processEntry(entry *L1TxEntry) (L1TxStatus, bool, error) {
	switch entry.Status.Kind {
	case L1TxUnpublished:
		status, err := b.publish(entry)
		return status, true, err

	case L1TxPublished, L1TxConfirmed:
		status, err := b.checkConfirmations(entry)
		return status, true, err

	case L1TxFinalized, L1TxInvalidInputs:
		return entry.Status, false, nil
	}
	return entry.Status, false, nil
}

func (b *BroadcastLoop) publish(entry *L1TxEntry) (L1TxStatus, error) {
	blog.Debug("publishing tx", "txid", entry.Txid)
	err := b.client.SendRawTransaction(entry.RawTx)
	if err == nil {
		blog.Info("published tx", "txid", entry.Txid)
		metrics.BroadcasterPublished.Inc()
		return L1TxStatus{Kind: L1TxPublished}, nil
	}

	var invalid *InvalidInputsError
	if asInvalidInputs(err, &invalid) {
		blog.Warn("tx excluded due to invalid inputs", "txid", entry.Txid, "err", err)
		return L1TxStatus{Kind: L1TxInvalidInputs}, nil
	}

	blog.Warn("errored while broadcasting", "txid", entry.Txid, "err", err)
	return L1TxStatus{}, err
}

func (b *BroadcastLoop) checkConfirmations(entry *L1TxEntry) (L1TxStatus, error) {
	confs, err := b.client.GetConfirmations(entry.Txid)
	if err != nil {
		var notFound *TxNotFoundError
		if asTxNotFound(err, &notFound) {
			// Known to us but the node has forgotten it: an L1 reorg
			// evicted it from the mempool/chain.
			return L1TxStatus{Kind: L1TxUnpublished}, nil
		}
		return L1TxStatus{}, err
	}

	switch {
	case confs == 0 && entry.Status.Kind == L1TxPublished:
		return L1TxStatus{Kind: L1TxPublished}, nil
	case confs == 0:
		// Was confirmed before, now at zero: L1 reorged it out.
		return L1TxStatus{Kind: L1TxUnpublished}, nil
	case confs >= b.config.L1ReorgSafeDepth:
		return L1TxStatus{Kind: L1TxFinalized, Confirmations: confs}, nil
	default:
		return L1TxStatus{Kind: L1TxConfirmed, Confirmations: confs}, nil
	}
}

func asInvalidInputs(err error, target **InvalidInputsError) bool {
	if e, ok := err.(*InvalidInputsError); ok {
		*target = e
		return true
	}
	return false
}

func asTxNotFound(err error, target **TxNotFoundError) bool {
	if e, ok := err.(*TxNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
