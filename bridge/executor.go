package bridge

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basinrollup/basin/gossip"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/metrics"
	"github.com/basinrollup/basin/primitives"
)

var blog = log.Default().Module("bridge")

// Broadcaster is the narrow L1 submission surface the duty executor needs
// for the final signed transaction. Same shape as btcio.Broadcaster's
// SendRawTransaction, kept as its own interface so this package never
// imports btcio directly (leaf-package import direction: bridge sits
// alongside btcio, not above it).
type Broadcaster interface {
	SendRawTransaction(rawTx []byte) error
}

// MissingOrInvalidInput is implemented by broadcaster errors that mean "this
// input is already spent or doesn't exist" — btcio.InvalidInputsError
// implements it, without btcio importing this package. The duty executor
// treats such an error as success: someone else's spend of the same UTXO
// already landed.
type MissingOrInvalidInput interface {
	error
	MissingOrInvalidInput() bool
}

// ExecutorConfig tunes the duty executor's polling cadence and concurrency.
type ExecutorConfig struct {
	// PollInterval is how often the nonce- and signature-collection rounds
	// re-check gossip for new messages.
	PollInterval time.Duration
	// RoundTimeout bounds how long a single duty waits to collect every
	// operator's nonce, then separately its partial signature, before
	// giving up and marking the duty Failed.
	RoundTimeout time.Duration
	// Concurrency bounds how many duties a single batch processes at once
	// executes duty
	// tasks").
	Concurrency int
}

// DefaultExecutorConfig returns the spec's stated defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PollInterval: 100 * time.Millisecond,
		RoundTimeout: 30 * time.Second,
		Concurrency:  8,
	}
}

// DutyExecutor drives the per-operator bridge duty pipeline: poll for
// duties, run each one's MuSig2 ceremony over the gossip transport, and
// broadcast the finalized transaction. Grounded on
// bin/bridge-client/src/modes/operator/task_manager.rs's TaskManager plus
// crates/bridge-exec/src/handler.rs's ExecHandler, merged into one type
// since this tree doesn't separate "fetch+batch" from "sign one duty" into
// different crates.
type DutyExecutor struct {
	ownOperator primitives.OperatorIdx
	sigMgr      *SignatureManager
	duties      DutySource
	status      DutyStatusStore
	transport   gossip.Transport
	broadcaster Broadcaster
	config      ExecutorConfig
}

// NewDutyExecutor builds an executor for ownOperator.
func NewDutyExecutor(
	ownOperator primitives.OperatorIdx,
	sigMgr *SignatureManager,
	duties DutySource,
	status DutyStatusStore,
	transport gossip.Transport,
	broadcaster Broadcaster,
	config ExecutorConfig,
) *DutyExecutor {
	return &DutyExecutor{
		ownOperator: ownOperator,
		sigMgr:      sigMgr,
		duties:      duties,
		status:      status,
		transport:   transport,
		broadcaster: broadcaster,
		config:      config,
	}
}

// PollOnce fetches one batch of pending duties and runs them to
// completion, advancing the persisted cursor only if every duty in the
// batch succeeded. Meant to be called
// repeatedly by the caller's own poll-loop/shutdown-guard plumbing, the
// same way btcio.BroadcastLoop.Tick is driven externally rather than owning
// its own ticker.
func (e *DutyExecutor) PollOnce(ctx context.Context) error {
	cursor, err := e.status.GetCursor()
	if err != nil {
		return fmt.Errorf("bridge: reading duty cursor: %w", err)
	}

	duties, err := e.duties.FetchDuties(cursor)
	if err != nil {
		return fmt.Errorf("bridge: fetching duties: %w", err)
	}
	if len(duties) == 0 {
		return nil
	}

	todo := make([]BridgeDuty, 0, len(duties))
	for _, d := range duties {
		st, found, err := e.status.GetStatus(d.TrackerTxid)
		if err != nil {
			return err
		}
		if found && st.Kind == DutyExecuted {
			continue
		}
		todo = append(todo, d)
	}

	anyFailed := e.runBatch(ctx, todo)

	stopIndex := duties[len(duties)-1].Index + 1
	if anyFailed {
		blog.Warn("duty batch had failures, cursor not advanced", "batch_size", len(todo))
		return nil
	}
	return e.status.SetCursor(stopIndex)
}

// runBatch dispatches every duty in todo to a bounded worker pool and
// blocks until all complete, returning whether any failed.
func (e *DutyExecutor) runBatch(ctx context.Context, todo []BridgeDuty) bool {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)

	anyFailed := false
	for _, duty := range todo {
		duty := duty
		g.Go(func() error {
			if err := e.processDuty(gctx, duty); err != nil {
				anyFailed = true
				blog.Warn("duty failed", "txid", duty.TrackerTxid, "err", err)
			}
			return nil // never abort the group; every duty gets its own attempt
		})
	}
	_ = g.Wait()
	return anyFailed
}

// processDuty runs one duty's full ceremony: status Received, sign, collect
// nonces, collect signatures, finalize, broadcast, status Executed/Failed.
func (e *DutyExecutor) processDuty(ctx context.Context, duty BridgeDuty) error {
	if err := e.status.PutStatus(duty.TrackerTxid, DutyStatus{Kind: DutyReceived}); err != nil {
		return err
	}

	if err := e.execute(ctx, duty); err != nil {
		_ = e.status.PutStatus(duty.TrackerTxid, DutyStatus{Kind: DutyFailed, Reason: err.Error()})
		metrics.BridgeDutiesFailed.Inc()
		return err
	}

	metrics.BridgeDutiesExecuted.Inc()
	return e.status.PutStatus(duty.TrackerTxid, DutyStatus{Kind: DutyExecuted})
}

func (e *DutyExecutor) execute(ctx context.Context, duty BridgeDuty) error {
	txid, err := e.sigMgr.AddTxState(duty.SigningData, duty.Pubkeys)
	if err != nil && err != ErrDuplicateSession {
		return err
	}

	if err := e.collectNonces(ctx, txid, duty.Pubkeys); err != nil {
		return err
	}
	if err := e.collectSignatures(ctx, txid, duty.Pubkeys); err != nil {
		return err
	}

	signedTx, err := e.sigMgr.FinalizeTransaction(txid)
	if err != nil {
		return fmt.Errorf("bridge: finalizing %s: %w", txid, err)
	}

	if err := e.broadcaster.SendRawTransaction(signedTx); err != nil {
		var mii MissingOrInvalidInput
		if asMissingOrInvalidInput(err, &mii) {
			blog.Info("duty satisfied by a prior broadcast", "txid", txid, "err", err)
			return nil
		}
		return fmt.Errorf("bridge: broadcasting %s: %w", txid, err)
	}
	return nil
}

// collectNonces broadcasts this operator's own pub nonce and polls gossip
// under Scope::V0PubNonce(txid) until every operator's nonce is on file.
func (e *DutyExecutor) collectNonces(ctx context.Context, txid primitives.BitcoinTxid, pubkeys PubkeyTable) error {
	scope := gossip.Scope{Kind: gossip.ScopeV0PubNonce, Txid: txid}

	ownNonce, err := e.sigMgr.GetOwnNonce(txid)
	if err != nil {
		return err
	}

	// The transport only delivers to current subscribers, so subscribe
	// before broadcasting and answer every newly seen peer nonce with our
	// own: a peer that joined the round after our first broadcast still
	// receives it.
	ch, unsubscribe := e.transport.Subscribe(scope)
	defer unsubscribe()

	if err := e.broadcastPayload(scope, ownNonce[:]); err != nil {
		return err
	}

	deadline := time.NewTimer(e.config.RoundTimeout)
	defer deadline.Stop()

	for {
		complete, err := e.nonceComplete(txid, pubkeys)
		if err != nil {
			return err
		}
		if complete {
			return nil
		}

		select {
		case msg := <-ch:
			if !e.verifyFrom(msg, pubkeys) {
				blog.Warn("dropping unverifiable nonce message", "from", msg.SourceID, "txid", txid)
				continue
			}
			var nonce PubNonce
			if len(msg.Payload) != len(nonce) {
				blog.Warn("dropping malformed nonce message", "from", msg.SourceID, "txid", txid)
				continue
			}
			copy(nonce[:], msg.Payload)
			before, _ := e.nonceCounts(txid)
			if _, err := e.sigMgr.AddNonce(txid, msg.SourceID, nonce); err != nil {
				blog.Warn("dropping unusable nonce message", "from", msg.SourceID, "txid", txid, "err", err)
			} else if after, _ := e.nonceCounts(txid); after > before {
				if err := e.broadcastPayload(scope, ownNonce[:]); err != nil {
					return err
				}
			}
		case <-time.After(e.config.PollInterval):
		case <-deadline.C:
			have, _ := e.nonceCounts(txid)
			return &NonceTimeoutError{Txid: txid.String(), Have: have, Want: len(pubkeys)}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// collectSignatures mirrors collectNonces for the partial-signature round
// under Scope::V0Sig(txid), short-circuiting if the session is already
// fully signed (handler.rs's tx_state.is_fully_signed() check).
func (e *DutyExecutor) collectSignatures(ctx context.Context, txid primitives.BitcoinTxid, pubkeys PubkeyTable) error {
	if _, fullySigned, err := e.sigManagerFullySigned(txid); err != nil {
		return err
	} else if fullySigned {
		return nil
	}

	if err := e.sigMgr.AddOwnPartialSig(txid); err != nil {
		return err
	}
	ownSig, _, err := e.sigMgr.GetOwnPartialSig(txid)
	if err != nil {
		return err
	}

	scope := gossip.Scope{Kind: gossip.ScopeV0Sig, Txid: txid}

	// Same delivery rule as the nonce round: subscribe first, then answer
	// every newly seen peer signature with our own.
	ch, unsubscribe := e.transport.Subscribe(scope)
	defer unsubscribe()

	if err := e.broadcastPayload(scope, ownSig[:]); err != nil {
		return err
	}

	deadline := time.NewTimer(e.config.RoundTimeout)
	defer deadline.Stop()

	for {
		_, complete, err := e.sigManagerFullySigned(txid)
		if err != nil {
			return err
		}
		if complete {
			return nil
		}

		select {
		case msg := <-ch:
			if !e.verifyFrom(msg, pubkeys) {
				blog.Warn("dropping unverifiable partial sig message", "from", msg.SourceID, "txid", txid)
				continue
			}
			var sig PartialSig
			if len(msg.Payload) != len(sig) {
				blog.Warn("dropping malformed partial sig message", "from", msg.SourceID, "txid", txid)
				continue
			}
			copy(sig[:], msg.Payload)
			before, _, _ := e.sigManagerFullySigned(txid)
			if _, err := e.sigMgr.AddPartialSig(txid, msg.SourceID, sig); err != nil {
				blog.Warn("dropping unusable partial sig message", "from", msg.SourceID, "txid", txid, "err", err)
			} else if after, _, _ := e.sigManagerFullySigned(txid); after > before {
				if err := e.broadcastPayload(scope, ownSig[:]); err != nil {
					return err
				}
			}
		case <-time.After(e.config.PollInterval):
		case <-deadline.C:
			have, _, _ := e.sigManagerFullySigned(txid)
			return &SigTimeoutError{Txid: txid.String(), Have: have, Want: len(pubkeys)}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *DutyExecutor) nonceComplete(txid primitives.BitcoinTxid, pubkeys PubkeyTable) (bool, error) {
	have, err := e.nonceCounts(txid)
	if err != nil {
		return false, err
	}
	return have >= len(pubkeys), nil
}

func (e *DutyExecutor) nonceCounts(txid primitives.BitcoinTxid) (int, error) {
	s, err := e.sigMgr.get(txid)
	if err != nil {
		return 0, err
	}
	return len(s.nonces), nil
}

func (e *DutyExecutor) sigManagerFullySigned(txid primitives.BitcoinTxid) (int, bool, error) {
	s, err := e.sigMgr.get(txid)
	if err != nil {
		return 0, false, err
	}
	return len(s.partialSigs), s.isFullySigned(), nil
}

func (e *DutyExecutor) broadcastPayload(scope gossip.Scope, payload []byte) error {
	msg, err := gossip.Sign(e.ownOperator, scope, payload, e.sigMgr.ownPriv)
	if err != nil {
		return err
	}
	return e.transport.Broadcast(msg)
}

// verifyFrom checks that msg really came from the operator it claims to,
// against that operator's known wallet pubkey (also its gossip signing
// key). A message from an operator outside the signing set, or with a bad
// signature, is never acted on.
func (e *DutyExecutor) verifyFrom(msg *gossip.BridgeMessage, pubkeys PubkeyTable) bool {
	pub, ok := pubkeys[msg.SourceID]
	if !ok {
		return false
	}
	ok, err := msg.Verify(pub)
	return ok && err == nil
}

func asMissingOrInvalidInput(err error, target *MissingOrInvalidInput) bool {
	if e, ok := err.(MissingOrInvalidInput); ok && e.MissingOrInvalidInput() {
		*target = e
		return true
	}
	return false
}
