package sequencer

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/chaintsn"
	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/metrics"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

// TipSource reports the current canonical L2 tip. forkchoice.Manager
// satisfies it.
type TipSource interface {
	Tip() primitives.L2BlockCommitment
}

// ChainstateSource loads committed chainstates by slot.
type ChainstateSource interface {
	GetChainstate(slot uint64) (*chainstate.Chainstate, bool, error)
}

// BlockSink receives every block the worker produces: persist it, attach
// it to fork choice, and feed the CSM a NewTipBlock sync event. The worker
// considers the SignBlock duty done once this returns nil.
type BlockSink interface {
	PersistBlock(blkid primitives.L2BlockId, blk *SignedL2Block, postState *chainstate.Chainstate) error
}

// CheckpointSink is the checkpoint-store surface duty dispatch needs.
type CheckpointSink interface {
	// HaveCheckpoint reports whether an entry exists for epoch, in any
	// lifecycle status.
	HaveCheckpoint(epoch uint64) (bool, error)
	// CheckpointDigest returns the signing digest of the stored
	// checkpoint for epoch, for chaining into the next BatchTransition.
	CheckpointDigest(epoch uint64) (primitives.Buf32, bool, error)
	PutPending(cp checkpoint.Checkpoint) error
}

// ProofSource produces the ZK proof for an epoch's transition. A nil
// proof with nil error means the prover hasn't caught up yet.
type ProofSource interface {
	ProofForEpoch(epoch uint64, t checkpoint.BatchTransition) ([]byte, error)
}

// NoProver is the ProofSource for deployments running without a prover:
// every checkpoint goes out with an empty proof, acceptable under
// params.ProofPublishMode Timeout once the window elapses.
type NoProver struct{}

func (NoProver) ProofForEpoch(uint64, checkpoint.BatchTransition) ([]byte, error) { return nil, nil }

// EnvelopeSubmitter queues a signed checkpoint payload for inscription on
// L1. btcio.EnvelopeHandle satisfies it.
type EnvelopeSubmitter interface {
	SubmitIntent(id primitives.Buf32, payload []byte) error
}

// ErrProofNotReady is returned (and swallowed into a retry) when a
// CommitBatch duty can't go out because ProofPublishMode is strict and
// the prover hasn't produced the epoch's proof yet.
var ErrProofNotReady = fmt.Errorf("sequencer: proof not ready for strict publish mode")

// epochAccum tracks the running bounds of the epoch currently being
// produced, so the worker can snapshot a ClosedEpoch the moment a block
// closes it. It is in-memory: a sequencer restarted mid-epoch re-seeds on
// the next epoch boundary and skips committing the epoch it lost the
// bounds for (the duty re-arms because no checkpoint entry was written).
type epochAccum struct {
	active       bool
	epoch        uint64
	l1Start      primitives.L1BlockCommitment
	l1End        primitives.L1BlockCommitment
	l2Start      primitives.L2BlockCommitment
	preStateHash primitives.Buf32
}

// DutyWorker drives the sequencer's duty loop: on every tick it refreshes
// the duty tracker from the current chain view, extracts the implied
// duties, and dispatches the ones not yet performed. SignBlock duties run
// block assembly and hand the result to the BlockSink; CommitBatch duties
// sign the epoch's checkpoint, record it Pending, and queue its envelope
// for L1.
type DutyWorker struct {
	tracker *DutyTracker
	asm     *BlockAssembler
	tips    TipSource
	chs     ChainstateSource
	genesis func() *chainstate.Chainstate
	sink    BlockSink
	ckpts   CheckpointSink
	proofs  ProofSource
	env     EnvelopeSubmitter
	priv    *btcec.PrivateKey
	params  *params.RollupParams

	// performed guards against re-dispatching a duty that succeeded but
	// hasn't expired out of the tracker yet (CommitBatch entries live
	// until their epoch finalizes).
	performed map[primitives.Buf32]struct{}

	acc    epochAccum
	closed *ClosedEpoch
}

// NewDutyWorker wires a duty worker. genesis supplies the slot-0
// chainstate for the very first block.
func NewDutyWorker(
	asm *BlockAssembler,
	tips TipSource,
	chs ChainstateSource,
	genesis func() *chainstate.Chainstate,
	sink BlockSink,
	ckpts CheckpointSink,
	proofs ProofSource,
	env EnvelopeSubmitter,
	priv *btcec.PrivateKey,
	p *params.RollupParams,
) *DutyWorker {
	return &DutyWorker{
		tracker:   NewDutyTracker(),
		asm:       asm,
		tips:      tips,
		chs:       chs,
		genesis:   genesis,
		sink:      sink,
		ckpts:     ckpts,
		proofs:    proofs,
		env:       env,
		priv:      priv,
		params:    p,
		performed: make(map[primitives.Buf32]struct{}),
	}
}

// Tick runs one duty round: update the tracker against the current view,
// extract fresh duties, dispatch everything outstanding. Duty failures
// are logged and retried next tick rather than propagated; only view
// errors (storage, extraction) are returned.
func (w *DutyWorker) Tick(now time.Time, latestFinalizedBatch *uint64) error {
	tip := w.tips.Tip()

	evicted := w.tracker.Update(NewStateUpdate(tip.Slot, now, nil, latestFinalizedBatch))
	if evicted > 0 {
		balog.Debug("evicted expired duties", "n", evicted)
	}
	w.pruneCompleted()

	duties, err := ExtractDuties(ExtractionInput{
		TipSlot:        tip.Slot,
		TipBlkid:       tip.Blkid,
		BlockTimeMs:    w.params.BlockTimeMs,
		Now:            now,
		Closed:         w.closed,
		HaveCheckpoint: w.ckpts.HaveCheckpoint,
	})
	if err != nil {
		return err
	}
	if err := w.tracker.AddDuties(tip.Blkid, tip.Slot, duties); err != nil {
		return err
	}

	signedThisTick := false
	for _, entry := range w.tracker.Duties() {
		if _, done := w.performed[entry.ID]; done {
			continue
		}

		var perr error
		switch entry.Duty.Kind {
		case DutySignBlock:
			// One block per tick; a retried duty can coexist with a
			// re-extracted one for the same slot.
			if signedThisTick || entry.Duty.SignBlock.Slot != tip.Slot+1 {
				// Stale target slot; the tracker evicts it next update.
				continue
			}
			perr = w.performSignBlock(entry.Duty.SignBlock, now)
			signedThisTick = perr == nil
		case DutyCommitBatch:
			perr = w.performCommitBatch(entry.Duty.CommitBatch)
		}

		if perr != nil {
			balog.Warn("duty failed, will retry", "duty", entry.ID, "err", perr)
			continue
		}
		w.performed[entry.ID] = struct{}{}
	}
	return nil
}

// pruneCompleted drops performed-markers for duties no longer tracked, so
// the set doesn't grow without bound.
func (w *DutyWorker) pruneCompleted() {
	for id := range w.performed {
		if _, tracked := w.tracker.ids[id]; !tracked {
			delete(w.performed, id)
		}
	}
}

func (w *DutyWorker) performSignBlock(d BlockSigningDuty, now time.Time) error {
	prevSlot := d.Slot - 1
	prevState, found, err := w.chs.GetChainstate(prevSlot)
	if err != nil {
		return err
	}
	if !found {
		if prevSlot != 0 {
			return fmt.Errorf("sequencer: missing chainstate at slot %d", prevSlot)
		}
		prevState = w.genesis()
	}

	ts := uint64(now.Unix())
	header, body, _, err := w.asm.PrepareBlock(d.Slot, d.Parent, prevState, ts)
	if err != nil {
		return err
	}

	sig, err := SignHeader(*header, w.priv)
	if err != nil {
		return err
	}
	blkid, err := header.BlockId()
	if err != nil {
		return err
	}

	// Re-run the STF over the assembled body; PrepareBlock already did
	// this internally to derive the state root, but the sink needs the
	// post-state itself to persist.
	postState := prevState.Clone()
	headerCtx := chaintsn.BlockHeaderContext{Slot: d.Slot, ParentBlkid: d.Parent, ParentEpoch: header.Epoch}
	if _, err := chaintsn.ProcessBlock(postState, headerCtx, body, w.params); err != nil {
		return fmt.Errorf("sequencer: applying assembled block at slot %d: %w", d.Slot, err)
	}

	if err := w.trackEpochBounds(d.Slot, blkid, prevState, postState, body); err != nil {
		return err
	}

	blk := &SignedL2Block{Header: *header, Body: *body, Sig: sig}
	if err := w.sink.PersistBlock(blkid, blk, postState); err != nil {
		return err
	}

	metrics.BlocksProduced.Inc()
	balog.Info("produced block", "slot", d.Slot, "blkid", blkid, "epoch", header.Epoch)
	return nil
}

// trackEpochBounds folds one produced block into the running epoch
// accumulator and snapshots a ClosedEpoch when the block closes its epoch.
func (w *DutyWorker) trackEpochBounds(slot uint64, blkid primitives.L2BlockId, prevState, postState *chainstate.Chainstate, body *chaintsn.L2BlockBody) error {
	if !w.acc.active || w.acc.epoch != postState.CurEpoch {
		// Only an epoch's first block seeds the accumulator; a block from
		// the middle of an epoch (after a restart) leaves it inactive.
		if !prevState.EpochFinishing && prevState.PrevEpoch.LastSlot+1 != slot {
			w.acc.active = false
			return nil
		}
		preRoot, err := computeStateRoot(prevState)
		if err != nil {
			return err
		}
		w.acc = epochAccum{
			active:       true,
			epoch:        postState.CurEpoch,
			l2Start:      primitives.L2BlockCommitment{Slot: slot, Blkid: blkid},
			preStateHash: preRoot,
			l1Start: primitives.L1BlockCommitment{
				Height: prevState.L1View.SafeHeight,
			},
		}
		if len(body.L1Segment.NewManifests) > 0 {
			first := body.L1Segment.NewManifests[0]
			w.acc.l1Start = primitives.L1BlockCommitment{Height: first.Height, Blkid: first.BlockId()}
		}
	}

	if n := len(body.L1Segment.NewManifests); n > 0 {
		last := body.L1Segment.NewManifests[n-1]
		w.acc.l1End = primitives.L1BlockCommitment{Height: last.Height, Blkid: last.BlockId()}
	}

	if !postState.EpochFinishing {
		return nil
	}

	postRoot, err := computeStateRoot(postState)
	if err != nil {
		return err
	}

	var prevCkpt primitives.Buf32
	if w.acc.epoch > 0 {
		digest, found, err := w.ckpts.CheckpointDigest(w.acc.epoch - 1)
		if err != nil {
			return err
		}
		if found {
			prevCkpt = digest
		}
	}

	w.closed = &ClosedEpoch{
		Epoch:     w.acc.epoch,
		LastSlot:  slot,
		LastBlkid: blkid,
		Bounds: EpochBounds{
			L1Start: w.acc.l1Start,
			L1End:   w.acc.l1End,
			L2Start: w.acc.l2Start,
		},
		PreStateHash:   w.acc.preStateHash,
		PostStateHash:  postRoot,
		PrevCheckpoint: prevCkpt,
	}
	w.acc.active = false

	metrics.EpochsClosed.Inc()
	balog.Info("epoch closed", "epoch", w.closed.Epoch, "last_slot", slot)
	return nil
}

func (w *DutyWorker) performCommitBatch(d BatchCheckpointDuty) error {
	proof, err := w.proofs.ProofForEpoch(d.Idx(), d.BatchTransition)
	if err != nil {
		return err
	}
	if len(proof) == 0 && w.params.ProofPublishMode.Strict {
		return ErrProofNotReady
	}

	cp := checkpoint.Checkpoint{
		Info:       d.BatchInfo,
		Transition: d.BatchTransition,
		Proof:      proof,
	}

	digest, err := checkpoint.SigningDigest(cp)
	if err != nil {
		return err
	}
	sig, err := signDigest(digest, w.priv)
	if err != nil {
		return err
	}

	if err := w.ckpts.PutPending(cp); err != nil {
		return err
	}

	payload, err := checkpoint.MarshalSignedCheckpoint(checkpoint.SignedCheckpoint{Checkpoint: cp, Sig: sig})
	if err != nil {
		return err
	}
	if err := w.env.SubmitIntent(digest, payload); err != nil {
		return err
	}

	metrics.CheckpointsCommitted.Inc()
	balog.Info("committed batch checkpoint", "epoch", d.Idx(), "proof_bytes", len(proof))
	return nil
}

// signDigest signs an already-hashed 32-byte digest with the sequencer
// identity key, the counterpart of checkpoint.VerifyCredential.
func signDigest(digest primitives.Buf32, priv *btcec.PrivateKey) (primitives.Buf64, error) {
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return primitives.Buf64{}, fmt.Errorf("sequencer: signing checkpoint: %w", err)
	}
	return primitives.Buf64(sig.Serialize()), nil
}
