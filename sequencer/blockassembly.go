package sequencer

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/chaintsn"
	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/engine"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

var balog = log.Default().Module("sequencer")

// pollInterval/pollTimeout bound how long block assembly waits for the
// engine to finish a payload job.
const (
	pollInterval = 100 * time.Millisecond
	pollTimeout  = 3 * time.Second
)

// ErrBlockAssemblyTimedOut is returned when the engine hasn't produced a
// payload within pollTimeout.
var ErrBlockAssemblyTimedOut = fmt.Errorf("sequencer: block assembly timed out waiting for engine payload")

// L2BlockHeader is the unsigned header half of an assembled block. Unlike
// the distilled spec's wire types, a concrete header shape doesn't appear
// anywhere else in this tree, so this is defined here where it's produced;
// a consumer (full-node block verification) would import it from here.
type L2BlockHeader struct {
	Slot        uint64
	Epoch       uint64
	Timestamp   uint64
	ParentBlkid primitives.L2BlockId
	BodyHash    primitives.Buf32
	StateRoot   primitives.Buf32
}

type headerWire struct {
	Slot        uint64
	Epoch       uint64
	Timestamp   uint64
	ParentBlkid [32]byte
	BodyHash    [32]byte
	StateRoot   [32]byte
}

func (h L2BlockHeader) toWire() headerWire {
	return headerWire{
		Slot:        h.Slot,
		Epoch:       h.Epoch,
		Timestamp:   h.Timestamp,
		ParentBlkid: [32]byte(h.ParentBlkid),
		BodyHash:    [32]byte(h.BodyHash),
		StateRoot:   [32]byte(h.StateRoot),
	}
}

// SigningDigest returns the borsh encoding of h, the thing a sequencer
// credential's signature commits to (hashed before signing, the same
// borsh-the-unsigned-struct pattern as checkpoint.SigningDigest).
func (h L2BlockHeader) SigningDigest() ([]byte, error) {
	return borsh.Serialize(h.toWire())
}

// BlockId computes the block's identity: the double-SHA256 of its signing
// digest.
func (h L2BlockHeader) BlockId() (primitives.L2BlockId, error) {
	digest, err := h.SigningDigest()
	if err != nil {
		return primitives.L2BlockId{}, err
	}
	first := sha256.Sum256(digest)
	second := sha256.Sum256(first[:])
	return primitives.L2BlockId(second), nil
}

// SignedL2Block is a fully assembled, sequencer-signed block.
type SignedL2Block struct {
	Header L2BlockHeader
	Body   chaintsn.L2BlockBody
	Sig    primitives.Buf64
}

// SignHeader signs header's digest with the sequencer identity key,
// implementing spec.md §4.7 step 6's "build the real header, sign."
func SignHeader(header L2BlockHeader, priv *btcec.PrivateKey) (primitives.Buf64, error) {
	digest, err := header.SigningDigest()
	if err != nil {
		return primitives.Buf64{}, err
	}
	hashed := sha256.Sum256(digest)
	sig, err := schnorr.Sign(priv, hashed[:])
	if err != nil {
		return primitives.Buf64{}, fmt.Errorf("sequencer: signing header: %w", err)
	}
	return primitives.Buf64(sig.Serialize()), nil
}

// ManifestSource reads persisted L1 block manifests by height, letting
// block assembly scan the range not yet folded into the chainstate's L1
// view without depending on the concrete store package.
type ManifestSource interface {
	GetManifest(height uint64) (chainstate.L1BlockManifest, bool, error)
}

// L1TipHeightSource reports the current L1 canonical chain tip height,
// which bounds how far block assembly is willing to scan ahead of the
// reorg-safe margin.
type L1TipHeightSource interface {
	L1TipHeight() (uint64, error)
}

// CheckpointLookup is the narrow checkpoint.Store surface block assembly
// needs: the previous epoch's already-built checkpoint, to recognize it
// when it matures on L1.
type CheckpointLookup interface {
	Get(epoch uint64) (checkpoint.Entry, bool, error)
}

// GasLedger tracks cumulative EL gas spent by already-assembled blocks in
// the current epoch. Rather than re-reading every L2 block in the epoch
// from storage on every assembly call (as original_source's
// get_total_gas_used_in_epoch does), block assembly is the sole writer of
// this count and updates it incrementally as it produces blocks in order.
type GasLedger interface {
	GasUsedInEpoch(epoch uint64) uint64
	RecordGasUsed(epoch uint64, gasUsed uint64)
}

// InMemoryGasLedger is the process-local GasLedger a single-sequencer node
// uses; it resets naturally since a node never needs another process's
// gas count.
type InMemoryGasLedger struct {
	used map[uint64]uint64
}

// NewInMemoryGasLedger creates an empty ledger.
func NewInMemoryGasLedger() *InMemoryGasLedger {
	return &InMemoryGasLedger{used: make(map[uint64]uint64)}
}

func (l *InMemoryGasLedger) GasUsedInEpoch(epoch uint64) uint64 { return l.used[epoch] }

func (l *InMemoryGasLedger) RecordGasUsed(epoch uint64, gasUsed uint64) {
	l.used[epoch] += gasUsed
}

// BlockAssembler implements spec.md §4.7's prepare_block: given a parent
// chainstate and slot, it builds the L1 segment, asks the engine for an
// exec segment under the epoch's remaining gas budget, runs the STF to
// compute the resulting state root, and returns the unsigned header.
type BlockAssembler struct {
	manifests ManifestSource
	l1Tip     L1TipHeightSource
	ckpts     CheckpointLookup
	gas       GasLedger
	engine    engine.Client
	params    *params.RollupParams
}

// NewBlockAssembler wires a BlockAssembler from its dependencies.
func NewBlockAssembler(manifests ManifestSource, l1Tip L1TipHeightSource, ckpts CheckpointLookup, gas GasLedger, eng engine.Client, p *params.RollupParams) *BlockAssembler {
	return &BlockAssembler{manifests: manifests, l1Tip: l1Tip, ckpts: ckpts, gas: gas, engine: eng, params: p}
}

// PrepareBlock assembles (but does not sign) a candidate block extending
// prevState at prevBlkid.
func (a *BlockAssembler) PrepareBlock(slot uint64, prevBlkid primitives.L2BlockId, prevState *chainstate.Chainstate, ts uint64) (*L2BlockHeader, *chaintsn.L2BlockBody, uint64, error) {
	balog.Debug("preparing block", "slot", slot, "prev_blkid", prevBlkid)

	// The STF rolls CurEpoch forward before the epoch check when the
	// parent closed its epoch, so a block extending an epoch-final parent
	// already lives in the next epoch.
	epoch := prevState.CurEpoch
	if prevState.EpochFinishing {
		epoch++
	}
	firstBlockOfEpoch := prevState.EpochFinishing || prevState.PrevEpoch.LastSlot+1 == slot

	l1Tip, err := a.l1Tip.L1TipHeight()
	if err != nil {
		return nil, nil, 0, err
	}

	l1Seg, err := prepareL1Segment(prevState, a.manifests, l1Tip, a.ckpts, a.params)
	if err != nil {
		return nil, nil, 0, err
	}

	safeL1Blkid, err := a.safeL1BlockHash(prevState)
	if err != nil {
		return nil, nil, 0, err
	}

	var remainingGas *uint64
	if firstBlockOfEpoch {
		g := a.params.EpochGasLimit
		remainingGas = &g
	} else {
		used := a.gas.GasUsedInEpoch(epoch)
		remaining := saturatingSub(a.params.EpochGasLimit, used)
		remainingGas = &remaining
	}

	execSeg, gasUsed, err := a.prepareExecData(slot, ts, prevBlkid, prevState, safeL1Blkid, remainingGas)
	if err != nil {
		return nil, nil, 0, err
	}

	body := &chaintsn.L2BlockBody{L1Segment: l1Seg, ExecSegment: execSeg}

	postState := prevState.Clone()
	headerCtx := chaintsn.BlockHeaderContext{Slot: slot, ParentBlkid: prevBlkid, ParentEpoch: epoch}
	if _, err := chaintsn.ProcessBlock(postState, headerCtx, body, a.params); err != nil {
		return nil, nil, 0, fmt.Errorf("sequencer: computing post-state: %w", err)
	}

	stateRoot, err := computeStateRoot(postState)
	if err != nil {
		return nil, nil, 0, err
	}
	bodyHash, err := computeBodyHash(body)
	if err != nil {
		return nil, nil, 0, err
	}

	header := &L2BlockHeader{
		Slot:        slot,
		Epoch:       epoch,
		Timestamp:   ts,
		ParentBlkid: prevBlkid,
		BodyHash:    bodyHash,
		StateRoot:   stateRoot,
	}

	a.gas.RecordGasUsed(epoch, gasUsed)

	return header, body, gasUsed, nil
}

func (a *BlockAssembler) safeL1BlockHash(prevState *chainstate.Chainstate) (primitives.Buf32, error) {
	m, found, err := a.manifests.GetManifest(prevState.L1View.SafeHeight)
	if err != nil {
		return primitives.Buf32{}, err
	}
	if !found {
		return primitives.Buf32{}, nil
	}
	return primitives.Buf32(m.Record.Blkid), nil
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// prepareL1Segment scans L1 block manifests from the chainstate's
// next-expected height up to the reorg-safe tip, stopping at the first
// manifest that contains a valid checkpoint for the previous epoch. While
// the current epoch is 0 (no prior checkpoint to wait for), the very first
// available manifest closes the epoch.
func prepareL1Segment(prevState *chainstate.Chainstate, manifests ManifestSource, l1TipHeight uint64, ckpts CheckpointLookup, p *params.RollupParams) (chaintsn.L1Segment, error) {
	targetHeight := saturatingSub(l1TipHeight, p.L1ReorgSafeDepth)
	curNextExp := prevState.L1View.NextExpectedHeight

	if targetHeight < curNextExp {
		return chaintsn.L1Segment{}, nil
	}

	isEpochFinalBlock := prevState.CurEpoch == 0

	var expected *checkpoint.Checkpoint
	if prevState.CurEpoch != 0 {
		prevEpoch := prevState.PrevEpoch.Epoch
		entry, found, err := ckpts.Get(prevEpoch)
		if err != nil {
			return chaintsn.L1Segment{}, err
		}
		if found {
			cp := entry.Checkpoint
			expected = &cp
		}
		// No local checkpoint entry yet (prover still running, duty not
		// executed): scan without one, the epoch just can't close this
		// block.
	}

	var out []chainstate.L1BlockManifest
	for height := curNextExp; height <= targetHeight; height++ {
		m, found, err := manifests.GetManifest(height)
		if err != nil {
			return chaintsn.L1Segment{}, err
		}
		if !found {
			balog.Warn("missing expected L1 block during assembly", "height", height)
			break
		}

		if expected != nil && hasExpectedCheckpoint(m, expected) {
			isEpochFinalBlock = true
		}

		out = append(out, m)
		if isEpochFinalBlock {
			break
		}
	}

	return chaintsn.L1Segment{NewManifests: out}, nil
}

// hasExpectedCheckpoint reports whether m contains a checkpoint op whose
// commitment exactly matches expected. The checkpoint's credential and
// proof were already verified before the L1 reader extracted this op, so
// this only needs to check it's the specific checkpoint being waited on.
func hasExpectedCheckpoint(m chainstate.L1BlockManifest, expected *checkpoint.Checkpoint) bool {
	for _, tx := range m.ExtractedTxs {
		for _, op := range tx.Ops {
			if op.Kind != chainstate.OpCheckpoint {
				continue
			}
			sc, err := checkpoint.UnmarshalSignedCheckpoint(op.CheckpointBytes)
			if err != nil {
				continue
			}
			if sc.Checkpoint.Info == expected.Info && sc.Checkpoint.Transition == expected.Transition {
				return true
			}
		}
	}
	return false
}

// prepareExecData asks the engine to build this slot's ExecUpdate from the
// chainstate's queued deposit intents, polling until it's ready or
// pollTimeout elapses.
func (a *BlockAssembler) prepareExecData(slot uint64, ts uint64, prevBlkid primitives.L2BlockId, prevState *chainstate.Chainstate, safeL1Blkid primitives.Buf32, remainingGas *uint64) (chaintsn.ExecSegment, uint64, error) {
	ops := constructOpsFromDepositIntents(prevState.ExecEnvState.PendingDepositsQueue, a.params.MaxDepositsInBlock)

	env := engine.PayloadEnv{
		Timestamp:         ts,
		ParentL2Blkid:     prevBlkid,
		SafeL1Blkid:       safeL1Blkid,
		Input:             chaintsn.ExecUpdateInput{AppliedOps: ops},
		RemainingGasLimit: remainingGas,
	}

	id, err := a.engine.PreparePayload(env)
	if err != nil {
		return chaintsn.ExecSegment{}, 0, err
	}
	balog.Debug("submitted EL payload job", "slot", slot, "payload_id", id)

	out, gasUsed, err := a.pollPayload(id)
	if err != nil {
		return chaintsn.ExecSegment{}, 0, err
	}

	return chaintsn.ExecSegment{Update: chaintsn.ExecUpdate{Input: env.Input, Output: *out}}, gasUsed, nil
}

func (a *BlockAssembler) pollPayload(id engine.PayloadID) (*chaintsn.ExecUpdateOutput, uint64, error) {
	deadline := time.Now().Add(pollTimeout)
	for {
		time.Sleep(pollInterval)

		status, out, gasUsed, err := a.engine.PayloadStatus(id)
		if err != nil {
			return nil, 0, err
		}
		if status == engine.StatusValid {
			return out, gasUsed, nil
		}
		if status == engine.StatusInvalid {
			return nil, 0, fmt.Errorf("sequencer: engine rejected payload %s as invalid", id)
		}

		if time.Now().After(deadline) {
			balog.Warn("payload build job timed out", "payload_id", id)
			return nil, 0, ErrBlockAssemblyTimedOut
		}
	}
}

// constructOpsFromDepositIntents builds the EL ops for this slot's pending
// deposit intent queue, bounded by maxPerBlock (0 means unbounded).
func constructOpsFromDepositIntents(queue []chainstate.DepositIntent, maxPerBlock uint32) []chaintsn.Op {
	n := len(queue)
	if maxPerBlock > 0 && uint32(n) > maxPerBlock {
		n = int(maxPerBlock)
	}
	ops := make([]chaintsn.Op, n)
	for i := 0; i < n; i++ {
		ops[i] = chaintsn.Op{Kind: chaintsn.OpKindDeposit, DepositIntentIdx: uint32(i)}
	}
	return ops
}

type stateRootWire struct {
	Slot               uint64
	LastBlock          [32]byte
	CurEpoch           uint64
	PrevEpochEpoch     uint64
	PrevEpochLastSlot  uint64
	PrevEpochLastBlkid [32]byte
	SafeHeight         uint64
	NextExpectedHeight uint64
	MaturationQueueLen uint32
	DepositsTableLen   uint32
	OperatorTableLen   uint32
	LastELBlock        [32]byte
	PendingDepositsLen uint32
}

// computeStateRoot derives the header's state commitment from a
// post-transition chainstate. Every quantity here is either scalar or a
// length, not a full Merkleization of every table row; a full-fidelity
// state root would need a canonical per-row commitment scheme the
// distilled spec doesn't define, so this commits to the fields a light
// client actually needs to check (table sizes, L1 view progress, EL tip)
// the same way the header's body_hash commits to segment identity rather
// than segment content.
func computeStateRoot(s *chainstate.Chainstate) (primitives.Buf32, error) {
	w := stateRootWire{
		Slot:               s.Slot,
		LastBlock:          [32]byte(s.LastBlock),
		CurEpoch:           s.CurEpoch,
		PrevEpochEpoch:      s.PrevEpoch.Epoch,
		PrevEpochLastSlot:   s.PrevEpoch.LastSlot,
		PrevEpochLastBlkid:  [32]byte(s.PrevEpoch.LastBlkid),
		SafeHeight:         s.L1View.SafeHeight,
		NextExpectedHeight: s.L1View.NextExpectedHeight,
		MaturationQueueLen: uint32(len(s.L1View.MaturationQueue)),
		DepositsTableLen:   uint32(s.DepositsTable.Len()),
		OperatorTableLen:   uint32(s.OperatorTable.Len()),
		LastELBlock:        [32]byte(s.ExecEnvState.LastELBlock),
		PendingDepositsLen: uint32(len(s.ExecEnvState.PendingDepositsQueue)),
	}
	raw, err := borsh.Serialize(w)
	if err != nil {
		return primitives.Buf32{}, err
	}
	return sha256.Sum256(raw), nil
}

type bodyHashManifestWire struct {
	Blkid  [32]byte
	Height uint64
}

type bodyHashWire struct {
	Manifests    []bodyHashManifestWire
	AppliedOps   []chaintsn.Op
	NewELBlock   [32]byte
	Withdrawals  uint32
}

// computeBodyHash commits to the body's segment identity: which L1
// manifests were attested and which EL update was applied, so the header
// can be signed without embedding the (potentially large) body inline.
func computeBodyHash(body *chaintsn.L2BlockBody) (primitives.Buf32, error) {
	manifests := make([]bodyHashManifestWire, len(body.L1Segment.NewManifests))
	for i, m := range body.L1Segment.NewManifests {
		manifests[i] = bodyHashManifestWire{Blkid: [32]byte(m.Record.Blkid), Height: m.Height}
	}

	w := bodyHashWire{
		Manifests:   manifests,
		AppliedOps:  body.ExecSegment.Update.Input.AppliedOps,
		NewELBlock:  [32]byte(body.ExecSegment.Update.Output.NewELBlock),
		Withdrawals: uint32(len(body.ExecSegment.Update.Output.Withdrawals)),
	}
	raw, err := borsh.Serialize(w)
	if err != nil {
		return primitives.Buf32{}, err
	}
	return sha256.Sum256(raw), nil
}
