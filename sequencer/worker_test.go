package sequencer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/crypto"
	"github.com/basinrollup/basin/engine"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

type fakeTips struct{ tip primitives.L2BlockCommitment }

func (f *fakeTips) Tip() primitives.L2BlockCommitment { return f.tip }

type fakeChainstates struct {
	bySlot map[uint64]*chainstate.Chainstate
}

func (f *fakeChainstates) GetChainstate(slot uint64) (*chainstate.Chainstate, bool, error) {
	cs, ok := f.bySlot[slot]
	return cs, ok, nil
}

// fakeSink persists blocks the way node wiring does: store the post-state,
// advance the tip.
type fakeSink struct {
	tips   *fakeTips
	states *fakeChainstates
	blocks []*SignedL2Block
}

func (f *fakeSink) PersistBlock(blkid primitives.L2BlockId, blk *SignedL2Block, postState *chainstate.Chainstate) error {
	f.blocks = append(f.blocks, blk)
	f.states.bySlot[blk.Header.Slot] = postState
	f.tips.tip = primitives.L2BlockCommitment{Slot: blk.Header.Slot, Blkid: blkid}
	return nil
}

type fakeCkptSink struct {
	entries map[uint64]checkpoint.Checkpoint
}

func (f *fakeCkptSink) HaveCheckpoint(epoch uint64) (bool, error) {
	_, ok := f.entries[epoch]
	return ok, nil
}

func (f *fakeCkptSink) CheckpointDigest(epoch uint64) (primitives.Buf32, bool, error) {
	cp, ok := f.entries[epoch]
	if !ok {
		return primitives.Buf32{}, false, nil
	}
	d, err := checkpoint.SigningDigest(cp)
	return d, true, err
}

func (f *fakeCkptSink) PutPending(cp checkpoint.Checkpoint) error {
	f.entries[cp.Info.Epoch] = cp
	return nil
}

type fakeEnvelope struct {
	intents map[primitives.Buf32][]byte
}

func (f *fakeEnvelope) SubmitIntent(id primitives.Buf32, payload []byte) error {
	f.intents[id] = payload
	return nil
}

func testWorkerParams() *params.RollupParams {
	return &params.RollupParams{
		RollupName:         "test",
		BlockTimeMs:        1000,
		L1ReorgSafeDepth:   1,
		EpochGasLimit:      1_000_000,
		MaxDepositsInBlock: 10,
		GenesisL1Height:    100,
	}
}

func newTestWorker(t *testing.T, p *params.RollupParams) (*DutyWorker, *fakeSink, *fakeCkptSink, *fakeEnvelope, *btcec.PrivateKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	tips := &fakeTips{}
	states := &fakeChainstates{bySlot: map[uint64]*chainstate.Chainstate{}}
	sink := &fakeSink{tips: tips, states: states}
	ckpts := &fakeCkptSink{entries: map[uint64]checkpoint.Checkpoint{}}
	env := &fakeEnvelope{intents: map[primitives.Buf32][]byte{}}

	asm := NewBlockAssembler(
		&fakeManifests{},
		fakeL1Tip{height: p.GenesisL1Height},
		&fakeCheckpointLookup{entries: map[uint64]checkpoint.Entry{}},
		NewInMemoryGasLedger(),
		engine.NewRefClient(),
		p,
	)

	genesis := func() *chainstate.Chainstate {
		return chainstate.New([]chainstate.OperatorEntry{{Index: 0}}, p.GenesisL1Height)
	}

	w := NewDutyWorker(asm, tips, states, genesis, sink, ckpts, NoProver{}, env, priv, p)
	return w, sink, ckpts, env, priv
}

func TestDutyWorkerProducesSuccessiveBlocks(t *testing.T) {
	w, sink, _, _, _ := newTestWorkerDefault(t)

	now := time.Unix(1_700_000_000, 0)
	if err := w.Tick(now, nil); err != nil {
		t.Fatal(err)
	}
	if len(sink.blocks) != 1 || sink.blocks[0].Header.Slot != 1 {
		t.Fatalf("blocks = %d, want one block at slot 1", len(sink.blocks))
	}

	if err := w.Tick(now.Add(time.Second), nil); err != nil {
		t.Fatal(err)
	}
	if len(sink.blocks) != 2 || sink.blocks[1].Header.Slot != 2 {
		t.Fatalf("blocks = %d, want a second block at slot 2", len(sink.blocks))
	}
	if sink.blocks[1].Header.ParentBlkid == (primitives.L2BlockId{}) {
		t.Fatal("second block must name the first as its parent")
	}

	wantParent, err := sink.blocks[0].Header.BlockId()
	if err != nil {
		t.Fatal(err)
	}
	if sink.blocks[1].Header.ParentBlkid != wantParent {
		t.Fatalf("parent = %v, want %v", sink.blocks[1].Header.ParentBlkid, wantParent)
	}
}

func newTestWorkerDefault(t *testing.T) (*DutyWorker, *fakeSink, *fakeCkptSink, *fakeEnvelope, *btcec.PrivateKey) {
	t.Helper()
	return newTestWorker(t, testWorkerParams())
}

func TestDutyWorkerCommitsClosedEpochOnce(t *testing.T) {
	w, _, ckpts, env, priv := newTestWorkerDefault(t)

	w.closed = &ClosedEpoch{
		Epoch:         0,
		LastSlot:      4,
		LastBlkid:     primitives.L2BlockId{0x4},
		PreStateHash:  primitives.Buf32{0x1},
		PostStateHash: primitives.Buf32{0x2},
	}

	now := time.Unix(1_700_000_000, 0)
	if err := w.Tick(now, nil); err != nil {
		t.Fatal(err)
	}

	if len(env.intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(env.intents))
	}
	cp, ok := ckpts.entries[0]
	if !ok {
		t.Fatal("checkpoint entry for epoch 0 must be recorded pending")
	}
	if cp.Transition.PostStateHash != (primitives.Buf32{0x2}) {
		t.Fatalf("transition = %+v, want the closed epoch's post state", cp.Transition)
	}

	// The queued payload is a SignedCheckpoint whose credential verifies
	// against the sequencer key.
	var payload []byte
	for _, p := range env.intents {
		payload = p
	}
	sc, err := checkpoint.UnmarshalSignedCheckpoint(payload)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := primitives.Buf32FromSlice(schnorr.SerializePubKey(priv.PubKey()))
	if err != nil {
		t.Fatal(err)
	}
	okSig, err := checkpoint.VerifyCredential(crypto.NewSigLRUCache(4), params.SchnorrCredRule(pub), sc)
	if err != nil {
		t.Fatal(err)
	}
	if !okSig {
		t.Fatal("queued checkpoint must carry a valid sequencer signature")
	}

	// A second tick re-derives no duplicate duty and submits nothing new.
	if err := w.Tick(now.Add(time.Second), nil); err != nil {
		t.Fatal(err)
	}
	if len(env.intents) != 1 {
		t.Fatalf("intents after second tick = %d, want still 1", len(env.intents))
	}
}

func TestDutyWorkerHoldsCommitUnderStrictModeWithoutProof(t *testing.T) {
	p := testWorkerParams()
	p.ProofPublishMode = params.StrictProofMode()
	w, _, ckpts, env, _ := newTestWorker(t, p)

	w.closed = &ClosedEpoch{Epoch: 0, LastSlot: 4, LastBlkid: primitives.L2BlockId{0x4}}

	if err := w.Tick(time.Unix(1_700_000_000, 0), nil); err != nil {
		t.Fatal(err)
	}
	if len(env.intents) != 0 {
		t.Fatal("no envelope may go out without a proof in strict mode")
	}
	if len(ckpts.entries) != 0 {
		t.Fatal("no pending checkpoint may be recorded without a proof in strict mode")
	}
}
