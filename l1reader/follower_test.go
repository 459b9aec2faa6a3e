package l1reader

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/btcio"
	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/csm"
	"github.com/basinrollup/basin/primitives"
)

type fakeBlockSource struct {
	blocks map[uint64]*wire.MsgBlock
	best   uint64
}

func (f *fakeBlockSource) BestHeight() (uint64, error) { return f.best, nil }

func (f *fakeBlockSource) BlockAtHeight(height uint64) (*wire.MsgBlock, error) {
	b, ok := f.blocks[height]
	if !ok {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	return b, nil
}

type fakeManifestSink struct {
	stored []chainstate.L1BlockManifest
}

func (f *fakeManifestSink) StoreManifest(m chainstate.L1BlockManifest) error {
	f.stored = append(f.stored, m)
	return nil
}

type fakeEventSink struct {
	events []*csm.SyncEvent
}

func (f *fakeEventSink) Submit(ev *csm.SyncEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fixedEpoch struct{ epoch uint64 }

func (f fixedEpoch) CurrentEpoch() uint64 { return f.epoch }

// buildChain constructs a sequence of blocks from startHeight, each
// properly linked to the previous by PrevBlock.
func buildChain(startHeight uint64, n int, nonceBase uint32) map[uint64]*wire.MsgBlock {
	blocks := make(map[uint64]*wire.MsgBlock, n)
	var prev wire.BlockHeader
	for i := 0; i < n; i++ {
		h := wire.BlockHeader{Nonce: nonceBase + uint32(i)}
		if i > 0 {
			h.PrevBlock = prev.BlockHash()
		}
		blk := &wire.MsgBlock{Header: h}
		blocks[startHeight+uint64(i)] = blk
		prev = h
	}
	return blocks
}

func TestFollowerPollOnceEmitsSequentialBlocks(t *testing.T) {
	blocks := buildChain(10, 3, 1)
	src := &fakeBlockSource{blocks: blocks, best: 12}
	manifests := &fakeManifestSink{}
	events := &fakeEventSink{}

	f := NewFollower(src, manifests, events, fixedEpoch{epoch: 1}, testFilterConfig(), 10)
	if err := f.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if len(manifests.stored) != 3 {
		t.Fatalf("stored %d manifests, want 3", len(manifests.stored))
	}
	if len(events.events) != 3 {
		t.Fatalf("emitted %d events, want 3", len(events.events))
	}
	for i, ev := range events.events {
		if ev.Kind != csm.EvL1Block {
			t.Fatalf("event %d kind = %v, want EvL1Block", i, ev.Kind)
		}
		if ev.L1.Height != uint64(10+i) {
			t.Fatalf("event %d height = %d, want %d", i, ev.L1.Height, 10+i)
		}
	}
	if f.lastHeight != 12 {
		t.Fatalf("lastHeight = %d, want 12", f.lastHeight)
	}
}

func TestFollowerPollOnceSkipsBelowHorizon(t *testing.T) {
	blocks := buildChain(5, 10, 1)
	src := &fakeBlockSource{blocks: blocks, best: 14}
	manifests := &fakeManifestSink{}
	events := &fakeEventSink{}

	f := NewFollower(src, manifests, events, fixedEpoch{}, testFilterConfig(), 10)
	if err := f.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	for _, m := range manifests.stored {
		if m.Height < 10 {
			t.Fatalf("stored manifest below horizon: height %d", m.Height)
		}
	}
	if len(manifests.stored) != 5 {
		t.Fatalf("stored %d manifests, want 5 (heights 10-14)", len(manifests.stored))
	}
}

func TestFollowerPollOnceDetectsReorg(t *testing.T) {
	blocks := buildChain(10, 2, 1) // heights 10, 11
	src := &fakeBlockSource{blocks: blocks, best: 11}
	manifests := &fakeManifestSink{}
	events := &fakeEventSink{}

	f := NewFollower(src, manifests, events, fixedEpoch{}, testFilterConfig(), 10)
	if err := f.PollOnce(); err != nil {
		t.Fatalf("initial PollOnce: %v", err)
	}

	// Now replace height 11 with a competing block that doesn't chain
	// from the accepted height-10 block, and rewind lastHeight to force
	// a re-scan of it.
	forked := &wire.MsgBlock{Header: wire.BlockHeader{Nonce: 999}}
	src.blocks[11] = forked
	src.best = 11
	f.lastHeight = 10
	if err := f.PollOnce(); err != nil {
		t.Fatalf("reorg PollOnce: %v", err)
	}

	if len(events.events) == 0 {
		t.Fatal("expected at least one event")
	}
	last := events.events[len(events.events)-1]
	if last.Kind != csm.EvL1Revert {
		t.Fatalf("last event kind = %v, want EvL1Revert", last.Kind)
	}
	if last.L1.Height != 10 {
		t.Fatalf("revert height = %d, want 10", last.L1.Height)
	}
}

func TestFollowerPollOnceBuildsManifestWithProtocolOps(t *testing.T) {
	cfg := testFilterConfig()
	var elAddr [20]byte
	elAddr[0] = 0xFE
	meta := append(append([]byte{}, cfg.DepositConfig.MagicBytes[:]...), elAddr[:]...)

	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData(meta).Script()
	if err != nil {
		t.Fatalf("building script: %v", err)
	}

	blk := &wire.MsgBlock{
		Header: wire.BlockHeader{Nonce: 5},
		Transactions: []*wire.MsgTx{
			{
				TxOut: []*wire.TxOut{
					{Value: int64(cfg.DepositConfig.DepositAmount), PkScript: cfg.DepositConfig.DepositAddress},
					{Value: 0, PkScript: opReturn},
				},
			},
		},
	}

	src := &fakeBlockSource{blocks: map[uint64]*wire.MsgBlock{10: blk}, best: 10}
	manifests := &fakeManifestSink{}
	events := &fakeEventSink{}

	f := NewFollower(src, manifests, events, fixedEpoch{epoch: 2}, cfg, 10)
	if err := f.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(manifests.stored) != 1 {
		t.Fatalf("stored %d manifests, want 1", len(manifests.stored))
	}
	m := manifests.stored[0]
	if len(m.ExtractedTxs) != 1 || len(m.ExtractedTxs[0].Ops) != 1 {
		t.Fatalf("extracted txs = %+v, want one tx with one op", m.ExtractedTxs)
	}
	if m.ExtractedTxs[0].Ops[0].Kind != chainstate.OpDeposit {
		t.Fatalf("op kind = %v, want OpDeposit", m.ExtractedTxs[0].Ops[0].Kind)
	}
	if m.Epoch != 2 {
		t.Fatalf("epoch = %d, want 2", m.Epoch)
	}
}

type rejectAllCheckpoints struct{}

func (rejectAllCheckpoints) VerifyCheckpointBytes(raw []byte) bool { return false }

func TestFollowerPollOnceDropsInvalidCheckpoints(t *testing.T) {
	cfg := testFilterConfig()
	script, err := btcio.BuildEnvelopeScript(CheckpointEnvelopeTag, []byte("bad-checkpoint"))
	if err != nil {
		t.Fatalf("BuildEnvelopeScript: %v", err)
	}

	blk := &wire.MsgBlock{
		Header: wire.BlockHeader{Nonce: 9},
		Transactions: []*wire.MsgTx{
			{TxIn: []*wire.TxIn{{Witness: wire.TxWitness{[]byte{}, script, []byte{0xC0}}}}},
		},
	}

	src := &fakeBlockSource{blocks: map[uint64]*wire.MsgBlock{10: blk}, best: 10}
	manifests := &fakeManifestSink{}
	events := &fakeEventSink{}

	f := NewFollower(src, manifests, events, fixedEpoch{epoch: 1}, cfg, 10)
	f.SetCheckpointVerifier(rejectAllCheckpoints{})

	if err := f.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(manifests.stored) != 1 {
		t.Fatalf("stored %d manifests, want 1", len(manifests.stored))
	}
	if len(manifests.stored[0].ExtractedTxs) != 0 {
		t.Fatalf("extracted txs = %+v, want none (checkpoint rejected)", manifests.stored[0].ExtractedTxs)
	}
}

type staticParser struct {
	epoch    uint64
	lastSlot uint64
}

func (p staticParser) ParseCheckpointSummary(raw []byte) (uint64, uint64, primitives.Buf32, bool) {
	return p.epoch, p.lastSlot, primitives.Buf32{0xD1}, true
}

func TestFollowerPollOnceEmitsDABatchForCheckpoints(t *testing.T) {
	cfg := testFilterConfig()
	script, err := btcio.BuildEnvelopeScript(CheckpointEnvelopeTag, []byte("checkpoint-payload"))
	if err != nil {
		t.Fatalf("BuildEnvelopeScript: %v", err)
	}

	blk := &wire.MsgBlock{
		Header: wire.BlockHeader{Nonce: 9},
		Transactions: []*wire.MsgTx{
			{TxIn: []*wire.TxIn{{Witness: wire.TxWitness{[]byte{}, script, []byte{0xC0}}}}},
		},
	}

	src := &fakeBlockSource{blocks: map[uint64]*wire.MsgBlock{10: blk}, best: 10}
	manifests := &fakeManifestSink{}
	events := &fakeEventSink{}

	f := NewFollower(src, manifests, events, fixedEpoch{epoch: 1}, cfg, 10)
	f.SetCheckpointParser(staticParser{epoch: 4, lastSlot: 99})

	if err := f.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(events.events) != 2 {
		t.Fatalf("emitted %d events, want L1Block + L1DABatch", len(events.events))
	}
	if events.events[0].Kind != csm.EvL1Block {
		t.Fatalf("first event = %v, want EvL1Block", events.events[0].Kind)
	}
	da := events.events[1]
	if da.Kind != csm.EvL1DABatch {
		t.Fatalf("second event = %v, want EvL1DABatch", da.Kind)
	}
	if len(da.Checkpoints) != 1 || da.Checkpoints[0].Epoch != 4 || da.Checkpoints[0].LastSlot != 99 {
		t.Fatalf("da checkpoints = %+v", da.Checkpoints)
	}
	if da.L1.Height != 10 {
		t.Fatalf("da height = %d, want 10", da.L1.Height)
	}
}
