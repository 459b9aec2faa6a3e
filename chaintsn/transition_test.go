package chaintsn

import (
	"testing"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

func testParams() *params.RollupParams {
	return &params.RollupParams{
		RollupName:            "test",
		L1ReorgSafeDepth:      2,
		DispatchAssignmentDur: 5,
		EpochGasLimit:         1,
		CredRule:              params.UncheckedCredRule(),
	}
}

func newTestState(numOperators int) *chainstate.Chainstate {
	ops := make([]chainstate.OperatorEntry, numOperators)
	for i := range ops {
		ops[i] = chainstate.OperatorEntry{Index: uint32(i)}
	}
	return chainstate.New(ops, 0)
}

func emptyBody() *L2BlockBody {
	return &L2BlockBody{}
}

func TestProcessBlockRejectsEpochMismatch(t *testing.T) {
	state := newTestState(1)
	state.CurEpoch = 0

	header := BlockHeaderContext{Slot: 1, ParentBlkid: primitives.L2BlockId{1}, ParentEpoch: 7}
	_, err := ProcessBlock(state, header, emptyBody(), testParams())
	if err == nil {
		t.Fatal("expected MismatchEpoch error")
	}
	if _, ok := err.(*MismatchEpoch); !ok {
		t.Fatalf("got %T, want *MismatchEpoch", err)
	}
}

func TestProcessBlockAdvancesSlotAndLastBlock(t *testing.T) {
	state := newTestState(1)
	parent := primitives.L2BlockId{9, 9, 9}
	header := BlockHeaderContext{Slot: 5, ParentBlkid: parent, ParentEpoch: 0}

	wb, err := ProcessBlock(state, header, emptyBody(), testParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Slot != 5 {
		t.Fatalf("slot = %d, want 5", state.Slot)
	}
	if state.LastBlock != parent {
		t.Fatalf("last_block = %v, want %v", state.LastBlock, parent)
	}
	if wb.PostState.Slot != 5 {
		t.Fatalf("write batch post-state slot = %d, want 5", wb.PostState.Slot)
	}
}

func TestProcessBlockNoOperators(t *testing.T) {
	state := newTestState(0)
	header := BlockHeaderContext{Slot: 1, ParentBlkid: primitives.L2BlockId{1}, ParentEpoch: 0}
	_, err := ProcessBlock(state, header, emptyBody(), testParams())
	if err != ErrNoOperators {
		t.Fatalf("got %v, want ErrNoOperators", err)
	}
}

func TestProcessBlockDispatchesReadyWithdrawal(t *testing.T) {
	state := newTestState(2)
	state.DepositsTable.Insert(chainstate.DepositEntry{Index: 0, Status: chainstate.DepositAccepted, Amount: primitives.Sats(1000)})

	body := &L2BlockBody{
		ExecSegment: ExecSegment{
			Update: ExecUpdate{
				Output: ExecUpdateOutput{
					Withdrawals: []chainstate.WithdrawalIntent{
						{Amt: primitives.Sats(900), Destination: []byte{0xAA}, WithdrawalTxid: primitives.BitcoinTxid{0x1}},
					},
				},
			},
		},
	}

	header := BlockHeaderContext{Slot: 1, ParentBlkid: primitives.L2BlockId{1}, ParentEpoch: 0}
	_, err := ProcessBlock(state, header, body, testParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ent, ok := state.DepositsTable.Get(0)
	if !ok {
		t.Fatal("deposit entry missing")
	}
	if ent.Status != chainstate.DepositDispatched {
		t.Fatalf("status = %v, want Dispatched", ent.Status)
	}
	if ent.WithdrawalTxid != (primitives.BitcoinTxid{0x1}) {
		t.Fatalf("withdrawal txid not recorded: %v", ent.WithdrawalTxid)
	}
}

func TestProcessBlockInsufficientDeposits(t *testing.T) {
	state := newTestState(1)
	// No deposits in the table at all.

	body := &L2BlockBody{
		ExecSegment: ExecSegment{
			Update: ExecUpdate{
				Output: ExecUpdateOutput{
					Withdrawals: []chainstate.WithdrawalIntent{
						{Amt: primitives.Sats(900), Destination: []byte{0xAA}},
					},
				},
			},
		},
	}

	header := BlockHeaderContext{Slot: 1, ParentBlkid: primitives.L2BlockId{1}, ParentEpoch: 0}
	_, err := ProcessBlock(state, header, body, testParams())
	if _, ok := err.(*InsufficientDepositsForIntents); !ok {
		t.Fatalf("got %v (%T), want *InsufficientDepositsForIntents", err, err)
	}
}

func TestSlotRngDeterministic(t *testing.T) {
	seed := primitives.Buf32{1, 2, 3}
	r1, err := NewSlotRng(seed)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := NewSlotRng(seed)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		a, b := r1.NextU64(), r2.NextU64()
		if a != b {
			t.Fatalf("rng divergence at step %d: %d != %d", i, a, b)
		}
	}
}

func TestNextRandOpPosInBounds(t *testing.T) {
	seed := primitives.Buf32{5, 5, 5}
	rng, err := NewSlotRng(seed)
	if err != nil {
		t.Fatal(err)
	}
	const num = 7
	for i := 0; i < 100; i++ {
		pos := nextRandOpPos(rng, num)
		if pos >= num {
			t.Fatalf("pos %d out of bounds [0,%d)", pos, num)
		}
	}
}

func manifestForTest(height uint64) chainstate.L1BlockManifest {
	raw := make([]byte, 80)
	raw[0] = byte(height)
	raw[1] = byte(height >> 8)
	return chainstate.L1BlockManifest{
		Record: chainstate.L1HeaderRecord{
			Blkid:          computeL1BlockId(raw),
			RawHeaderBytes: raw,
		},
		Height: height,
	}
}

func TestProcessBlockEpochZeroClosesOnFirstMaturedBlock(t *testing.T) {
	p := testParams() // L1ReorgSafeDepth = 2
	state := newTestState(1)

	// Three contiguous manifests: one matures past the depth-2 queue,
	// which closes epoch 0 even without a checkpoint.
	seg := L1Segment{NewManifests: []chainstate.L1BlockManifest{
		manifestForTest(1), manifestForTest(2), manifestForTest(3),
	}}
	body := &L2BlockBody{L1Segment: seg}

	header := BlockHeaderContext{Slot: 1, ParentBlkid: primitives.L2BlockId{1}, ParentEpoch: 0}
	if _, err := ProcessBlock(state, header, body, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.EpochFinishing {
		t.Fatal("first matured L1 block must close epoch 0")
	}
	if state.L1View.SafeHeight != 1 {
		t.Fatalf("safe height = %d, want 1", state.L1View.SafeHeight)
	}
}

func TestProcessBlockAdvancesEpochAfterFinishing(t *testing.T) {
	p := testParams()
	state := newTestState(1)
	state.Slot = 5
	state.CurEpoch = 3
	state.EpochFinishing = true

	parent := primitives.L2BlockId{0xEE}
	header := BlockHeaderContext{Slot: 6, ParentBlkid: parent, ParentEpoch: 4}
	if _, err := ProcessBlock(state, header, emptyBody(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.CurEpoch != 4 {
		t.Fatalf("cur epoch = %d, want 4", state.CurEpoch)
	}
	if state.EpochFinishing {
		t.Fatal("finishing flag must clear on the epoch's first block")
	}
	if state.PrevEpoch.Epoch != 3 || state.PrevEpoch.LastSlot != 5 || state.PrevEpoch.LastBlkid != parent {
		t.Fatalf("prev epoch = %+v, want epoch 3 ending at slot 5 / parent", state.PrevEpoch)
	}

	// A follow-up block still claiming the old epoch is rejected.
	stale := BlockHeaderContext{Slot: 7, ParentBlkid: primitives.L2BlockId{0xEF}, ParentEpoch: 3}
	if _, err := ProcessBlock(state, stale, emptyBody(), p); err == nil {
		t.Fatal("expected MismatchEpoch for a stale epoch header")
	}
}

func checkpointOpBytes(t *testing.T, epoch uint64, l2End primitives.L2BlockCommitment) []byte {
	t.Helper()
	sc := checkpoint.SignedCheckpoint{Checkpoint: checkpoint.Checkpoint{
		Info: checkpoint.BatchInfo{
			Epoch: epoch,
			L2End: l2End,
		},
		Transition: checkpoint.BatchTransition{Epoch: epoch},
	}}
	raw, err := checkpoint.MarshalSignedCheckpoint(sc)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// maturedCheckpointBody builds a three-manifest L1 segment whose first
// manifest (the one that matures past the depth-2 queue) carries ckptBytes.
func maturedCheckpointBody(t *testing.T, ckptBytes []byte) *L2BlockBody {
	t.Helper()
	withCkpt := manifestForTest(1)
	withCkpt.ExtractedTxs = []chainstate.ExtractedTx{{
		Ops: []chainstate.ProtocolOperation{{Kind: chainstate.OpCheckpoint, CheckpointBytes: ckptBytes}},
	}}
	return &L2BlockBody{L1Segment: L1Segment{NewManifests: []chainstate.L1BlockManifest{
		withCkpt, manifestForTest(2), manifestForTest(3),
	}}}
}

func TestProcessBlockExpectedCheckpointClosesEpoch(t *testing.T) {
	p := testParams() // L1ReorgSafeDepth = 2
	state := newTestState(1)
	state.CurEpoch = 1
	state.PrevEpoch = primitives.EpochCommitment{Epoch: 0, LastSlot: 3, LastBlkid: primitives.L2BlockId{0xAB}}

	body := maturedCheckpointBody(t, checkpointOpBytes(t, 0, primitives.L2BlockCommitment{Slot: 3, Blkid: primitives.L2BlockId{0xAB}}))
	header := BlockHeaderContext{Slot: 4, ParentBlkid: primitives.L2BlockId{0xAB}, ParentEpoch: 1}
	if _, err := ProcessBlock(state, header, body, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.EpochFinishing {
		t.Fatal("the expected previous-epoch checkpoint must close the epoch")
	}
}

func TestProcessBlockIgnoresCheckpointForWrongEpoch(t *testing.T) {
	p := testParams()
	state := newTestState(1)
	state.CurEpoch = 1
	state.PrevEpoch = primitives.EpochCommitment{Epoch: 0, LastSlot: 3, LastBlkid: primitives.L2BlockId{0xAB}}

	// Commits epoch 1, not the previous epoch 0.
	body := maturedCheckpointBody(t, checkpointOpBytes(t, 1, primitives.L2BlockCommitment{Slot: 3, Blkid: primitives.L2BlockId{0xAB}}))
	header := BlockHeaderContext{Slot: 4, ParentBlkid: primitives.L2BlockId{0xAB}, ParentEpoch: 1}
	if _, err := ProcessBlock(state, header, body, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.EpochFinishing {
		t.Fatal("a checkpoint for the wrong epoch must not close the epoch")
	}
}

func TestProcessBlockIgnoresCheckpointWithWrongRangeEnd(t *testing.T) {
	p := testParams()
	state := newTestState(1)
	state.CurEpoch = 1
	state.PrevEpoch = primitives.EpochCommitment{Epoch: 0, LastSlot: 3, LastBlkid: primitives.L2BlockId{0xAB}}

	// Right epoch index, wrong terminal block.
	body := maturedCheckpointBody(t, checkpointOpBytes(t, 0, primitives.L2BlockCommitment{Slot: 9, Blkid: primitives.L2BlockId{0xEE}}))
	header := BlockHeaderContext{Slot: 4, ParentBlkid: primitives.L2BlockId{0xAB}, ParentEpoch: 1}
	if _, err := ProcessBlock(state, header, body, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.EpochFinishing {
		t.Fatal("a checkpoint naming a different terminal block must not close the epoch")
	}
}
