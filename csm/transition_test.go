package csm

import (
	"testing"

	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

func testParams() *params.RollupParams {
	return &params.RollupParams{GenesisL1Height: 100}
}

func TestProcessEventLocksGenesisAtHorizon(t *testing.T) {
	state := NewPreGenesisState()
	ev := &SyncEvent{Kind: EvL1Block, L1: primitives.L1BlockCommitment{Height: 100, Blkid: primitives.L1BlockId{0xAA}}}

	out, err := ProcessEvent(state, ev, testParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State.Status != StatusSyncing {
		t.Fatalf("status = %v, want Syncing", out.State.Status)
	}
	if len(out.Actions) != 1 || out.Actions[0].Kind != ActionL2Genesis {
		t.Fatalf("actions = %+v, want single ActionL2Genesis", out.Actions)
	}
	if out.Actions[0].L1Blkid != ev.L1.Blkid {
		t.Fatalf("genesis action blkid = %v, want %v", out.Actions[0].L1Blkid, ev.L1.Blkid)
	}
}

func TestProcessEventBeforeHorizonStaysPreGenesis(t *testing.T) {
	state := NewPreGenesisState()
	ev := &SyncEvent{Kind: EvL1Block, L1: primitives.L1BlockCommitment{Height: 50}}

	out, err := ProcessEvent(state, ev, testParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State.Status != StatusPreGenesis {
		t.Fatalf("status = %v, want PreGenesis", out.State.Status)
	}
	if len(out.Actions) != 0 {
		t.Fatalf("expected no actions, got %+v", out.Actions)
	}
}

func TestProcessEventNewTipUpdatesState(t *testing.T) {
	state := NewPreGenesisState()
	state.Status = StatusSyncing
	tip := primitives.L2BlockCommitment{Slot: 42, Blkid: primitives.L2BlockId{0x1}}

	out, err := ProcessEvent(state, &SyncEvent{Kind: EvNewTipBlock, L2: tip}, testParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State.TipL2 != tip {
		t.Fatalf("tip = %v, want %v", out.State.TipL2, tip)
	}
	// Original state must be untouched.
	if state.TipL2 != (primitives.L2BlockCommitment{}) {
		t.Fatalf("ProcessEvent mutated input state: %+v", state)
	}
}

func TestProcessEventRevertOnlyMovesBackwards(t *testing.T) {
	state := NewPreGenesisState()
	state.LastL1 = primitives.L1BlockCommitment{Height: 200}

	out, err := ProcessEvent(state, &SyncEvent{Kind: EvL1Revert, L1: primitives.L1BlockCommitment{Height: 150}}, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if out.State.LastL1.Height != 150 {
		t.Fatalf("last L1 height = %d, want 150", out.State.LastL1.Height)
	}

	// A "revert" to a higher height than current is nonsensical and ignored.
	out2, err := ProcessEvent(out.State, &SyncEvent{Kind: EvL1Revert, L1: primitives.L1BlockCommitment{Height: 999}}, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if out2.State.LastL1.Height != 150 {
		t.Fatalf("last L1 height = %d, want unchanged 150", out2.State.LastL1.Height)
	}
}

func TestProcessEventDABatchConfirmsThenFinalizes(t *testing.T) {
	p := testParams()
	p.L1ReorgSafeDepth = 3

	state := NewPreGenesisState()
	state.Status = StatusSyncing

	summary := CheckpointSummary{Epoch: 2, LastSlot: 40, LastBlkid: primitives.L2BlockId{0xC2}}
	da := &SyncEvent{
		Kind:        EvL1DABatch,
		L1:          primitives.L1BlockCommitment{Height: 110, Blkid: primitives.L1BlockId{0xB1}},
		Checkpoints: []CheckpointSummary{summary},
	}

	out, err := ProcessEvent(state, da, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Actions) != 1 || out.Actions[0].Kind != ActionUpdateCheckpointInclusion {
		t.Fatalf("actions = %+v, want single UpdateCheckpointInclusion", out.Actions)
	}
	if out.Actions[0].CkptEpoch != 2 || out.Actions[0].L1Reference.Height != 110 {
		t.Fatalf("inclusion action = %+v", out.Actions[0])
	}
	if out.State.LastCheckpoint == nil {
		t.Fatal("observed checkpoint must be recorded")
	}

	// One block shy of the safe depth: nothing finalizes.
	shy := &SyncEvent{Kind: EvL1Block, L1: primitives.L1BlockCommitment{Height: 112}}
	out2, err := ProcessEvent(out.State, shy, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(out2.Actions) != 0 {
		t.Fatalf("premature actions: %+v", out2.Actions)
	}

	// At depth: the epoch finalizes and the observation clears.
	deep := &SyncEvent{Kind: EvL1Block, L1: primitives.L1BlockCommitment{Height: 113}}
	out3, err := ProcessEvent(out2.State, deep, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(out3.Actions) != 1 || out3.Actions[0].Kind != ActionFinalizeEpoch {
		t.Fatalf("actions = %+v, want single FinalizeEpoch", out3.Actions)
	}
	if out3.Actions[0].Epoch != summary.EpochCommitment() {
		t.Fatalf("finalized epoch = %+v, want %+v", out3.Actions[0].Epoch, summary.EpochCommitment())
	}
	if out3.State.FinalizedEpoch.Epoch != 2 || out3.State.LastCheckpoint != nil {
		t.Fatalf("post state = %+v", out3.State)
	}
}

func TestProcessEventRevertDropsObservedCheckpoint(t *testing.T) {
	p := testParams()
	p.L1ReorgSafeDepth = 3

	state := NewPreGenesisState()
	state.Status = StatusSyncing
	state.LastL1 = primitives.L1BlockCommitment{Height: 115}
	state.LastCheckpoint = &ObservedCheckpoint{
		Summary: CheckpointSummary{Epoch: 2},
		L1Ref:   primitives.L1BlockCommitment{Height: 110},
	}

	revert := &SyncEvent{Kind: EvL1Revert, L1: primitives.L1BlockCommitment{Height: 108}}
	out, err := ProcessEvent(state, revert, p)
	if err != nil {
		t.Fatal(err)
	}
	if out.State.LastCheckpoint != nil {
		t.Fatal("checkpoint observed in a reorged-out block must be dropped")
	}

	// A revert above the checkpoint's block leaves it observed.
	state.LastCheckpoint = &ObservedCheckpoint{
		Summary: CheckpointSummary{Epoch: 2},
		L1Ref:   primitives.L1BlockCommitment{Height: 110},
	}
	shallow := &SyncEvent{Kind: EvL1Revert, L1: primitives.L1BlockCommitment{Height: 112}}
	out2, err := ProcessEvent(state, shallow, p)
	if err != nil {
		t.Fatal(err)
	}
	if out2.State.LastCheckpoint == nil {
		t.Fatal("shallow revert must not drop the observed checkpoint")
	}
}
