package forkchoice

import (
	"errors"
	"testing"

	"github.com/basinrollup/basin/chaintracker"
	"github.com/basinrollup/basin/primitives"
)

func blkid(b byte) primitives.L2BlockId {
	var buf primitives.Buf32
	buf[0] = b
	return primitives.L2BlockId(buf)
}

type fakeEngine struct {
	finalized []primitives.L2BlockId
	err       error
}

func (e *fakeEngine) UpdateFinalizedBlock(blkid primitives.L2BlockId) error {
	if e.err != nil {
		return e.err
	}
	e.finalized = append(e.finalized, blkid)
	return nil
}

func newTestManager() (*Manager, *fakeEngine, primitives.L2BlockId) {
	root := blkid(0xF0)
	eng := &fakeEngine{}
	m := NewManager(primitives.L2BlockCommitment{Slot: 0, Blkid: root}, eng)
	return m, eng, root
}

func mustAttach(t *testing.T, m *Manager, id primitives.L2BlockId, slot uint64, parent primitives.L2BlockId) *chaintracker.Reorg {
	t.Helper()
	reorg, err := m.AttachBlock(id, chaintracker.HeaderView{Slot: slot, Parent: parent})
	if err != nil {
		t.Fatalf("attach %v: %v", id, err)
	}
	return reorg
}

func TestAttachExtendsTip(t *testing.T) {
	m, _, root := newTestManager()

	a1 := blkid(0xA1)
	reorg := mustAttach(t, m, a1, 1, root)
	if reorg == nil {
		t.Fatal("expected a tip change")
	}
	if len(reorg.Down) != 0 || len(reorg.Up) != 1 || reorg.Up[0] != a1 {
		t.Fatalf("unexpected reorg for pure extension: %+v", reorg)
	}
	if got := m.Tip(); got.Blkid != a1 || got.Slot != 1 {
		t.Fatalf("tip = %+v, want a1@1", got)
	}
}

func TestAttachNonCanonicalKeepsTip(t *testing.T) {
	m, _, root := newTestManager()

	a1, a2, b1 := blkid(0xA1), blkid(0xA2), blkid(0xB1)
	mustAttach(t, m, a1, 1, root)
	mustAttach(t, m, a2, 2, a1)

	// A same-slot sibling never displaces the incumbent.
	if reorg := mustAttach(t, m, b1, 2, a1); reorg != nil {
		t.Fatalf("sibling at tip slot should not change tip, got %+v", reorg)
	}
	if got := m.Tip(); got.Blkid != a2 {
		t.Fatalf("tip = %v, want a2", got.Blkid)
	}
}

func TestAttachLongerForkReorgs(t *testing.T) {
	m, _, root := newTestManager()

	a1, a2 := blkid(0xA1), blkid(0xA2)
	b1, b2, b3 := blkid(0xB1), blkid(0xB2), blkid(0xB3)
	mustAttach(t, m, a1, 1, root)
	mustAttach(t, m, a2, 2, a1)
	mustAttach(t, m, b1, 2, a1)

	// b2 is the first b-fork block above the tip's slot, so it is the one
	// that moves the tip across the fork.
	reorg := mustAttach(t, m, b2, 3, b1)
	if reorg == nil {
		t.Fatal("expected a reorg onto the longer fork")
	}
	if reorg.Pivot != a1 {
		t.Fatalf("pivot = %v, want a1", reorg.Pivot)
	}
	if len(reorg.Down) != 1 || reorg.Down[0] != a2 {
		t.Fatalf("down = %v, want [a2]", reorg.Down)
	}
	want := []primitives.L2BlockId{b1, b2}
	if len(reorg.Up) != len(want) {
		t.Fatalf("up = %v, want %v", reorg.Up, want)
	}
	for i := range want {
		if reorg.Up[i] != want[i] {
			t.Fatalf("up[%d] = %v, want %v", i, reorg.Up[i], want[i])
		}
	}

	// Building on the new tip is a plain extension with nothing to unwind.
	ext := mustAttach(t, m, b3, 4, b2)
	if ext == nil || len(ext.Down) != 0 || len(ext.Up) != 1 || ext.Up[0] != b3 {
		t.Fatalf("unexpected reorg for extension of the new tip: %+v", ext)
	}
	if got := m.Tip(); got.Blkid != b3 || got.Slot != 4 {
		t.Fatalf("tip = %+v, want b3@4", got)
	}
}

func TestAttachDuplicateIsNoop(t *testing.T) {
	m, _, root := newTestManager()

	a1 := blkid(0xA1)
	mustAttach(t, m, a1, 1, root)
	if reorg := mustAttach(t, m, a1, 1, root); reorg != nil {
		t.Fatalf("duplicate attach should be a no-op, got %+v", reorg)
	}
}

func TestAttachUnknownParent(t *testing.T) {
	m, _, _ := newTestManager()

	_, err := m.AttachBlock(blkid(0xA2), chaintracker.HeaderView{Slot: 2, Parent: blkid(0xA1)})
	if !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("err = %v, want ErrUnknownParent", err)
	}
}

func TestUpdateFinalizedBlockPrunesAndPinsEngine(t *testing.T) {
	m, eng, root := newTestManager()

	a1, a2, b1 := blkid(0xA1), blkid(0xA2), blkid(0xB1)
	mustAttach(t, m, a1, 1, root)
	mustAttach(t, m, a2, 2, a1)
	mustAttach(t, m, b1, 2, a1)

	if err := m.UpdateFinalizedBlock(a2); err != nil {
		t.Fatal(err)
	}
	if got := m.FinalizedTip(); got != a2 {
		t.Fatalf("finalized tip = %v, want a2", got)
	}
	if m.Contains(b1) {
		t.Fatal("sibling of the finalized chain must be pruned")
	}
	if len(eng.finalized) != 1 || eng.finalized[0] != a2 {
		t.Fatalf("engine finalized = %v, want [a2]", eng.finalized)
	}
}

func TestUpdateFinalizedBlockUnknownStillPinsEngine(t *testing.T) {
	m, eng, _ := newTestManager()

	cold := blkid(0xCC)
	if err := m.UpdateFinalizedBlock(cold); err != nil {
		t.Fatal(err)
	}
	if len(eng.finalized) != 1 || eng.finalized[0] != cold {
		t.Fatalf("engine finalized = %v, want [cold]", eng.finalized)
	}
}
