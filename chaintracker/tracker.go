// Package chaintracker implements the in-memory forest of unfinalized L2
// blocks above the last finalized tip, and reorg-path computation between
// any two blocks in that forest.
//
// Parent/child links are represented as an arena of indices rather than a
// pointer graph, so the tracker can be
// copied, inspected, and garbage-collected (via pruning) without dealing
// with Go's lack of weak references.
package chaintracker

import (
	"errors"

	"github.com/basinrollup/basin/primitives"
)

var (
	ErrUnknownBlock  = errors.New("chaintracker: unknown block")
	ErrUnknownParent = errors.New("chaintracker: parent not attached")
	ErrAlreadyExists = errors.New("chaintracker: block already attached")
)

type node struct {
	blkid    primitives.L2BlockId
	header   HeaderView
	parent   int // arena index, -1 for the finalized root
	children []int
}

// HeaderView is the minimal header information the tracker needs. Callers
// embed their full SignedL2BlockHeader behind this.
type HeaderView struct {
	Slot   uint64
	Parent primitives.L2BlockId
}

// Tracker is the arena-backed unfinalized block forest.
type Tracker struct {
	arena    []node
	byBlkid  map[primitives.L2BlockId]int
	finalized int // arena index of the current finalized tip
}

// New creates a Tracker rooted at the given finalized tip.
func New(finalized primitives.L2BlockCommitment, header HeaderView) *Tracker {
	t := &Tracker{byBlkid: make(map[primitives.L2BlockId]int)}
	t.arena = append(t.arena, node{blkid: finalized.Blkid, header: header, parent: -1})
	t.byBlkid[finalized.Blkid] = 0
	t.finalized = 0
	return t
}

// AttachBlock adds a new block above an already-attached parent.
func (t *Tracker) AttachBlock(blkid primitives.L2BlockId, header HeaderView) error {
	if _, exists := t.byBlkid[blkid]; exists {
		return ErrAlreadyExists
	}
	pIdx, ok := t.byBlkid[header.Parent]
	if !ok {
		return ErrUnknownParent
	}
	idx := len(t.arena)
	t.arena = append(t.arena, node{blkid: blkid, header: header, parent: pIdx})
	t.byBlkid[blkid] = idx
	t.arena[pIdx].children = append(t.arena[pIdx].children, idx)
	return nil
}

// GetParent returns the parent blkid of a known block.
func (t *Tracker) GetParent(blkid primitives.L2BlockId) (primitives.L2BlockId, bool) {
	idx, ok := t.byBlkid[blkid]
	if !ok || t.arena[idx].parent == -1 {
		return primitives.L2BlockId{}, false
	}
	return t.arena[t.arena[idx].parent].blkid, true
}

// Contains reports whether blkid is known to the tracker.
func (t *Tracker) Contains(blkid primitives.L2BlockId) bool {
	_, ok := t.byBlkid[blkid]
	return ok
}

// FinalizedTip returns the block id the tracker is currently rooted at.
func (t *Tracker) FinalizedTip() primitives.L2BlockId {
	return t.arena[t.finalized].blkid
}

// UpdateFinalizedTip re-roots the tracker at blkid, which must be a
// descendant of the current finalized tip, pruning every block that is not
// an ancestor-or-descendant of the new root (i.e. siblings of the
// newly-finalized chain and their subtrees).
func (t *Tracker) UpdateFinalizedTip(blkid primitives.L2BlockId) error {
	newRoot, ok := t.byBlkid[blkid]
	if !ok {
		return ErrUnknownBlock
	}

	// Collect the path from newRoot up to the current finalized tip so we
	// know which ancestors to keep.
	onPath := map[int]bool{}
	for i := newRoot; i != -1; i = t.arena[i].parent {
		onPath[i] = true
		if i == t.finalized {
			break
		}
	}

	// Collect every descendant of newRoot: that subtree survives.
	keep := map[int]bool{}
	var markDescendants func(int)
	markDescendants = func(i int) {
		keep[i] = true
		for _, c := range t.arena[i].children {
			markDescendants(c)
		}
	}
	markDescendants(newRoot)
	for i := range onPath {
		keep[i] = true
	}

	// Preserve relative order for determinism: old index -> new index.
	remap := make(map[int]int, len(keep))
	oldArena := t.arena
	newArena := make([]node, 0, len(keep))
	for oldIdx := range oldArena {
		if keep[oldIdx] {
			remap[oldIdx] = len(newArena)
			newArena = append(newArena, oldArena[oldIdx])
		}
	}
	for newIdx, oldIdx := range keepOrder(oldArena, keep) {
		n := &newArena[newIdx]
		if p := oldArena[oldIdx].parent; p != -1 && keep[p] {
			n.parent = remap[p]
		} else {
			n.parent = -1
		}
		kids := make([]int, 0, len(oldArena[oldIdx].children))
		for _, c := range oldArena[oldIdx].children {
			if keep[c] {
				kids = append(kids, remap[c])
			}
		}
		n.children = kids
	}

	byBlkid := make(map[primitives.L2BlockId]int, len(newArena))
	for i, n := range newArena {
		byBlkid[n.blkid] = i
	}

	t.arena = newArena
	t.byBlkid = byBlkid
	t.finalized = remap[newRoot]
	return nil
}

// keepOrder returns the old arena indices kept, in the same order they were
// appended to the new arena, so callers can zip new index -> old index.
func keepOrder(arena []node, keep map[int]bool) []int {
	out := make([]int, 0, len(keep))
	for i := range arena {
		if keep[i] {
			out = append(out, i)
		}
	}
	return out
}
