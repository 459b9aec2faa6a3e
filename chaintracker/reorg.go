package chaintracker

import "github.com/basinrollup/basin/primitives"

// Reorg describes the path to walk when switching the canonical tip from
// one block to another: unwind Down to Pivot, then replay Up.
// An identity reorg (start == dest) has empty Down and Up.
type Reorg struct {
	Down  []primitives.L2BlockId
	Pivot primitives.L2BlockId
	Up    []primitives.L2BlockId
}

// IsEmpty reports whether applying the reorg is a no-op.
func (r *Reorg) IsEmpty() bool {
	return len(r.Down) == 0 && len(r.Up) == 0
}

// ComputeReorg finds the path between start and dest, both of which must be
// known to the tracker. It walks both chains upward in lockstep, alternating
// sides so neither can walk past the tracker's finalized tip, until it finds
// a shared ancestor (the pivot) or exceeds limit steps on either side.
//
// Returns false if no common ancestor is found within limit steps.
func (t *Tracker) ComputeReorg(start, dest primitives.L2BlockId, limit int) (*Reorg, bool) {
	if start == dest {
		return &Reorg{Pivot: start}, true
	}
	if !t.Contains(start) || !t.Contains(dest) {
		return nil, false
	}

	down := []primitives.L2BlockId{}
	up := []primitives.L2BlockId{}

	curDown, curUp := start, dest
	seenDown := map[primitives.L2BlockId]int{curDown: 0}
	seenUp := map[primitives.L2BlockId]int{curUp: 0}

	if idx, ok := seenUp[curDown]; ok {
		return &Reorg{Down: down, Pivot: curDown, Up: reverse(up[:idx])}, true
	}
	if idx, ok := seenDown[curUp]; ok {
		return &Reorg{Down: down[:idx], Pivot: curUp, Up: up}, true
	}

	for step := 0; step < limit; step++ {
		advancedAny := false

		if curDown != t.FinalizedTip() {
			parent, ok := t.GetParent(curDown)
			if ok {
				down = append(down, curDown)
				curDown = parent
				seenDown[curDown] = len(down)
				advancedAny = true
				if idx, ok := seenUp[curDown]; ok {
					return &Reorg{Down: down, Pivot: curDown, Up: reverse(up[:idx])}, true
				}
			}
		}

		if curUp != t.FinalizedTip() {
			parent, ok := t.GetParent(curUp)
			if ok {
				up = append(up, curUp)
				curUp = parent
				seenUp[curUp] = len(up)
				advancedAny = true
				if idx, ok := seenDown[curUp]; ok {
					return &Reorg{Down: down[:idx], Pivot: curUp, Up: reverse(up)}, true
				}
			}
		}

		if !advancedAny {
			// Both sides hit the finalized tip without converging: they're
			// on disjoint forks below the root we track, which shouldn't
			// happen for two blocks known to this tracker.
			break
		}
	}
	return nil, false
}

func reverse(in []primitives.L2BlockId) []primitives.L2BlockId {
	out := make([]primitives.L2BlockId, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
