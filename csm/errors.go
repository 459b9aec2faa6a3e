package csm

import "fmt"

// SkippedEventIdx is returned when the worker is asked to advance past an
// event index that isn't exactly one past the current state index: sync
// events must be applied strictly in order, with no gaps.
type SkippedEventIdx struct {
	Want uint64
	Got  uint64
}

func (e *SkippedEventIdx) Error() string {
	return fmt.Sprintf("csm: skipped sync event index: want %d, got %d", e.Want, e.Got)
}

var (
	ErrMissingSyncEvent  = fmt.Errorf("csm: missing sync event in store")
	ErrMissingClientState = fmt.Errorf("csm: no client state found in store")
)
