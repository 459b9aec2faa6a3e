package chaintsn

import "fmt"

// MismatchEpoch is returned when the chain-state's tracked epoch doesn't
// match the epoch recorded in the new block's parent header. This is a
// protocol violation: the block producer disagreed with the state on what
// epoch it was building in.
type MismatchEpoch struct {
	HeaderEpoch uint64
	StateEpoch  uint64
}

func (e *MismatchEpoch) Error() string {
	return fmt.Sprintf("chaintsn: epoch mismatch: header parent epoch %d, state epoch %d", e.HeaderEpoch, e.StateEpoch)
}

// SkippedBlock is returned when the L1 segment's new-block count doesn't
// advance the safe height by exactly that many blocks, meaning the
// producer skipped or double-counted L1 blocks.
type SkippedBlock struct {
	SafeHeight uint64
	NewHeight  uint64
	NumBlocks  int
}

func (e *SkippedBlock) Error() string {
	return fmt.Sprintf("chaintsn: skipped L1 block(s): safe_height=%d new_height=%d num_blocks=%d", e.SafeHeight, e.NewHeight, e.NumBlocks)
}

// L1BlockIdMismatch is returned when an L1Segment manifest's attested
// block id doesn't match the id computed from its raw header bytes.
type L1BlockIdMismatch struct {
	Height     uint64
	Attested   string
	Computed   string
}

func (e *L1BlockIdMismatch) Error() string {
	return fmt.Sprintf("chaintsn: L1 block id mismatch at height %d: attested %s, computed %s", e.Height, e.Attested, e.Computed)
}

// NoOperators is returned when the deposit-update pass runs against an
// operator table with zero entries: there's nobody to assign deposits to.
var ErrNoOperators = fmt.Errorf("chaintsn: no operators in operator table")

// InsufficientDepositsForIntents is returned when the chain emits more
// ready withdrawals than there are Accepted deposits available to service
// them. Under correct operation this never happens: a rollup can never be
// asked to withdraw more than was deposited.
type InsufficientDepositsForIntents struct {
	NumIntents  int
	NumAssigned int
}

func (e *InsufficientDepositsForIntents) Error() string {
	return fmt.Sprintf("chaintsn: insufficient deposits for withdrawal intents: %d intents, only %d assignable", e.NumIntents, e.NumAssigned)
}
