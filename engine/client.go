// Package engine talks to the execution layer the rollup delegates intent
// processing to: preparing and polling an ExecUpdate for the slot currently
// being assembled, and notifying it once a block finalizes. The wire protocol mirrors go-ethereum's
// Engine API shape (JSON-RPC over HTTP with JWT bearer auth) generalized
// from payload-of-EVM-transactions to payload-of-rollup-ops.
package engine

import (
	"fmt"

	"github.com/basinrollup/basin/chaintsn"
	"github.com/basinrollup/basin/primitives"
)

// PayloadID identifies an in-progress payload-building job, handed back by
// PreparePayload and polled with PayloadStatus.
type PayloadID string

// PayloadStatus is the coarse state of a requested payload.
type PayloadStatus uint8

const (
	StatusUnknown PayloadStatus = iota
	StatusBuilding
	StatusValid
	StatusInvalid
)

func (s PayloadStatus) String() string {
	switch s {
	case StatusBuilding:
		return "BUILDING"
	case StatusValid:
		return "VALID"
	case StatusInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// PayloadEnv is everything block assembly (package sequencer) knows about
// the slot it's asking the EL to build a payload for: the input ops plus
// the context the EL needs to pick a sane timestamp/parent/gas budget
//. RemainingGasLimit is nil when the rollup has no
// configured epoch gas budget.
type PayloadEnv struct {
	Timestamp         uint64
	ParentL2Blkid     primitives.L2BlockId
	SafeL1Blkid       primitives.Buf32
	Input             chaintsn.ExecUpdateInput
	RemainingGasLimit *uint64
}

// Client is the narrow EL surface the sequencer's block assembly and the
// CSM worker need. It satisfies csm.EngineFinalizer via UpdateFinalizedBlock.
type Client interface {
	// PreparePayload asks the EL to start building an ExecUpdate applying
	// env's ops on top of its current head.
	PreparePayload(env PayloadEnv) (PayloadID, error)

	// PayloadStatus polls a previously requested payload. A StatusValid
	// result carries the finished ExecUpdateOutput and the gas it used.
	PayloadStatus(id PayloadID) (PayloadStatus, *chaintsn.ExecUpdateOutput, uint64, error)

	// UpdateFinalizedBlock tells the EL which L2 block is now finalized, so
	// it can prune/checkpoint its own state accordingly.
	UpdateFinalizedBlock(blkid primitives.L2BlockId) error
}

// ErrPayloadNotFound is returned by PayloadStatus for an unrecognized id.
type ErrPayloadNotFound struct{ ID PayloadID }

func (e *ErrPayloadNotFound) Error() string {
	return fmt.Sprintf("engine: unknown payload id %q", e.ID)
}
