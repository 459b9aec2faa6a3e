package chainstate

import "github.com/basinrollup/basin/primitives"

// HeaderVerificationState tracks the running proof-of-work target and
// accumulated difficulty needed to fork-choice by accumulated PoW. This supplements the distilled spec, which asserts PoW fork-choice
// but never models the state needed to compute it; grounded in
// original_source's `crates/state/src/l1/header_verification.rs`.
type HeaderVerificationState struct {
	// LastVerifiedBlockHash is the most recently verified L1 block's id.
	LastVerifiedBlockHash primitives.L1BlockId
	// NextBlockTarget is the compact difficulty target the next header
	// must satisfy.
	NextBlockTarget uint32
	// TotalAccumulatedPoW is the cumulative work (as a big-endian 256-bit
	// integer) of the chain up to and including LastVerifiedBlockHash.
	TotalAccumulatedPoW [32]byte
}

// L1HeaderRecord is the raw on-chain header data for one L1 block.
type L1HeaderRecord struct {
	Blkid         primitives.L1BlockId
	RawHeaderBytes []byte
	TxRoot        primitives.Buf32
}

// L1BlockManifest is an L1 block's header plus the protocol operations
// extracted from its transactions.
type L1BlockManifest struct {
	Record                  L1HeaderRecord
	HeaderVerificationState HeaderVerificationState
	ExtractedTxs            []ExtractedTx
	Epoch                   uint64
	Height                  uint64
}

func (m L1BlockManifest) BlockId() primitives.L1BlockId { return m.Record.Blkid }

// ExtractedTx is a single L1 transaction with the ProtocolOperations found
// in it by the L1 reader's tx filter.
type ExtractedTx struct {
	Txid primitives.BitcoinTxid
	Ops  []ProtocolOperation
}

// ProtocolOperationKind tags the sum type ProtocolOperation.
type ProtocolOperationKind uint8

const (
	OpCheckpoint ProtocolOperationKind = iota
	OpDeposit
	OpDepositRequest
	OpWithdrawalFulfillment
)

// ProtocolOperation is one of the operations the L1 tx filter can recognize
// in a Bitcoin transaction.
type ProtocolOperation struct {
	Kind ProtocolOperationKind

	// OpCheckpoint
	CheckpointBytes []byte // borsh-encoded SignedCheckpoint

	// OpDeposit
	ELAddress [20]byte
	DepositAmt primitives.BitcoinAmount

	// OpDepositRequest
	TakebackLeafHash primitives.Buf32

	// OpWithdrawalFulfillment
	OperatorIdx    primitives.OperatorIdx
	DepositIdx     uint32
	DepositTxid    primitives.BitcoinTxid
	PayoutAmt      primitives.BitcoinAmount
}

// L1View is the chain-state-local view of L1: the highest block considered
// safely committed, the height the next manifest must have, and the queue
// of manifests observed but not yet matured into safe_height.
type L1View struct {
	SafeHeight         uint64
	NextExpectedHeight uint64
	MaturationQueue    []L1BlockManifest
}

// CheckInvariant verifies spec.md §3:
// next_expected_height == safe_height + 1 + len(maturation_queue).
func (v *L1View) CheckInvariant() error {
	want := v.SafeHeight + 1 + uint64(len(v.MaturationQueue))
	if v.NextExpectedHeight != want {
		return errInvariant("l1_view.next_expected_height", want, v.NextExpectedHeight)
	}
	return nil
}
