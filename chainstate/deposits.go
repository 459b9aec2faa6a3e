package chainstate

import "github.com/basinrollup/basin/primitives"

// DepositStatus is the tag of the DepositEntry sum type.
type DepositStatus uint8

const (
	// DepositCreated: recognized on L1, awaiting notarization. Transient —
	// the STF never leaves a block with a Created entry still pending.
	DepositCreated DepositStatus = iota
	// DepositAccepted: funds available, eligible for withdrawal dispatch.
	DepositAccepted
	// DepositDispatched: assigned to an operator to front a withdrawal.
	DepositDispatched
	// DepositFulfilled: the assigned operator has fronted the withdrawal on L1.
	DepositFulfilled
	// DepositReimbursed: operator reimbursed on L2. Terminal; reapable.
	DepositReimbursed
)

func (s DepositStatus) String() string {
	switch s {
	case DepositCreated:
		return "Created"
	case DepositAccepted:
		return "Accepted"
	case DepositDispatched:
		return "Dispatched"
	case DepositFulfilled:
		return "Fulfilled"
	case DepositReimbursed:
		return "Reimbursed"
	default:
		return "Unknown"
	}
}

// DispatchCommand describes what a dispatched deposit is being used to pay.
type DispatchCommand struct {
	Destination []byte // the withdrawal destination script
	Amount      primitives.BitcoinAmount
}

// DepositEntry is one row of the deposits_table. Only the fields relevant
// to Status are meaningful; this mirrors the Rust tagged enum
// `DepositState` from `crates/state/src/bridge_state.rs` using the
// Kind+fields idiom the teacher itself uses for block/receipt status
// (see `core/types` in the original teacher tree).
type DepositEntry struct {
	Index  uint32
	Status DepositStatus

	// Created
	DestIdent []byte

	// Dispatched
	Cmd            DispatchCommand
	Assignee       primitives.OperatorIdx
	ExecDeadline   uint64 // L1 height
	WithdrawalTxid primitives.BitcoinTxid // the txid this dispatch is fronting payment for

	// Fulfilled
	FulfillmentTxid primitives.BitcoinTxid // the operator's actual on-chain payout tx

	Amount primitives.BitcoinAmount
}

// Idx implements chainstate.Indexed.
func (d DepositEntry) Idx() uint32 { return d.Index }

// OperatorEntry is one row of the operator_table.
type OperatorEntry struct {
	Index     uint32
	SigningPK primitives.Buf32
	WalletPK  primitives.Buf32
}

// Idx implements chainstate.Indexed.
func (o OperatorEntry) Idx() uint32 { return o.Index }

// DepositIntent is a user-initiated L2 request to eventually become a
// withdrawal; these queue up in pending_deposits until the EL consumes
// them.
type DepositIntent struct {
	Amt       primitives.BitcoinAmount
	DestIdent []byte
}

// WithdrawalIntent is an EL-emitted request to withdraw L1 funds.
type WithdrawalIntent struct {
	Amt            primitives.BitcoinAmount
	Destination    []byte
	WithdrawalTxid primitives.BitcoinTxid
}
