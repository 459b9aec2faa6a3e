// Package chainstate defines the per-L2-block data model described in
// spec.md §3: the deposits and operator tables, the L1 view, the pending
// deposit/withdrawal intent queues, and the execution-environment state.
// Chainstate is exclusively owned by the STF (package chaintsn) during
// block processing and by the storage layer at rest; the CSM holds
// shared-readable snapshots produced by Clone.
package chainstate

import "github.com/basinrollup/basin/primitives"

// ExecEnvState is the execution layer's view carried inside Chainstate:
// the deposit-intent cursor the EL has consumed up to, and the last EL
// block it produced.
type ExecEnvState struct {
	// PendingDepositsQueue holds intents not yet consumed by an applied
	// Deposit(idx) execution-layer operation.
	PendingDepositsQueue []DepositIntent
	LastELBlock          primitives.Buf32
}

// Chainstate is the full per-L2-block state.
type Chainstate struct {
	Slot          uint64
	LastBlock     primitives.L2BlockId
	CurEpoch      uint64
	PrevEpoch     primitives.EpochCommitment
	EpochFinishing bool

	L1View L1View

	PendingDeposits  []DepositIntent
	PendingWithdraws []WithdrawalIntent

	DepositsTable *SortedVec[DepositEntry]
	OperatorTable *SortedVec[OperatorEntry]

	ExecEnvState ExecEnvState
}

// New creates an empty Chainstate seeded with the genesis operator table.
func New(operators []OperatorEntry, genesisL1Height uint64) *Chainstate {
	ot := NewSortedVec[OperatorEntry]()
	for _, o := range operators {
		ot.Insert(o)
	}
	return &Chainstate{
		DepositsTable: NewSortedVec[DepositEntry](),
		OperatorTable: ot,
		L1View: L1View{
			SafeHeight:         genesisL1Height,
			NextExpectedHeight: genesisL1Height + 1,
		},
	}
}

// Clone produces an independent deep-enough copy suitable for a
// shared-readable CSM snapshot: tables get their own backing arrays, but
// scalar/slice fields that the STF always replaces wholesale (never
// mutates in place) are copied by reference where that's safe.
func (c *Chainstate) Clone() *Chainstate {
	out := *c
	out.DepositsTable = c.DepositsTable.Clone()
	out.OperatorTable = c.OperatorTable.Clone()

	out.L1View.MaturationQueue = append([]L1BlockManifest(nil), c.L1View.MaturationQueue...)
	out.PendingDeposits = append([]DepositIntent(nil), c.PendingDeposits...)
	out.PendingWithdraws = append([]WithdrawalIntent(nil), c.PendingWithdraws...)
	out.ExecEnvState.PendingDepositsQueue = append([]DepositIntent(nil), c.ExecEnvState.PendingDepositsQueue...)
	return &out
}

// CheckInvariants runs every invariant from spec.md §3 that can be checked
// from the state alone (the Dispatched-assignee-is-valid-operator and
// cur_epoch-on-flag-clear invariants are checked as part of STF execution,
// since they depend on the transition, not just the resulting state).
func (c *Chainstate) CheckInvariants() error {
	if err := c.L1View.CheckInvariant(); err != nil {
		return err
	}
	for _, d := range c.DepositsTable.All() {
		if d.Status != DepositDispatched {
			continue
		}
		if _, ok := c.OperatorTable.Get(uint32(d.Assignee)); !ok {
			return errInvariant("dispatched deposit assignee operator idx", uint64(d.Assignee), uint64(d.Assignee))
		}
	}
	return nil
}

// NextDepositIdx returns the index the next deposit entry must use:
// strictly greater than any stored index.
func (c *Chainstate) NextDepositIdx() uint32 {
	if max, ok := c.DepositsTable.MaxIdx(); ok {
		return max + 1
	}
	return 0
}
