package chainstate

// WriteOpKind tags the kind of state mutation recorded in a WriteBatch.
type WriteOpKind uint8

const (
	OpUpsertDeposit WriteOpKind = iota
	OpRemoveDeposit
	OpAppendL1Manifest
	OpAdvanceSafeHeight
	OpAppendWithdrawIntent
	OpSetEpochState
)

// WriteOp is one atomic state mutation applied by the STF. WriteBatch is
// the ordered list of these plus the resulting post-state snapshot; it's
// the atomic unit of persistence.
type WriteOp struct {
	Kind WriteOpKind

	Deposit  *DepositEntry // OpUpsertDeposit
	DepositIdx uint32      // OpRemoveDeposit

	Manifest *L1BlockManifest // OpAppendL1Manifest
	Height   uint64           // OpAdvanceSafeHeight

	WithdrawIntent *WithdrawalIntent // OpAppendWithdrawIntent
}

// WriteBatch is the ordered list of operations process_block applied, plus
// the resulting post-state. Applying Ops to PreState must reproduce
// PostState exactly.
type WriteBatch struct {
	PreSlot  uint64
	PostSlot uint64
	Ops       []WriteOp
	PostState *Chainstate
}

// Apply replays a WriteBatch's Ops against a fresh copy of PreState and
// returns the resulting Chainstate. Used by tests asserting
// apply(state, write_batch(state, block)) == process_block(state, block).
func Apply(pre *Chainstate, wb *WriteBatch) *Chainstate {
	cur := pre.Clone()
	for _, op := range wb.Ops {
		switch op.Kind {
		case OpUpsertDeposit:
			d := *op.Deposit
			if !cur.DepositsTable.Update(d.Index, d) {
				cur.DepositsTable.Insert(d)
			}
		case OpRemoveDeposit:
			cur.DepositsTable.Remove(op.DepositIdx)
		case OpAppendL1Manifest:
			cur.L1View.MaturationQueue = append(cur.L1View.MaturationQueue, *op.Manifest)
		case OpAdvanceSafeHeight:
			cur.L1View.SafeHeight = op.Height
		case OpAppendWithdrawIntent:
			cur.PendingWithdraws = append(cur.PendingWithdraws, *op.WithdrawIntent)
		}
	}
	return cur
}
