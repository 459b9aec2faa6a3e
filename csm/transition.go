package csm

import (
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
)

// ProcessEvent computes the next ClientState and the SyncActions that
// follow from applying ev to state. It never mutates state; callers own
// persisting the returned ClientUpdateOutput's State.
func ProcessEvent(state *ClientState, ev *SyncEvent, p *params.RollupParams) (*ClientUpdateOutput, error) {
	next := state.Clone()
	var actions []SyncAction

	switch ev.Kind {
	case EvL1Block:
		next.LastL1 = ev.L1
		if next.Status == StatusPreGenesis && ev.L1.Height >= p.GenesisL1Height {
			next.Status = StatusSyncing
			next.GenesisL1 = ev.L1
			actions = append(actions, SyncAction{Kind: ActionL2Genesis, L1Blkid: ev.L1.Blkid})
		}

		// An observed checkpoint's epoch finalizes once its containing L1
		// block is buried past the reorg-safe depth.
		if cp := next.LastCheckpoint; cp != nil && ev.L1.Height >= cp.L1Ref.Height+p.L1ReorgSafeDepth {
			epoch := cp.Summary.EpochCommitment()
			actions = append(actions, SyncAction{Kind: ActionFinalizeEpoch, Epoch: epoch})
			next.FinalizedEpoch = epoch
			next.LastCheckpoint = nil
		}

	case EvL1Revert:
		if ev.L1.Height < next.LastL1.Height {
			next.LastL1 = ev.L1
		}
		// A checkpoint whose containing block reorged out is no longer
		// observed; the broadcaster re-lands it and a fresh DA batch
		// re-arms finalization.
		if cp := next.LastCheckpoint; cp != nil && ev.L1.Height < cp.L1Ref.Height {
			next.LastCheckpoint = nil
		}

	case EvNewTipBlock:
		next.TipL2 = ev.L2

	case EvL1DABatch:
		for _, s := range ev.Checkpoints {
			actions = append(actions, SyncAction{
				Kind:        ActionUpdateCheckpointInclusion,
				CkptEpoch:   s.Epoch,
				L1Reference: ev.L1,
			})
			next.LastCheckpoint = &ObservedCheckpoint{Summary: s, L1Ref: ev.L1}
		}
	}

	return &ClientUpdateOutput{State: next, Actions: actions}, nil
}

// FinalizeEpoch is a convenience constructor callers (typically the
// checkpoint finalization path) use to build the SyncAction pair that
// marks an epoch finalized and its checkpoint's L1 inclusion confirmed.
func FinalizeEpoch(epoch primitives.EpochCommitment, l1ref primitives.L1BlockCommitment) []SyncAction {
	return []SyncAction{
		{Kind: ActionUpdateCheckpointInclusion, CkptEpoch: epoch.Epoch, L1Reference: l1ref},
		{Kind: ActionFinalizeEpoch, Epoch: epoch},
	}
}
