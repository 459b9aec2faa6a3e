package node

import (
	"sync"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/chaintracker"
	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/csm"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/primitives"
	"github.com/basinrollup/basin/sequencer"
	"github.com/basinrollup/basin/store"
)

var alog = log.Default().Module("node")

// genesisLocker implements csm.GenesisLocker: it records the L1 block
// genesis was locked against, once, so a restarted node never re-emits the
// ActionL2Genesis side effect against a different L1 block.
type genesisLocker struct {
	db *store.DB
}

func newGenesisLocker(db *store.DB) *genesisLocker {
	return &genesisLocker{db: db}
}

// LockGenesis implements csm.GenesisLocker.
func (g *genesisLocker) LockGenesis(l1Blkid primitives.L1BlockId) error {
	if _, found, err := g.db.GetMeta(store.TableCheckpoints, "genesis_l1_blkid"); err != nil {
		return err
	} else if found {
		return nil
	}
	alog.Info("locking genesis", "l1_blkid", l1Blkid)
	return g.db.PutMeta(store.TableCheckpoints, "genesis_l1_blkid", l1Blkid.Bytes())
}

// updateNotifier implements csm.UpdateNotifier: it caches the latest
// ClientState for RPC queries and republishes it on the node's event bus so
// other subsystems (the block assembler's epoch boundary checks, health
// reporting) don't need their own CSM polling loop.
type updateNotifier struct {
	bus *EventBus

	mu    sync.RWMutex
	evIdx uint64
	state *csm.ClientState
}

func newUpdateNotifier(bus *EventBus) *updateNotifier {
	return &updateNotifier{bus: bus}
}

// NotifyUpdate implements csm.UpdateNotifier.
func (n *updateNotifier) NotifyUpdate(evIdx uint64, state *csm.ClientState) {
	n.mu.Lock()
	n.evIdx = evIdx
	n.state = state
	n.mu.Unlock()
	n.bus.PublishAsync(EventSyncCompleted, state)
}

// Current returns the most recently notified (evIdx, ClientState), or
// (0, nil, false) before the worker has processed anything.
func (n *updateNotifier) Current() (uint64, *csm.ClientState, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state == nil {
		return 0, nil, false
	}
	return n.evIdx, n.state, true
}

// epochOracle implements l1reader.EpochOracle. The client state machine
// only tracks the last *finalized* epoch; the epoch an in-flight L1 block
// should be tagged with is the one after that (or 0 before the rollup has
// finalized anything).
type epochOracle struct {
	notifier *updateNotifier
}

func newEpochOracle(n *updateNotifier) *epochOracle {
	return &epochOracle{notifier: n}
}

// CurrentEpoch implements l1reader.EpochOracle.
func (o *epochOracle) CurrentEpoch() uint64 {
	_, state, ok := o.notifier.Current()
	if !ok {
		return 0
	}
	return state.FinalizedEpoch.Epoch + 1
}

// sequencerBlockSink implements sequencer.BlockSink: it persists a
// produced block and its post-state, attaches it to fork choice, and
// feeds the CSM a NewTipBlock sync event.
type sequencerBlockSink struct {
	n *Node
}

// PersistBlock implements sequencer.BlockSink.
func (s *sequencerBlockSink) PersistBlock(blkid primitives.L2BlockId, blk *sequencer.SignedL2Block, postState *chainstate.Chainstate) error {
	n := s.n

	ops := make([]store.ExecOpRecord, len(blk.Body.ExecSegment.Update.Input.AppliedOps))
	for i, op := range blk.Body.ExecSegment.Update.Input.AppliedOps {
		ops[i] = store.ExecOpRecord{Kind: uint8(op.Kind), DepositIntentIdx: op.DepositIntentIdx}
	}

	rec := store.L2BlockRecord{
		Slot:        blk.Header.Slot,
		Epoch:       blk.Header.Epoch,
		Timestamp:   blk.Header.Timestamp,
		ParentBlkid: blk.Header.ParentBlkid,
		BodyHash:    blk.Header.BodyHash,
		StateRoot:   blk.Header.StateRoot,
		L1Segment:   blk.Body.L1Segment.NewManifests,
		ExecOps:     ops,
		Withdrawals: blk.Body.ExecSegment.Update.Output.Withdrawals,
		NewELBlock:  blk.Body.ExecSegment.Update.Output.NewELBlock,
		Sig:         blk.Sig,
	}
	if err := n.l2blocks.PutBlock(blkid, rec); err != nil {
		return err
	}
	if err := n.chainstates.PutChainstate(blk.Header.Slot, postState); err != nil {
		return err
	}

	hv := chaintracker.HeaderView{Slot: blk.Header.Slot, Parent: blk.Header.ParentBlkid}
	if _, err := n.fc.AttachBlock(blkid, hv); err != nil {
		// The block is persisted either way; a cold forest after restart
		// re-roots on the next finalization.
		alog.Warn("could not attach produced block to fork choice", "blkid", blkid, "err", err)
	}

	ev := &csm.SyncEvent{Kind: csm.EvNewTipBlock, L2: primitives.L2BlockCommitment{Slot: blk.Header.Slot, Blkid: blkid}}
	if err := n.events.Submit(ev); err != nil {
		return err
	}

	n.bus.PublishAsync(EventNewL2Block, blkid)
	return nil
}

// checkpointSink implements sequencer.CheckpointSink over the checkpoint
// store.
type checkpointSink struct {
	store *checkpoint.Store
}

// HaveCheckpoint implements sequencer.CheckpointSink.
func (c *checkpointSink) HaveCheckpoint(epoch uint64) (bool, error) {
	_, found, err := c.store.Get(epoch)
	return found, err
}

// CheckpointDigest implements sequencer.CheckpointSink.
func (c *checkpointSink) CheckpointDigest(epoch uint64) (primitives.Buf32, bool, error) {
	entry, found, err := c.store.Get(epoch)
	if err != nil || !found {
		return primitives.Buf32{}, false, err
	}
	digest, err := checkpoint.SigningDigest(entry.Checkpoint)
	if err != nil {
		return primitives.Buf32{}, false, err
	}
	return digest, true, nil
}

// PutPending implements sequencer.CheckpointSink.
func (c *checkpointSink) PutPending(cp checkpoint.Checkpoint) error {
	return c.store.PutPending(cp)
}
