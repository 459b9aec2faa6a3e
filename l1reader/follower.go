package l1reader

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/csm"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/metrics"
	"github.com/basinrollup/basin/primitives"
)

var rlog = log.Default().Module("l1reader")

// BlockSource is the narrow Bitcoin RPC surface the follower needs: the
// current chain tip and random access to blocks by height. Satisfied by a
// thin wrapper over btcd's RPC client in production, and by a fake in
// tests.
type BlockSource interface {
	BestHeight() (uint64, error)
	BlockAtHeight(height uint64) (*wire.MsgBlock, error)
}

// ManifestSink persists manifests as the follower produces them, ahead of
// them entering a block's L1Segment.
type ManifestSink interface {
	StoreManifest(m chainstate.L1BlockManifest) error
}

// EventSink is where the follower raises CSM sync events.
type EventSink interface {
	Submit(ev *csm.SyncEvent) error
}

// EpochOracle tells the follower which epoch to stamp on newly built
// manifests. The rollup's epoch boundary is driven by checkpoint inclusion
// (chaintsn), not by L1 height, so the reader doesn't compute this itself.
type EpochOracle interface {
	CurrentEpoch() uint64
}

// CheckpointVerifier is the narrow surface the follower uses to reject
// malformed or falsely-credentialed checkpoint inscriptions before they
// ever reach chaintsn, which accepts any OpCheckpoint its manifests carry
// at face value. Left unset, checkpoints pass through unverified (used by
// tests that don't care about this path).
type CheckpointVerifier interface {
	VerifyCheckpointBytes(raw []byte) bool
}

// CheckpointParser extracts from a checkpoint payload the fields the
// CSM's DA-batch event carries. Kept separate from CheckpointVerifier
// because parsing is always needed (the CSM can't track inclusion without
// it) while verification is optional on devnets without a verifying key.
type CheckpointParser interface {
	ParseCheckpointSummary(raw []byte) (epoch, lastSlot uint64, lastBlkid primitives.Buf32, ok bool)
}

// Follower polls a BlockSource for new L1 blocks, turning each into a
// manifest and a csm.SyncEvent, and detects reorgs by comparing each new
// block's claimed parent against the last one it accepted.
type Follower struct {
	src       BlockSource
	manifests ManifestSink
	events    EventSink
	epochs    EpochOracle
	filter    *TxFilterConfig
	ckpts     CheckpointVerifier
	parser    CheckpointParser

	horizon    uint64
	lastHeight uint64
	lastHash   primitives.L1BlockId
}

// SetCheckpointVerifier wires a checkpoint credential/proof verifier into
// the follower. Without one, PollOnce passes every OpCheckpoint through
// unverified.
func (f *Follower) SetCheckpointVerifier(v CheckpointVerifier) {
	f.ckpts = v
}

// SetCheckpointParser wires the parser PollOnce uses to build DA-batch
// events from checkpoint-bearing blocks. Without one, L1Block events are
// still emitted but no L1DABatch ever fires.
func (f *Follower) SetCheckpointParser(p CheckpointParser) {
	f.parser = p
}

// NewFollower constructs a Follower that starts scanning at horizon (the L1
// height genesis is anchored to; blocks below it are never relevant).
func NewFollower(src BlockSource, manifests ManifestSink, events EventSink, epochs EpochOracle, filter *TxFilterConfig, horizon uint64) *Follower {
	return &Follower{
		src:        src,
		manifests:  manifests,
		events:     events,
		epochs:     epochs,
		filter:     filter,
		horizon:    horizon,
		lastHeight: horizon - 1,
	}
}

// PollOnce fetches and processes every block between the follower's last
// accepted height and the source's current tip, stopping early (without
// error) if it detects a reorg so the caller can re-poll from the reverted
// height.
func (f *Follower) PollOnce() error {
	best, err := f.src.BestHeight()
	if err != nil {
		return err
	}

	for h := f.lastHeight + 1; h <= best; h++ {
		if h < f.horizon {
			f.lastHeight = h
			continue
		}

		block, err := f.src.BlockAtHeight(h)
		if err != nil {
			return err
		}

		if !f.lastHash.IsZero() {
			prevId := primitives.L1BlockId(block.Header.PrevBlock)
			if prevId != f.lastHash {
				rlog.Warn("detected L1 reorg", "height", h, "expected_prev", f.lastHash, "got_prev", prevId)
				return f.handleReorg(h)
			}
		}

		manifest, err := BuildManifest(block, h, f.epochs.CurrentEpoch(), f.filter)
		if err != nil {
			return err
		}
		f.dropInvalidCheckpoints(&manifest)
		if err := f.manifests.StoreManifest(manifest); err != nil {
			return err
		}

		blkid := manifest.BlockId()
		commitment := primitives.L1BlockCommitment{Height: h, Blkid: blkid}
		ev := &csm.SyncEvent{Kind: csm.EvL1Block, L1: commitment}
		if err := f.events.Submit(ev); err != nil {
			return err
		}

		if summaries := f.checkpointSummaries(&manifest); len(summaries) > 0 {
			da := &csm.SyncEvent{Kind: csm.EvL1DABatch, L1: commitment, Checkpoints: summaries}
			if err := f.events.Submit(da); err != nil {
				return err
			}
		}

		f.lastHeight = h
		f.lastHash = blkid
		metrics.L1BlocksScanned.Inc()
	}
	return nil
}

// checkpointSummaries parses every surviving OpCheckpoint in manifest into
// the summary form EvL1DABatch carries. Payloads the parser can't decode
// are skipped; dropInvalidCheckpoints already ran so these should be rare.
func (f *Follower) checkpointSummaries(manifest *chainstate.L1BlockManifest) []csm.CheckpointSummary {
	if f.parser == nil {
		return nil
	}
	var out []csm.CheckpointSummary
	for _, tx := range manifest.ExtractedTxs {
		for _, op := range tx.Ops {
			if op.Kind != chainstate.OpCheckpoint {
				continue
			}
			epoch, lastSlot, lastBlkid, ok := f.parser.ParseCheckpointSummary(op.CheckpointBytes)
			if !ok {
				rlog.Warn("skipping undecodable checkpoint payload", "height", manifest.Height, "txid", tx.Txid)
				continue
			}
			out = append(out, csm.CheckpointSummary{
				Epoch:     epoch,
				LastSlot:  lastSlot,
				LastBlkid: primitives.L2BlockId(lastBlkid),
			})
		}
	}
	return out
}

// dropInvalidCheckpoints strips any OpCheckpoint whose bytes fail
// f.ckpts's verification from manifest in place, logging and moving on
// rather than aborting the scan: a bad actor posting a garbage checkpoint
// shouldn't be able to stall L1 processing for everyone else.
func (f *Follower) dropInvalidCheckpoints(manifest *chainstate.L1BlockManifest) {
	if f.ckpts == nil {
		return
	}
	for i := range manifest.ExtractedTxs {
		tx := &manifest.ExtractedTxs[i]
		kept := tx.Ops[:0]
		for _, op := range tx.Ops {
			if op.Kind == chainstate.OpCheckpoint && !f.ckpts.VerifyCheckpointBytes(op.CheckpointBytes) {
				rlog.Warn("dropping checkpoint with invalid credential or proof", "height", manifest.Height, "txid", tx.Txid)
				continue
			}
			kept = append(kept, op)
		}
		tx.Ops = kept
	}
}

// handleReorg raises an L1Revert event back to the last height whose block
// the new tip still agrees with, then resets local state so the next
// PollOnce re-walks forward from there.
func (f *Follower) handleReorg(mismatchHeight uint64) error {
	metrics.L1Reorgs.Inc()
	revertTo := mismatchHeight - 1
	if revertTo < f.horizon {
		revertTo = f.horizon - 1
	}

	ev := &csm.SyncEvent{Kind: csm.EvL1Revert, L1: primitives.L1BlockCommitment{Height: revertTo}}
	if err := f.events.Submit(ev); err != nil {
		return err
	}

	f.lastHeight = revertTo
	f.lastHash = primitives.L1BlockId{}
	return nil
}
