package checkpoint

import (
	"crypto/sha256"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/primitives"
)

type batchInfoWire struct {
	Epoch      uint64
	L1StartHt  uint64
	L1StartId  [32]byte
	L1EndHt    uint64
	L1EndId    [32]byte
	L2StartSl  uint64
	L2StartId  [32]byte
	L2EndSl    uint64
	L2EndId    [32]byte
}

type batchTransitionWire struct {
	Epoch          uint64
	PreStateHash   [32]byte
	PostStateHash  [32]byte
	PrevCheckpoint [32]byte
}

type checkpointWire struct {
	Info       batchInfoWire
	Transition batchTransitionWire
	Proof      []byte
}

type signedCheckpointWire struct {
	Checkpoint checkpointWire
	Sig        [64]byte
}

func toInfoWire(i BatchInfo) batchInfoWire {
	return batchInfoWire{
		Epoch:     i.Epoch,
		L1StartHt: i.L1Start.Height,
		L1StartId: [32]byte(i.L1Start.Blkid),
		L1EndHt:   i.L1End.Height,
		L1EndId:   [32]byte(i.L1End.Blkid),
		L2StartSl: i.L2Start.Slot,
		L2StartId: [32]byte(i.L2Start.Blkid),
		L2EndSl:   i.L2End.Slot,
		L2EndId:   [32]byte(i.L2End.Blkid),
	}
}

func (w batchInfoWire) toInfo() BatchInfo {
	return BatchInfo{
		Epoch:   w.Epoch,
		L1Start: primitives.L1BlockCommitment{Height: w.L1StartHt, Blkid: primitives.L1BlockId(w.L1StartId)},
		L1End:   primitives.L1BlockCommitment{Height: w.L1EndHt, Blkid: primitives.L1BlockId(w.L1EndId)},
		L2Start: primitives.L2BlockCommitment{Slot: w.L2StartSl, Blkid: primitives.L2BlockId(w.L2StartId)},
		L2End:   primitives.L2BlockCommitment{Slot: w.L2EndSl, Blkid: primitives.L2BlockId(w.L2EndId)},
	}
}

func toTransitionWire(t BatchTransition) batchTransitionWire {
	return batchTransitionWire{
		Epoch:          t.Epoch,
		PreStateHash:   [32]byte(t.PreStateHash),
		PostStateHash:  [32]byte(t.PostStateHash),
		PrevCheckpoint: [32]byte(t.PrevCheckpoint),
	}
}

func (w batchTransitionWire) toTransition() BatchTransition {
	return BatchTransition{
		Epoch:          w.Epoch,
		PreStateHash:   primitives.Buf32(w.PreStateHash),
		PostStateHash:  primitives.Buf32(w.PostStateHash),
		PrevCheckpoint: primitives.Buf32(w.PrevCheckpoint),
	}
}

// MarshalSignedCheckpoint borsh-encodes a SignedCheckpoint for inclusion in
// an L1 OpCheckpoint protocol operation.
func MarshalSignedCheckpoint(sc SignedCheckpoint) ([]byte, error) {
	w := signedCheckpointWire{
		Checkpoint: checkpointWire{
			Info:       toInfoWire(sc.Checkpoint.Info),
			Transition: toTransitionWire(sc.Checkpoint.Transition),
			Proof:      sc.Checkpoint.Proof,
		},
		Sig: [64]byte(sc.Sig),
	}
	out, err := borsh.Serialize(w)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encoding signed checkpoint: %w", err)
	}
	return out, nil
}

// UnmarshalSignedCheckpoint decodes bytes extracted from an OpCheckpoint's
// CheckpointBytes field.
func UnmarshalSignedCheckpoint(data []byte) (SignedCheckpoint, error) {
	var w signedCheckpointWire
	if err := borsh.Deserialize(&w, data); err != nil {
		return SignedCheckpoint{}, fmt.Errorf("checkpoint: decoding signed checkpoint: %w", err)
	}
	return SignedCheckpoint{
		Checkpoint: Checkpoint{
			Info:       w.Checkpoint.Info.toInfo(),
			Transition: w.Checkpoint.Transition.toTransition(),
			Proof:      w.Checkpoint.Proof,
		},
		Sig: primitives.Buf64(w.Sig),
	}, nil
}

// SigningDigest returns the digest a sequencer's credential signs: a
// sha256 over the borsh encoding of the unsigned Checkpoint.
func SigningDigest(c Checkpoint) (primitives.Buf32, error) {
	w := checkpointWire{
		Info:       toInfoWire(c.Info),
		Transition: toTransitionWire(c.Transition),
		Proof:      c.Proof,
	}
	raw, err := borsh.Serialize(w)
	if err != nil {
		return primitives.Buf32{}, err
	}
	return sha256.Sum256(raw), nil
}

// SummaryParser implements l1reader.CheckpointParser: it decodes a
// checkpoint payload just far enough to report which epoch it commits and
// that epoch's terminal L2 block.
type SummaryParser struct{}

// ParseCheckpointSummary decodes raw as a borsh SignedCheckpoint.
func (SummaryParser) ParseCheckpointSummary(raw []byte) (epoch, lastSlot uint64, lastBlkid primitives.Buf32, ok bool) {
	sc, err := UnmarshalSignedCheckpoint(raw)
	if err != nil {
		return 0, 0, primitives.Buf32{}, false
	}
	info := sc.Checkpoint.Info
	return info.Epoch, info.L2End.Slot, primitives.Buf32(info.L2End.Blkid), true
}
