package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/basinrollup/basin/chaintsn"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/primitives"
)

var elog = log.Default().Module("engine")

type refPayload struct {
	out     *chaintsn.ExecUpdateOutput
	gasUsed uint64
}

// RefClient is an in-process reference EL: it "builds" a payload
// synchronously (no real computation, just a deterministic block hash over
// the applied ops) and reports it valid immediately. Useful standalone for
// devnets and tests where a real execution layer isn't wired up.
type RefClient struct {
	mu       sync.Mutex
	seq      atomic.Uint64
	payloads map[PayloadID]*refPayload
	finalized primitives.L2BlockId
}

// NewRefClient creates an empty RefClient.
func NewRefClient() *RefClient {
	return &RefClient{payloads: make(map[PayloadID]*refPayload)}
}

// PreparePayload implements Client. The reference EL charges a flat
// per-op gas cost and clamps to RemainingGasLimit when set, so block
// assembly's gas-budget plumbing has something real
// to exercise in tests without a genuine EL.
func (c *RefClient) PreparePayload(env PayloadEnv) (PayloadID, error) {
	id := PayloadID(fmt.Sprintf("ref-%d", c.seq.Add(1)))

	h := sha256.New()
	var buf [4]byte
	for _, op := range env.Input.AppliedOps {
		binary.BigEndian.PutUint32(buf[:], op.DepositIntentIdx)
		h.Write([]byte{byte(op.Kind)})
		h.Write(buf[:])
	}
	blockHash, err := primitives.Buf32FromSlice(h.Sum(nil))
	if err != nil {
		return "", err
	}

	const gasPerOp = 21000
	gasUsed := uint64(len(env.Input.AppliedOps)) * gasPerOp
	if env.RemainingGasLimit != nil && gasUsed > *env.RemainingGasLimit {
		gasUsed = *env.RemainingGasLimit
	}

	p := &refPayload{
		out:     &chaintsn.ExecUpdateOutput{NewELBlock: blockHash},
		gasUsed: gasUsed,
	}

	c.mu.Lock()
	c.payloads[id] = p
	c.mu.Unlock()

	elog.Debug("prepared reference payload", "id", id, "ops", len(env.Input.AppliedOps), "gasUsed", gasUsed)
	return id, nil
}

// PayloadStatus implements Client: the reference EL always resolves
// instantly as Valid.
func (c *RefClient) PayloadStatus(id PayloadID) (PayloadStatus, *chaintsn.ExecUpdateOutput, uint64, error) {
	c.mu.Lock()
	p, ok := c.payloads[id]
	c.mu.Unlock()
	if !ok {
		return StatusUnknown, nil, 0, &ErrPayloadNotFound{ID: id}
	}
	return StatusValid, p.out, p.gasUsed, nil
}

// UpdateFinalizedBlock implements Client (and so csm.EngineFinalizer).
func (c *RefClient) UpdateFinalizedBlock(blkid primitives.L2BlockId) error {
	c.mu.Lock()
	c.finalized = blkid
	c.mu.Unlock()
	elog.Info("execution layer finalized block updated", "blkid", blkid)
	return nil
}

// Finalized returns the most recently finalized block id, for tests.
func (c *RefClient) Finalized() primitives.L2BlockId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}
