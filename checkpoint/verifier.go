package checkpoint

import (
	"errors"
	"sync"
	"time"

	"github.com/basinrollup/basin/crypto"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/metrics"
	"github.com/basinrollup/basin/params"
)

var clog = log.Default().Module("checkpoint")

// Verifier implements l1reader.CheckpointVerifier: it decodes raw
// OpCheckpoint bytes pulled off L1 and runs the credential-then-proof
// check, swallowing any decode or verification error as "invalid" rather
// than propagating it, since l1reader's contract is to drop bad
// checkpoints and keep scanning, not to abort.
type Verifier struct {
	sigCache *crypto.SigLRUCache
	params   *params.RollupParams
	vk       *VerifyingKey

	mu        sync.Mutex
	emptySeen map[uint64]time.Time
}

// NewVerifier builds a Verifier from a rollup's params and decoded
// verifying key, sharing sigCache with the rest of the node so a
// checkpoint re-seen across polls doesn't re-verify its credential.
func NewVerifier(sigCache *crypto.SigLRUCache, p *params.RollupParams, vk *VerifyingKey) *Verifier {
	return &Verifier{
		sigCache:  sigCache,
		params:    p,
		vk:        vk,
		emptySeen: make(map[uint64]time.Time),
	}
}

// VerifyCheckpointBytes implements l1reader.CheckpointVerifier.
func (v *Verifier) VerifyCheckpointBytes(raw []byte) bool {
	ok := v.verify(raw)
	if ok {
		metrics.CheckpointsAccepted.Inc()
	} else {
		metrics.CheckpointsRejected.Inc()
	}
	return ok
}

func (v *Verifier) verify(raw []byte) bool {
	sc, err := UnmarshalSignedCheckpoint(raw)
	if err != nil {
		clog.Warn("malformed checkpoint bytes", "err", err)
		return false
	}
	ok, err := VerifyCheckpoint(v.sigCache, v.params, v.vk, sc)
	if errors.Is(err, ErrEmptyProof) {
		return v.emptyProofAdmissible(sc.Checkpoint.Info.Epoch)
	}
	if err != nil {
		clog.Warn("checkpoint verification error", "epoch", sc.Checkpoint.Info.Epoch, "err", err)
		return false
	}
	return ok
}

// emptyProofAdmissible enforces the Timeout publish mode: an empty proof
// is rejected until the configured window has elapsed since this epoch's
// checkpoint was first observed without one, after which it's accepted.
func (v *Verifier) emptyProofAdmissible(epoch uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	first, seen := v.emptySeen[epoch]
	if !seen {
		v.emptySeen[epoch] = now
		first = now
	}

	window := time.Duration(v.params.ProofPublishMode.TimeoutSecs) * time.Second
	if now.Sub(first) >= window {
		clog.Warn("accepting empty checkpoint proof after timeout window", "epoch", epoch)
		return true
	}
	clog.Warn("rejecting empty checkpoint proof inside timeout window", "epoch", epoch)
	return false
}
