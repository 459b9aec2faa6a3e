package checkpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/basinrollup/basin/crypto"
	"github.com/basinrollup/basin/params"
)

// ErrEmptyProof marks a checkpoint that carried no proof under a
// non-strict publish mode; whether that's acceptable depends on the
// timeout window, which is the Verifier's call, not this function's.
var ErrEmptyProof = errors.New("checkpoint: empty proof")

// VerifyingKey is a Groth16 verifying key over BN254, in the canonical
// (alpha, beta, gamma, delta, IC) form. params.RollupParams.RollupVK
// borsh-decodes to this shape; it is produced once per rollup deployment
// by the circuit's trusted setup and never changes at runtime.
type VerifyingKey struct {
	Alpha bn254.G1Affine
	Beta  bn254.G2Affine
	Gamma bn254.G2Affine
	Delta bn254.G2Affine
	IC    []bn254.G1Affine
}

// Proof is a Groth16 proof over BN254.
type Proof struct {
	A bn254.G1Affine
	B bn254.G2Affine
	C bn254.G1Affine
}

// VerifyGroth16 checks proof against vk for the given public inputs using
// the classical Groth16 pairing equation:
//
//	e(-A, B) * e(alpha, beta) * e(vkX, gamma) * e(C, delta) == 1
//
// where vkX = IC[0] + sum_i(IC[i+1] * publicInputs[i]).
//
// gnark-crypto (not the gnark SNARK framework, which this module doesn't
// depend on) exposes only the raw pairing primitives, so the verification
// equation is assembled directly on top of bn254.PairingCheck.
func VerifyGroth16(vk *VerifyingKey, proof *Proof, publicInputs []fr.Element) (bool, error) {
	if len(publicInputs) != len(vk.IC)-1 {
		return false, fmt.Errorf("checkpoint: expected %d public inputs, got %d", len(vk.IC)-1, len(publicInputs))
	}

	vkX := vk.IC[0]
	for i, input := range publicInputs {
		var scalar big.Int
		input.BigInt(&scalar)

		var term bn254.G1Affine
		term.ScalarMultiplication(&vk.IC[i+1], &scalar)
		vkX.Add(&vkX, &term)
	}

	var negA bn254.G1Affine
	negA.Neg(&proof.A)

	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{negA, vk.Alpha, vkX, proof.C},
		[]bn254.G2Affine{proof.B, vk.Beta, vk.Gamma, vk.Delta},
	)
	if err != nil {
		return false, fmt.Errorf("checkpoint: pairing check: %w", err)
	}
	return ok, nil
}

// PublicInputsFromTransition derives the Groth16 public input vector from
// a checkpoint's state-transition claim: pre-state hash, post-state hash,
// and the previous checkpoint's commitment, each reduced into the BN254
// scalar field. The circuit is defined to take exactly these three.
func PublicInputsFromTransition(t BatchTransition) []fr.Element {
	var pre, post, prev fr.Element
	pre.SetBytes(t.PreStateHash[:])
	post.SetBytes(t.PostStateHash[:])
	prev.SetBytes(t.PrevCheckpoint[:])
	return []fr.Element{pre, post, prev}
}

// VerifyCredential checks a checkpoint's sequencer-credential signature
// against the rollup's configured CredRule. An "unchecked"
// rule accepts any signature unconditionally (devnets only); a
// "schnorr_key" rule requires a valid BIP-340 signature from the
// configured operator key over the checkpoint's signing digest.
func VerifyCredential(sigCache *crypto.SigLRUCache, rule params.CredRule, sc SignedCheckpoint) (bool, error) {
	if rule.Kind == "unchecked" {
		return true, nil
	}

	digest, err := SigningDigest(sc.Checkpoint)
	if err != nil {
		return false, err
	}

	return sigCache.VerifyCached([32]byte(digest), rule.Key, sc.Sig)
}

// VerifyCheckpoint runs the full two-stage verification a follower applies
// to a checkpoint observed in an OpCheckpoint L1 operation: the
// credential signature first (cheap), then the Groth16 proof (expensive),
// skipped when the proof is absent and params.ProofPublishMode allows it.
func VerifyCheckpoint(sigCache *crypto.SigLRUCache, p *params.RollupParams, vk *VerifyingKey, sc SignedCheckpoint) (bool, error) {
	credOK, err := VerifyCredential(sigCache, p.CredRule, sc)
	if err != nil {
		return false, err
	}
	if !credOK {
		return false, nil
	}

	if len(sc.Checkpoint.Proof) == 0 {
		if p.ProofPublishMode.Strict {
			return false, nil
		}
		// Timeout mode: admissibility depends on the caller's window
		// bookkeeping (see Verifier.emptyProofAdmissible).
		return false, ErrEmptyProof
	}

	proof, err := decodeProof(sc.Checkpoint.Proof)
	if err != nil {
		return false, err
	}
	inputs := PublicInputsFromTransition(sc.Checkpoint.Transition)
	return VerifyGroth16(vk, proof, inputs)
}
