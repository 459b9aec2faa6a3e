package checkpoint

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/basinrollup/basin/crypto"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
	"github.com/basinrollup/basin/store"
)

func testCheckpoint(epoch uint64) Checkpoint {
	return Checkpoint{
		Info: BatchInfo{
			Epoch:   epoch,
			L1Start: primitives.L1BlockCommitment{Height: 100},
			L1End:   primitives.L1BlockCommitment{Height: 110},
			L2Start: primitives.L2BlockCommitment{Slot: 1000},
			L2End:   primitives.L2BlockCommitment{Slot: 1100},
		},
		Transition: BatchTransition{
			Epoch:         epoch,
			PreStateHash:  primitives.Buf32{0x01},
			PostStateHash: primitives.Buf32{0x02},
		},
	}
}

func TestMarshalUnmarshalSignedCheckpoint(t *testing.T) {
	sc := SignedCheckpoint{Checkpoint: testCheckpoint(3), Sig: primitives.Buf64{0xAB}}

	raw, err := MarshalSignedCheckpoint(sc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalSignedCheckpoint(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Checkpoint.Info.Epoch != 3 || got.Sig != sc.Sig {
		t.Fatalf("got %+v", got)
	}
}

func TestVerifyCredentialUnchecked(t *testing.T) {
	cache := crypto.NewSigLRUCache(16)
	sc := SignedCheckpoint{Checkpoint: testCheckpoint(1)}
	ok, err := VerifyCredential(cache, params.UncheckedCredRule(), sc)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("unchecked rule must accept any signature")
	}
}

func TestVerifyCredentialSchnorr(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pubkey, err := primitives.Buf32FromSlice(schnorr.SerializePubKey(priv.PubKey()))
	if err != nil {
		t.Fatal(err)
	}

	cp := testCheckpoint(2)
	digest, err := SigningDigest(cp)
	if err != nil {
		t.Fatal(err)
	}

	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	var sigBuf primitives.Buf64
	copy(sigBuf[:], sig.Serialize())

	cache := crypto.NewSigLRUCache(16)
	rule := params.SchnorrCredRule(pubkey)

	ok, err := VerifyCredential(cache, rule, SignedCheckpoint{Checkpoint: cp, Sig: sigBuf})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected valid schnorr signature to verify")
	}

	tampered := testCheckpoint(99)
	ok, err = VerifyCredential(cache, rule, SignedCheckpoint{Checkpoint: tampered, Sig: sigBuf})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature over a different checkpoint must not verify")
	}
}

// TestVerifyGroth16Trivial exercises the pairing-check wiring with a
// degenerate instance: C and vkX both the identity element, so the
// equation collapses to e(-alpha,beta)*e(alpha,beta) == 1, which holds
// regardless of the underlying circuit.
func TestVerifyGroth16Trivial(t *testing.T) {
	var alpha bn254.G1Affine
	alpha.ScalarMultiplicationBase(big.NewInt(5))

	var beta bn254.G2Affine
	beta.ScalarMultiplicationBase(big.NewInt(7))

	var gamma, delta bn254.G2Affine
	gamma.ScalarMultiplicationBase(big.NewInt(1))
	delta.ScalarMultiplicationBase(big.NewInt(1))

	vk := &VerifyingKey{
		Alpha: alpha,
		Beta:  beta,
		Gamma: gamma,
		Delta: delta,
		IC:    []bn254.G1Affine{{}}, // identity; no public inputs
	}
	proof := &Proof{
		A: alpha,
		B: beta,
		C: bn254.G1Affine{}, // identity
	}

	ok, err := VerifyGroth16(vk, proof, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected trivial Groth16 instance to verify")
	}
}

func TestStoreLifecycle(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "basin.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewStore(db)
	cp := testCheckpoint(5)

	if err := s.PutPending(cp); err != nil {
		t.Fatal(err)
	}

	entry, found, err := s.Get(5)
	if err != nil {
		t.Fatal(err)
	}
	if !found || entry.Status != StatusPending {
		t.Fatalf("got %+v", entry)
	}

	ref := primitives.L1BlockCommitment{Height: 111, Blkid: primitives.L1BlockId{0xCC}}
	if err := s.MarkConfirmed(5, ref); err != nil {
		t.Fatal(err)
	}
	entry, _, err = s.Get(5)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusConfirmed || entry.L1Ref != ref {
		t.Fatalf("got %+v", entry)
	}

	if err := s.MarkFinalized(5); err != nil {
		t.Fatal(err)
	}
	entry, _, err = s.Get(5)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusFinalized {
		t.Fatalf("got %+v", entry)
	}

	if err := s.MarkFinalized(999); err == nil {
		t.Fatal("expected error marking an unknown epoch finalized")
	}
}

func TestVerifierEmptyProofTimeoutWindow(t *testing.T) {
	cache := crypto.NewSigLRUCache(4)
	cp := testCheckpoint(5)
	raw, err := MarshalSignedCheckpoint(SignedCheckpoint{Checkpoint: cp})
	if err != nil {
		t.Fatal(err)
	}

	strict := &params.RollupParams{CredRule: params.UncheckedCredRule(), ProofPublishMode: params.StrictProofMode()}
	if NewVerifier(cache, strict, nil).VerifyCheckpointBytes(raw) {
		t.Fatal("strict mode must never accept an empty proof")
	}

	waiting := &params.RollupParams{CredRule: params.UncheckedCredRule(), ProofPublishMode: params.TimeoutProofMode(time.Hour)}
	v := NewVerifier(cache, waiting, nil)
	if v.VerifyCheckpointBytes(raw) {
		t.Fatal("empty proof inside the timeout window must be rejected")
	}

	// Backdate the first sighting past the window: now it's admissible.
	v.mu.Lock()
	v.emptySeen[cp.Info.Epoch] = time.Now().Add(-2 * time.Hour)
	v.mu.Unlock()
	if !v.VerifyCheckpointBytes(raw) {
		t.Fatal("empty proof after the timeout window must be accepted")
	}
}
