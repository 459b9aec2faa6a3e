package crypto

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/basinrollup/basin/primitives"
)

func signDigest(t *testing.T, priv *btcec.PrivateKey, digest [32]byte) primitives.Buf64 {
	t.Helper()
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	return primitives.Buf64(sig.Serialize())
}

func TestSigLRUCacheVerifyCached(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pubkey, err := primitives.Buf32FromSlice(schnorr.SerializePubKey(priv.PubKey()))
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte("bridge duty message"))
	sig := signDigest(t, priv, digest)

	c := NewSigLRUCache(8)
	valid, err := c.VerifyCached(digest, pubkey, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("expected signature to verify")
	}
	if c.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.Len())
	}

	// Second call should hit the cache rather than re-verifying.
	valid2, err := c.VerifyCached(digest, pubkey, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !valid2 {
		t.Fatal("expected cached verification to still report valid")
	}
	if c.Stats().Hits != 1 {
		t.Fatalf("hits = %d, want 1", c.Stats().Hits)
	}
}

func TestSigLRUCacheEviction(t *testing.T) {
	c := NewSigLRUCache(2)
	var pk primitives.Buf32
	var sg primitives.Buf64

	d1 := sha256.Sum256([]byte("a"))
	d2 := sha256.Sum256([]byte("b"))
	d3 := sha256.Sum256([]byte("c"))

	c.Add(d1, pk, sg, true)
	c.Add(d2, pk, sg, true)
	c.Add(d3, pk, sg, false) // evicts d1 (LRU)

	if _, found := c.Lookup(d1, pk, sg); found {
		t.Fatal("d1 should have been evicted")
	}
	if _, found := c.Lookup(d2, pk, sg); !found {
		t.Fatal("d2 should still be cached")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
}

func TestSigLRUCacheInvalidSignatureCached(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pubkey, err := primitives.Buf32FromSlice(schnorr.SerializePubKey(priv.PubKey()))
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte("msg"))
	otherDigest := sha256.Sum256([]byte("other"))
	sig := signDigest(t, priv, otherDigest) // signs the wrong digest

	c := NewSigLRUCache(8)
	valid, err := c.VerifyCached(digest, pubkey, sig)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("expected verification to fail for mismatched digest")
	}
}
