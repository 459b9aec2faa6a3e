// Package bridge implements the federation operator's half of spec.md
// §4.6: a per-txid MuSig2 signature manager driving the two-round
// nonce/partial-signature ceremony, and a duty executor that polls for
// bridge duties and runs that ceremony over the gossip transport. There is
// no strata_bridge_sig_manager crate anywhere in the retrieved
// original_source pack (only its caller, crates/bridge-exec/src/handler.rs,
// and bin/bridge-client/src/modes/operator/task_manager.rs), so this
// package's session state machine is modeled directly off how those two
// callers drive it — add_tx_state/get_own_nonce/add_nonce/
// add_own_partial_sig/add_partial_sig/finalize_transaction map one-to-one
// onto handler.rs's SignatureManager calls.
package bridge

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/basinrollup/basin/primitives"
)

// PubNonce is one MuSig2 round-1 public nonce (two compressed points).
type PubNonce [musig2.PubNonceSize]byte

// SecNonce is the secret counterpart to a PubNonce, never transmitted.
type SecNonce [musig2.SecNonceSize]byte

// PartialSig is one operator's MuSig2 partial signature over the shared
// session digest.
type PartialSig primitives.Buf32

// Engine is the narrow MuSig2 capability the signature manager needs,
// kept as an interface so tests can exercise SignatureManager's
// bookkeeping without real secp256k1 arithmetic.
type Engine interface {
	// GenNonce derives a fresh nonce pair for priv, bound to the signing
	// set pubkeys and msg so repeated sessions over the same key never
	// reuse a nonce (catastrophic for Schnorr).
	GenNonce(priv *btcec.PrivateKey, pubkeys []*btcec.PublicKey, msg [32]byte) (PubNonce, SecNonce, error)

	// AggregateNonces combines every operator's PubNonce into the session
	// nonce used for partial signing and final verification.
	AggregateNonces(nonces []PubNonce) (PubNonce, error)

	// Sign produces this operator's partial signature given its secret
	// nonce, private key, the aggregated nonce, the full signing-key set,
	// and the message digest.
	Sign(sec SecNonce, priv *btcec.PrivateKey, aggNonce PubNonce, pubkeys []*btcec.PublicKey, msg [32]byte) (PartialSig, error)

	// CombineSigs aggregates every operator's partial signature into a
	// single valid BIP-340 Schnorr signature over msg.
	CombineSigs(aggNonce PubNonce, sigs []PartialSig, pubkeys []*btcec.PublicKey, msg [32]byte) (primitives.Buf64, error)

	// AggregateKey computes the MuSig2 aggregate public key for pubkeys,
	// the wallet address the federation jointly controls.
	AggregateKey(pubkeys []*btcec.PublicKey) (*btcec.PublicKey, error)
}

// BtcecEngine implements Engine over github.com/btcsuite/btcd/btcec/v2's
// musig2 package, the same secp256k1 stack crypto.Keystore already uses
// for operator Schnorr keys.
type BtcecEngine struct{}

var _ Engine = BtcecEngine{}

func (BtcecEngine) GenNonce(priv *btcec.PrivateKey, pubkeys []*btcec.PublicKey, msg [32]byte) (PubNonce, SecNonce, error) {
	opts := []musig2.NonceGenOption{
		musig2.WithPublicKey(priv.PubKey()),
		musig2.WithNonceSecretKeyAux(priv),
		musig2.WithNonceCombinedKeyAux(pubkeys),
	}
	nonces, err := musig2.GenNonces(opts...)
	if err != nil {
		return PubNonce{}, SecNonce{}, fmt.Errorf("bridge: generating musig2 nonce: %w", err)
	}
	return PubNonce(nonces.PubNonce), SecNonce(nonces.SecNonce), nil
}

func (BtcecEngine) AggregateNonces(nonces []PubNonce) (PubNonce, error) {
	raw := make([][musig2.PubNonceSize]byte, len(nonces))
	for i, n := range nonces {
		raw[i] = [musig2.PubNonceSize]byte(n)
	}
	agg, err := musig2.AggregateNonces(raw)
	if err != nil {
		return PubNonce{}, fmt.Errorf("bridge: aggregating musig2 nonces: %w", err)
	}
	return PubNonce(agg), nil
}

func (BtcecEngine) Sign(sec SecNonce, priv *btcec.PrivateKey, aggNonce PubNonce, pubkeys []*btcec.PublicKey, msg [32]byte) (PartialSig, error) {
	sig, err := musig2.Sign(
		[musig2.SecNonceSize]byte(sec), priv,
		[musig2.PubNonceSize]byte(aggNonce), pubkeys, msg,
		musig2.WithSortedKeys(),
	)
	if err != nil {
		return PartialSig{}, fmt.Errorf("bridge: musig2 partial sign: %w", err)
	}
	var out [32]byte
	sig.S.PutBytesUnchecked(out[:])
	return PartialSig(out), nil
}

func (BtcecEngine) CombineSigs(aggNonce PubNonce, sigs []PartialSig, pubkeys []*btcec.PublicKey, msg [32]byte) (primitives.Buf64, error) {
	aggPubNonce, err := pubNonceToJacobian(aggNonce)
	if err != nil {
		return primitives.Buf64{}, err
	}

	partials := make([]*musig2.PartialSignature, len(sigs))
	for i, s := range sigs {
		var scalar btcec.ModNScalar
		scalar.SetByteSlice(s[:])
		partials[i] = &musig2.PartialSignature{S: &scalar}
	}

	final, err := musig2.CombineSigs(aggPubNonce, partials)
	if err != nil {
		return primitives.Buf64{}, fmt.Errorf("bridge: combining musig2 partial sigs: %w", err)
	}
	return primitives.Buf64FromSlice(final.Serialize())
}

func (BtcecEngine) AggregateKey(pubkeys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	agg, err := musig2.AggregateKeys(pubkeys, true)
	if err != nil {
		return nil, fmt.Errorf("bridge: aggregating musig2 keys: %w", err)
	}
	return agg.FinalKey, nil
}

// pubNonceToJacobian decodes the R2 half of an aggregated PubNonce into
// the Jacobian point musig2.CombineSigs expects, per the package's own
// encode-two-points-per-nonce convention.
func pubNonceToJacobian(n PubNonce) (*btcec.JacobianPoint, error) {
	pub, err := btcec.ParsePubKey(n[33:])
	if err != nil {
		return nil, fmt.Errorf("bridge: parsing aggregated nonce: %w", err)
	}
	var j btcec.JacobianPoint
	pub.AsJacobian(&j)
	return &j, nil
}

// VerifyAggregate checks that sig is a valid BIP-340 signature by
// aggPubkey over msg — used by tests and by finalize_transaction's
// caller to sanity-check a freshly combined signature before broadcast.
func VerifyAggregate(aggPubkey *btcec.PublicKey, msg [32]byte, sig primitives.Buf64) bool {
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return parsed.Verify(msg[:], aggPubkey)
}
