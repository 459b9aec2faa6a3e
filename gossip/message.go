// Package gossip implements the bridge operators' signed pub/sub layer:
// BridgeMessage envelopes carrying MuSig2 nonces, partial signatures, and
// final signatures between operators out of band from Bitcoin itself
//.
package gossip

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/primitives"
)

// ScopeKind tags the sum type Scope.
type ScopeKind uint8

const (
	// ScopeMisc is used for debugging/ad-hoc traffic.
	ScopeMisc ScopeKind = iota
	// ScopeV0Sig carries an operator's MuSig2 partial signature for the
	// named txid; the duty executor's signature round runs under it.
	ScopeV0Sig
	// ScopeV0PubNonce carries a MuSig2 public nonce for the named txid.
	ScopeV0PubNonce
	// ScopeV0Reveal is a further txid-scoped kind. It encodes and decodes
	// like the others; the duty executor neither sends nor subscribes to it.
	ScopeV0Reveal
)

// Scope narrows what a BridgeMessage's payload means, keyed by which
// Bitcoin transaction it pertains to (deposits and withdrawals are both
// uniquely identified by a single txid in this protocol, so one Scope type
// serves both).
type Scope struct {
	Kind ScopeKind
	Txid primitives.BitcoinTxid // ScopeV0Sig, ScopeV0PubNonce, ScopeV0Reveal
}

// scopeWire is Scope's borsh wire representation: a tagged union encoded as
// a kind byte followed by the fixed-size txid field (zeroed for Misc).
type scopeWire struct {
	Kind uint8
	Txid [32]byte
}

func (s Scope) toWire() scopeWire {
	return scopeWire{Kind: uint8(s.Kind), Txid: [32]byte(s.Txid)}
}

func (w scopeWire) fromWire() Scope {
	return Scope{Kind: ScopeKind(w.Kind), Txid: primitives.BitcoinTxid(w.Txid)}
}

// MarshalScope borsh-encodes a Scope.
func MarshalScope(s Scope) ([]byte, error) {
	return borsh.Serialize(s.toWire())
}

// UnmarshalScope borsh-decodes a Scope.
func UnmarshalScope(data []byte) (Scope, error) {
	var w scopeWire
	if err := borsh.Deserialize(&w, data); err != nil {
		return Scope{}, err
	}
	return w.fromWire(), nil
}

// BridgeMsgId is a content hash identifying a BridgeMessage, used for
// gossip deduplication.
type BridgeMsgId primitives.Buf32

func (id BridgeMsgId) String() string { return primitives.Buf32(id).String() }

// BridgeMessage is the signed envelope relayed between bridge operators.
// Construct one via Sign, never directly — an unsigned or mis-signed
// message is useless to a receiver that verifies before acting on it.
type BridgeMessage struct {
	SourceID primitives.OperatorIdx
	Sig      primitives.Buf64
	Scope    Scope
	Payload  []byte
}

type bridgeMessageWire struct {
	SourceID uint32
	Sig      [64]byte
	Scope    []byte // borsh-encoded Scope
	Payload  []byte
}

// ComputeId hashes the message's identity fields (everything but the
// signature, which is malleable and carries no data worth deduplicating
// on) into a BridgeMsgId.
func (m *BridgeMessage) ComputeId() (BridgeMsgId, error) {
	scopeBytes, err := MarshalScope(m.Scope)
	if err != nil {
		return BridgeMsgId{}, err
	}

	h := sha256.New()
	var srcBuf [4]byte
	binary.BigEndian.PutUint32(srcBuf[:], uint32(m.SourceID))
	h.Write(srcBuf[:])

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(scopeBytes)))
	h.Write(lenBuf[:])
	h.Write(scopeBytes)

	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(m.Payload)))
	h.Write(lenBuf[:])
	h.Write(m.Payload)

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return BridgeMsgId(sum), nil
}

// signingDigest is what Sign/Verify actually sign: the same fields
// ComputeId covers, so a message's id and its signed content always agree.
func (m *BridgeMessage) signingDigest() ([32]byte, error) {
	id, err := m.ComputeId()
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(id), nil
}

// Sign builds a signed BridgeMessage for scope/payload from sourceID,
// using priv to produce a BIP-340 Schnorr signature over the message's
// content digest.
func Sign(sourceID primitives.OperatorIdx, scope Scope, payload []byte, priv *btcec.PrivateKey) (*BridgeMessage, error) {
	m := &BridgeMessage{SourceID: sourceID, Scope: scope, Payload: payload}
	digest, err := m.signingDigest()
	if err != nil {
		return nil, err
	}

	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("gossip: signing message: %w", err)
	}
	m.Sig = primitives.Buf64(sig.Serialize())
	return m, nil
}

// Verify checks m's signature against pub, over the same digest Sign used.
func (m *BridgeMessage) Verify(pub *btcec.PublicKey) (bool, error) {
	digest, err := m.signingDigest()
	if err != nil {
		return false, err
	}
	sig, err := schnorr.ParseSignature(m.Sig[:])
	if err != nil {
		return false, fmt.Errorf("gossip: parsing signature: %w", err)
	}
	return sig.Verify(digest[:], pub), nil
}

// Marshal borsh-encodes m for wire transport.
func (m *BridgeMessage) Marshal() ([]byte, error) {
	scopeBytes, err := MarshalScope(m.Scope)
	if err != nil {
		return nil, err
	}
	return borsh.Serialize(bridgeMessageWire{
		SourceID: uint32(m.SourceID),
		Sig:      [64]byte(m.Sig),
		Scope:    scopeBytes,
		Payload:  m.Payload,
	})
}

// UnmarshalBridgeMessage reverses Marshal.
func UnmarshalBridgeMessage(data []byte) (*BridgeMessage, error) {
	var w bridgeMessageWire
	if err := borsh.Deserialize(&w, data); err != nil {
		return nil, err
	}
	scope, err := UnmarshalScope(w.Scope)
	if err != nil {
		return nil, err
	}
	return &BridgeMessage{
		SourceID: primitives.OperatorIdx(w.SourceID),
		Sig:      primitives.Buf64(w.Sig),
		Scope:    scope,
		Payload:  w.Payload,
	}, nil
}
