package gossip

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/basinrollup/basin/primitives"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	scope := Scope{Kind: ScopeV0PubNonce, Txid: primitives.BitcoinTxid{1, 2, 3}}
	msg, err := Sign(7, scope, []byte("nonce-bytes"), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := msg.Verify(priv.PubKey())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}

	other, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	ok, err = msg.Verify(other.PubKey())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected signature not to verify against the wrong key")
	}
}

func TestSignTamperedPayloadFailsVerify(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	scope := Scope{Kind: ScopeV0Sig, Txid: primitives.BitcoinTxid{9}}
	msg, err := Sign(1, scope, []byte("partial-sig"), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	msg.Payload = []byte("tampered")
	ok, err := msg.Verify(priv.PubKey())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestMarshalUnmarshalBridgeMessage(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	scope := Scope{Kind: ScopeV0Reveal, Txid: primitives.BitcoinTxid{5, 5, 5}}
	msg, err := Sign(3, scope, []byte("payload"), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := UnmarshalBridgeMessage(raw)
	if err != nil {
		t.Fatalf("UnmarshalBridgeMessage: %v", err)
	}
	if got.SourceID != msg.SourceID || got.Scope != msg.Scope || string(got.Payload) != string(msg.Payload) || got.Sig != msg.Sig {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}

	ok, err := got.Verify(priv.PubKey())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected round-tripped message to still verify")
	}
}

func TestScopeMarshalUnmarshal(t *testing.T) {
	for _, s := range []Scope{
		{Kind: ScopeMisc},
		{Kind: ScopeV0Sig, Txid: primitives.BitcoinTxid{1}},
		{Kind: ScopeV0PubNonce, Txid: primitives.BitcoinTxid{0xff}},
	} {
		raw, err := MarshalScope(s)
		if err != nil {
			t.Fatalf("MarshalScope(%+v): %v", s, err)
		}
		got, err := UnmarshalScope(raw)
		if err != nil {
			t.Fatalf("UnmarshalScope: %v", err)
		}
		if got != s {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
		}
	}
}

func TestComputeIdStableAndContentSensitive(t *testing.T) {
	scope := Scope{Kind: ScopeV0Sig, Txid: primitives.BitcoinTxid{1}}
	m1 := &BridgeMessage{SourceID: 1, Scope: scope, Payload: []byte("a")}
	m2 := &BridgeMessage{SourceID: 1, Scope: scope, Payload: []byte("a")}
	m3 := &BridgeMessage{SourceID: 1, Scope: scope, Payload: []byte("b")}

	id1, err := m1.ComputeId()
	if err != nil {
		t.Fatalf("ComputeId: %v", err)
	}
	id2, err := m2.ComputeId()
	if err != nil {
		t.Fatalf("ComputeId: %v", err)
	}
	id3, err := m3.ComputeId()
	if err != nil {
		t.Fatalf("ComputeId: %v", err)
	}
	if id1 != id2 {
		t.Fatal("expected identical messages to hash to the same id")
	}
	if id1 == id3 {
		t.Fatal("expected different payloads to hash to different ids")
	}
}
