package bridge

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/basinrollup/basin/primitives"
)

func TestBtcecEngineRoundTrip(t *testing.T) {
	engine := BtcecEngine{}

	priv1, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	priv2, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pubkeys := []*btcec.PublicKey{priv1.PubKey(), priv2.PubKey()}

	aggKey, err := engine.AggregateKey(pubkeys)
	if err != nil {
		t.Fatalf("AggregateKey: %v", err)
	}

	msg := [32]byte{}
	for i := range msg {
		msg[i] = byte(i)
	}

	pn1, sn1, err := engine.GenNonce(priv1, pubkeys, msg)
	if err != nil {
		t.Fatalf("GenNonce(1): %v", err)
	}
	pn2, sn2, err := engine.GenNonce(priv2, pubkeys, msg)
	if err != nil {
		t.Fatalf("GenNonce(2): %v", err)
	}

	aggNonce, err := engine.AggregateNonces([]PubNonce{pn1, pn2})
	if err != nil {
		t.Fatalf("AggregateNonces: %v", err)
	}

	sig1, err := engine.Sign(sn1, priv1, aggNonce, pubkeys, msg)
	if err != nil {
		t.Fatalf("Sign(1): %v", err)
	}
	sig2, err := engine.Sign(sn2, priv2, aggNonce, pubkeys, msg)
	if err != nil {
		t.Fatalf("Sign(2): %v", err)
	}

	final, err := engine.CombineSigs(aggNonce, []PartialSig{sig1, sig2}, pubkeys, msg)
	if err != nil {
		t.Fatalf("CombineSigs: %v", err)
	}

	if !VerifyAggregate(aggKey, msg, final) {
		t.Fatal("expected final aggregated signature to verify")
	}
}

func TestPubkeyTableSorted(t *testing.T) {
	priv1, _ := btcec.NewPrivateKey()
	priv2, _ := btcec.NewPrivateKey()

	table := PubkeyTable{
		primitives.OperatorIdx(3): priv1.PubKey(),
		primitives.OperatorIdx(1): priv2.PubKey(),
	}
	idxs, keys := table.sorted()
	if len(idxs) != 2 || idxs[0] != 1 || idxs[1] != 3 {
		t.Fatalf("expected ascending operator order, got %v", idxs)
	}
	if keys[0] != priv2.PubKey() || keys[1] != priv1.PubKey() {
		t.Fatal("keys not aligned with sorted indices")
	}
}
