package gossip

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basinrollup/basin/primitives"
)

func dialTestRelay(t *testing.T, srv *httptest.Server) *WSRelayClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := DialWSRelay(url)
	if err != nil {
		t.Fatalf("DialWSRelay: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWSRelayBroadcastsBetweenClients(t *testing.T) {
	relay := NewWSRelayServer()
	srv := httptest.NewServer(relay)
	defer srv.Close()

	a := dialTestRelay(t, srv)
	b := dialTestRelay(t, srv)

	scope := Scope{Kind: ScopeV0PubNonce, Txid: primitives.BitcoinTxid{7}}
	chB, unsubB := b.Subscribe(scope)
	defer unsubB()

	// Give the server a moment to register both connections before
	// broadcasting, since Upgrade happens asynchronously per connection.
	deadline := time.Now().Add(time.Second)
	for relay.ConnectionCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if relay.ConnectionCount() < 2 {
		t.Fatalf("expected 2 connections, got %d", relay.ConnectionCount())
	}

	msg := &BridgeMessage{SourceID: 1, Scope: scope, Payload: []byte("pub-nonce-bytes")}
	if err := a.Broadcast(msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case got := <-chB:
		if string(got.Payload) != "pub-nonce-bytes" {
			t.Fatalf("unexpected payload: %q", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}

func TestWSRelayDispatchesOwnBroadcastLocally(t *testing.T) {
	relay := NewWSRelayServer()
	srv := httptest.NewServer(relay)
	defer srv.Close()

	a := dialTestRelay(t, srv)

	scope := Scope{Kind: ScopeV0Sig, Txid: primitives.BitcoinTxid{3}}
	ch, unsub := a.Subscribe(scope)
	defer unsub()

	msg := &BridgeMessage{SourceID: 9, Scope: scope, Payload: []byte("own-sig")}
	if err := a.Broadcast(msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case got := <-ch:
		if string(got.Payload) != "own-sig" {
			t.Fatalf("unexpected payload: %q", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected own broadcast to be dispatched locally")
	}
}

func TestWSRelayScopeIsolation(t *testing.T) {
	relay := NewWSRelayServer()
	srv := httptest.NewServer(relay)
	defer srv.Close()

	a := dialTestRelay(t, srv)
	b := dialTestRelay(t, srv)

	scopeA := Scope{Kind: ScopeV0Sig, Txid: primitives.BitcoinTxid{1}}
	scopeB := Scope{Kind: ScopeV0Sig, Txid: primitives.BitcoinTxid{2}}

	chB, unsubB := b.Subscribe(scopeA)
	defer unsubB()

	deadline := time.Now().Add(time.Second)
	for relay.ConnectionCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Broadcast(&BridgeMessage{SourceID: 1, Scope: scopeB, Payload: []byte("nope")}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case <-chB:
		t.Fatal("subscriber to scopeA should not receive a scopeB broadcast")
	case <-time.After(200 * time.Millisecond):
	}
}
