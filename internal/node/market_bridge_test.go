package node

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/klingon-exchange/klingdex/internal/market"
)

func TestTraderIdForKeyIsStableAndUnique(t *testing.T) {
	priv1, pub1, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key() error = %v", err)
	}
	_, pub2, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key() error = %v", err)
	}

	id1a, err := TraderIdForKey(pub1)
	if err != nil {
		t.Fatalf("TraderIdForKey() error = %v", err)
	}
	id1b, err := TraderIdForKey(pub1)
	if err != nil {
		t.Fatalf("TraderIdForKey() error = %v", err)
	}
	if id1a != id1b {
		t.Error("TraderIdForKey() is not deterministic for the same key")
	}

	id2, err := TraderIdForKey(pub2)
	if err != nil {
		t.Fatalf("TraderIdForKey() error = %v", err)
	}
	if id1a == id2 {
		t.Error("TraderIdForKey() produced the same id for two distinct keys")
	}

	_ = priv1
}

func TestPeerVerifierRoundTrip(t *testing.T) {
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key() error = %v", err)
	}

	payload := []byte("order announcement payload")
	sig, err := priv.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	pubBytes, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPublicKey() error = %v", err)
	}

	verifier := NewMarketVerifier()
	if !verifier.Verify(pubBytes, sig, payload) {
		t.Error("Verify() rejected a validly signed payload")
	}
	if verifier.Verify(pubBytes, sig, []byte("tampered payload")) {
		t.Error("Verify() accepted a signature over the wrong payload")
	}
}

func TestTraderDirectoryLookupUpdate(t *testing.T) {
	dir := NewTraderDirectory(nil)
	var trader market.TraderId
	trader[0] = 0x42

	if _, ok := dir.Lookup(trader); ok {
		t.Fatal("Lookup() found an entry before any Update()")
	}

	dir.Update(trader, "12D3KooWExamplePeerID")

	addr, ok := dir.Lookup(trader)
	if !ok {
		t.Fatal("Lookup() did not find the entry recorded by Update()")
	}
	if addr != "12D3KooWExamplePeerID" {
		t.Errorf("Lookup() address = %q, want %q", addr, "12D3KooWExamplePeerID")
	}
}

func TestTraderDirectoryResolveViaDHTWithoutNode(t *testing.T) {
	dir := NewTraderDirectory(nil)
	var trader market.TraderId
	trader[0] = 0x07

	if _, err := dir.ResolveViaDHT(trader); err != market.ErrAddressLookupFailed {
		t.Errorf("ResolveViaDHT() error = %v, want %v", err, market.ErrAddressLookupFailed)
	}
}
