package storage

import (
	"os"
	"testing"
)

func newChainBlocksTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "klingon-chainblocks-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndGetChainBlock(t *testing.T) {
	store := newChainBlocksTestStorage(t)
	rec := &ChainBlockRecord{
		Hash:           "hash-1",
		BlockType:      "ask",
		TraderID:       "trader-1",
		SequenceNumber: 1,
		Version:        1,
		Payload:        []byte(`{"order_id":"x"}`),
		Signature:      []byte{0x01, 0x02},
	}

	if err := store.AppendChainBlock(rec); err != nil {
		t.Fatalf("AppendChainBlock() error = %v", err)
	}

	got, err := store.GetChainBlock("hash-1")
	if err != nil {
		t.Fatalf("GetChainBlock() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetChainBlock() returned nil for an appended block")
	}
	if got.BlockType != "ask" || got.TraderID != "trader-1" {
		t.Errorf("GetChainBlock() type/trader = %s/%s, want ask/trader-1", got.BlockType, got.TraderID)
	}
	if got.PreviousHash != "" {
		t.Errorf("GetChainBlock() previous hash = %q, want empty for a genesis block", got.PreviousHash)
	}
}

func TestGetChainBlockUnknown(t *testing.T) {
	store := newChainBlocksTestStorage(t)
	got, err := store.GetChainBlock("does-not-exist")
	if err != nil {
		t.Fatalf("GetChainBlock() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetChainBlock() for an unknown hash = %+v, want nil", got)
	}
}

func TestLatestChainBlockFollowsSequence(t *testing.T) {
	store := newChainBlocksTestStorage(t)

	first := &ChainBlockRecord{Hash: "h1", BlockType: "ask", TraderID: "trader-1", SequenceNumber: 1, Version: 1, Payload: []byte("{}"), Signature: []byte{0x1}}
	second := &ChainBlockRecord{Hash: "h2", BlockType: "cancel_order", TraderID: "trader-1", SequenceNumber: 2, PreviousHash: "h1", Version: 1, Payload: []byte("{}"), Signature: []byte{0x2}}

	if err := store.AppendChainBlock(first); err != nil {
		t.Fatalf("AppendChainBlock(first) error = %v", err)
	}
	if err := store.AppendChainBlock(second); err != nil {
		t.Fatalf("AppendChainBlock(second) error = %v", err)
	}

	latest, err := store.LatestChainBlock("trader-1")
	if err != nil {
		t.Fatalf("LatestChainBlock() error = %v", err)
	}
	if latest == nil || latest.Hash != "h2" {
		t.Fatalf("LatestChainBlock() = %+v, want h2", latest)
	}
	if latest.PreviousHash != "h1" {
		t.Errorf("LatestChainBlock() previous hash = %s, want h1", latest.PreviousHash)
	}
}

func TestLatestChainBlockEmptyChain(t *testing.T) {
	store := newChainBlocksTestStorage(t)
	latest, err := store.LatestChainBlock("unknown-trader")
	if err != nil {
		t.Fatalf("LatestChainBlock() error = %v", err)
	}
	if latest != nil {
		t.Errorf("LatestChainBlock() on an empty chain = %+v, want nil", latest)
	}
}

func TestGetLinkedChainBlock(t *testing.T) {
	store := newChainBlocksTestStorage(t)

	own := &ChainBlockRecord{Hash: "own-1", BlockType: "tx_init", TraderID: "trader-1", SequenceNumber: 1, Version: 1, Payload: []byte("{}"), Signature: []byte{0x1}}
	counter := &ChainBlockRecord{Hash: "counter-1", BlockType: "tx_init", TraderID: "trader-2", LinkedHash: "own-1", Version: 1, Payload: []byte("{}"), Signature: []byte{0x2}}

	if err := store.AppendChainBlock(own); err != nil {
		t.Fatalf("AppendChainBlock(own) error = %v", err)
	}
	if err := store.AppendChainBlock(counter); err != nil {
		t.Fatalf("AppendChainBlock(counter) error = %v", err)
	}

	linked, err := store.GetLinkedChainBlock("own-1")
	if err != nil {
		t.Fatalf("GetLinkedChainBlock() error = %v", err)
	}
	if linked == nil || linked.Hash != "counter-1" {
		t.Fatalf("GetLinkedChainBlock() = %+v, want counter-1", linked)
	}
}

func TestListChainBlocksOrdersBySequence(t *testing.T) {
	store := newChainBlocksTestStorage(t)

	for i, h := range []string{"h1", "h2", "h3"} {
		rec := &ChainBlockRecord{
			Hash:           h,
			BlockType:      "ask",
			TraderID:       "trader-1",
			SequenceNumber: uint64(i + 1),
			Version:        1,
			Payload:        []byte("{}"),
			Signature:      []byte{byte(i)},
		}
		if err := store.AppendChainBlock(rec); err != nil {
			t.Fatalf("AppendChainBlock(%s) error = %v", h, err)
		}
	}

	blocks, err := store.ListChainBlocks("trader-1", 0)
	if err != nil {
		t.Fatalf("ListChainBlocks() error = %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("ListChainBlocks() returned %d, want 3", len(blocks))
	}
	for i, want := range []string{"h1", "h2", "h3"} {
		if blocks[i].Hash != want {
			t.Errorf("ListChainBlocks()[%d] = %s, want %s", i, blocks[i].Hash, want)
		}
	}
}
