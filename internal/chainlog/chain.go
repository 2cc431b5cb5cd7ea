package chainlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/klingdex/internal/market"
	"github.com/klingon-exchange/klingdex/internal/node"
	"github.com/klingon-exchange/klingdex/internal/storage"
	"github.com/klingon-exchange/klingdex/pkg/helpers"
	"github.com/klingon-exchange/klingdex/pkg/logging"
)

// blockAnnounceType is the single RoutedMessage.Type every chain block is
// gossiped under on the public market topic; the block's own Type field
// (ask, bid, cancel_order, ...) decides which registered OnBlock listener
// fires.
const blockAnnounceType = "market_chain_block"

// announcer is the subset of node.MarketHandler a Chain needs: publish to
// the public gossip topic, and receive whatever was published there.
type announcer interface {
	Announce(ctx context.Context, payload interface{}) error
	OnMessage(msgType string, handler node.RoutedMessageHandler)
}

// wireBlock is the gossiped representation of a market.Block: Payload
// stays raw JSON until the receiver knows the block's Type, at which
// point it is decoded into the matching payload struct (AskBidPayload,
// TxInitPayload, ...).
type wireBlock struct {
	Hash       string          `json:"hash"`
	Type       market.BlockType `json:"type"`
	TraderId   market.TraderId `json:"trader_id"`
	LinkedHash string          `json:"linked_hash,omitempty"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	Signature  []byte          `json:"signature"`
}

// Chain is the storage-backed, secp256k1-signed implementation of
// market.Chain. Every block this trader originates is appended to their
// own chain in storage and signed with privKey; inbound blocks gossiped
// by other traders are cached locally (unsigned-verification is left to
// the application layer, since chain identity keys are not yet resolvable
// through a peer directory) so GetLinked/GetBlockWithHash can serve them
// back to the matching engine.
type Chain struct {
	store    *storage.Storage
	self     market.TraderId
	privKey  *btcec.PrivateKey
	announce announcer
	log      *logging.Logger

	mu        sync.Mutex
	listeners map[market.BlockType][]func(market.Block)
}

// NewChain constructs a Chain for self, signing with privKey and gossiping
// over ann. It registers its own inbound dispatcher on ann immediately, so
// OnBlock listeners start seeing blocks as soon as they are registered.
func NewChain(store *storage.Storage, self market.TraderId, privKey *btcec.PrivateKey, ann announcer) *Chain {
	c := &Chain{
		store:     store,
		self:      self,
		privKey:   privKey,
		announce:  ann,
		log:       logging.GetDefault().Component("chainlog"),
		listeners: make(map[market.BlockType][]func(market.Block)),
	}
	ann.OnMessage(blockAnnounceType, c.handleInbound)
	return c
}

// blockHash derives a block's content hash from everything that makes it
// unique: type, author, position in the author's chain, and payload.
// The double application of sha256 mirrors chainhash's convention for
// Bitcoin block/transaction hashes; wrapping the digest in chainhash.Hash
// gives a fixed-size, comparable identifier consistent with the rest of
// the stack's hash handling.
func blockHash(blockType market.BlockType, trader market.TraderId, seq uint64, prevHash string, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+64)
	buf = append(buf, []byte(blockType)...)
	buf = append(buf, trader[:]...)
	buf = append(buf, []byte(fmt.Sprintf("%d", seq))...)
	buf = append(buf, []byte(prevHash)...)
	buf = append(buf, payload...)

	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	h, err := chainhash.NewHash(second[:])
	if err != nil {
		return second[:]
	}
	return h[:]
}

// CreateSourceBlock appends a new block to self's own chain, signing it
// with privKey and linking it to the chain's current tip via
// SequenceNumber/PreviousHash.
func (c *Chain) CreateSourceBlock(blockType market.BlockType, payload interface{}) (market.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendOwn(blockType, payload, "")
}

// appendOwn appends a block to self's chain, optionally linked to
// linkedHash (used by SignBlock for bilateral commits). Caller holds mu.
func (c *Chain) appendOwn(blockType market.BlockType, payload interface{}, linkedHash string) (market.Block, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return market.Block{}, fmt.Errorf("chainlog: marshal payload: %w", err)
	}

	prev, err := c.store.LatestChainBlock(c.self.String())
	if err != nil {
		return market.Block{}, fmt.Errorf("chainlog: read chain tip: %w", err)
	}
	var seq uint64 = 1
	prevHash := ""
	if prev != nil {
		seq = prev.SequenceNumber + 1
		prevHash = prev.Hash
	}

	hash := blockHash(blockType, c.self, seq, prevHash, payloadBytes)
	sig := btcecdsa.Sign(c.privKey, hash)
	hashHex := hex.EncodeToString(hash)

	rec := &storage.ChainBlockRecord{
		Hash:           hashHex,
		BlockType:      string(blockType),
		TraderID:       c.self.String(),
		SequenceNumber: seq,
		PreviousHash:   prevHash,
		LinkedHash:     linkedHash,
		Version:        market.ProtocolVersion,
		Payload:        payloadBytes,
		Signature:      sig.Serialize(),
	}
	if err := c.store.AppendChainBlock(rec); err != nil {
		return market.Block{}, fmt.Errorf("chainlog: persist block: %w", err)
	}

	return market.Block{
		Hash:       hashHex,
		Type:       blockType,
		TraderId:   c.self,
		LinkedHash: linkedHash,
		Version:    market.ProtocolVersion,
		Payload:    payload,
	}, nil
}

// SignBlock produces the two halves of a bilateral commit (tx_init,
// tx_done): own is appended to self's chain as usual; counter is self's
// record of the same commit filed under the counterparty's trader id, so
// a local lookup by counter.Hash resolves the pairing (via LinkedHash)
// even before the counterparty's own signed half of the block arrives and
// is gossiped back. peerPubKey is accepted per the market.Chain interface
// for a future chain-identity directory; verifying a remote block's
// signature against it is not yet implemented (see DESIGN.md).
func (c *Chain) SignBlock(peer market.TraderId, peerPubKey []byte, blockType market.BlockType, payload interface{}) (own, counter market.Block, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	own, err = c.appendOwn(blockType, payload, "")
	if err != nil {
		return market.Block{}, market.Block{}, err
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return market.Block{}, market.Block{}, fmt.Errorf("chainlog: marshal counter payload: %w", err)
	}
	counterHash := blockHash(blockType, peer, 0, own.Hash, payloadBytes)
	sig := btcecdsa.Sign(c.privKey, counterHash)
	counterHashHex := hex.EncodeToString(counterHash)

	rec := &storage.ChainBlockRecord{
		Hash:       counterHashHex,
		BlockType:  string(blockType),
		TraderID:   peer.String(),
		LinkedHash: own.Hash,
		Version:    market.ProtocolVersion,
		Payload:    payloadBytes,
		Signature:  sig.Serialize(),
	}
	if err := c.store.AppendChainBlock(rec); err != nil {
		return market.Block{}, market.Block{}, fmt.Errorf("chainlog: persist counter block: %w", err)
	}

	counter = market.Block{
		Hash:       counterHashHex,
		Type:       blockType,
		TraderId:   peer,
		LinkedHash: own.Hash,
		Version:    market.ProtocolVersion,
		Payload:    payload,
	}
	return own, counter, nil
}

// GetLinked returns the block whose LinkedHash points at block.Hash, if
// one has been recorded (either our own counter-half from SignBlock, or a
// remote block gossiped back to us).
func (c *Chain) GetLinked(block market.Block) (market.Block, bool) {
	rec, err := c.store.GetLinkedChainBlock(block.Hash)
	if err != nil || rec == nil {
		return market.Block{}, false
	}
	return recordToBlock(rec), true
}

// GetBlockWithHash looks up any known block (ours or a peer's) by hash.
func (c *Chain) GetBlockWithHash(hash string) (market.Block, bool) {
	rec, err := c.store.GetChainBlock(hash)
	if err != nil || rec == nil {
		return market.Block{}, false
	}
	return recordToBlock(rec), true
}

// SendBlock gossips block on the public market topic. ttl is advisory:
// it travels as the wire envelope's deadline so a relaying peer can
// decide when to stop re-announcing it, but this transport does not
// itself expire or re-send anything.
func (c *Chain) SendBlock(block market.Block, ttl time.Duration) error {
	wb, err := c.toWire(block)
	if err != nil {
		return err
	}
	routed := &node.RoutedMessage{
		Type:     blockAnnounceType,
		FromPeer: c.self.String(),
	}
	if ttl > 0 {
		routed.Deadline = time.Now().Add(ttl).Unix()
	}
	payload, err := json.Marshal(wb)
	if err != nil {
		return fmt.Errorf("chainlog: marshal wire block: %w", err)
	}
	routed.Payload = payload
	return c.announce.Announce(context.Background(), routed)
}

// SendBlockPair gossips both halves of a bilateral commit.
func (c *Chain) SendBlockPair(a, b market.Block) error {
	if err := c.SendBlock(a, 0); err != nil {
		return err
	}
	return c.SendBlock(b, 0)
}

// OnBlock registers listener to fire whenever a gossiped block of
// blockType is received.
func (c *Chain) OnBlock(blockType market.BlockType, listener func(market.Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[blockType] = append(c.listeners[blockType], listener)
}

func (c *Chain) toWire(block market.Block) (wireBlock, error) {
	payloadBytes, err := json.Marshal(block.Payload)
	if err != nil {
		return wireBlock{}, fmt.Errorf("chainlog: marshal block payload: %w", err)
	}
	rec, err := c.store.GetChainBlock(block.Hash)
	if err != nil {
		return wireBlock{}, fmt.Errorf("chainlog: look up block for gossip: %w", err)
	}
	var sig []byte
	if rec != nil {
		sig = rec.Signature
	}
	return wireBlock{
		Hash:       block.Hash,
		Type:       block.Type,
		TraderId:   block.TraderId,
		LinkedHash: block.LinkedHash,
		Version:    block.Version,
		Payload:    payloadBytes,
		Signature:  sig,
	}, nil
}

// handleInbound decodes a gossiped wireBlock, persists it under the
// sender's trader id so later GetBlockWithHash/GetLinked calls can
// resolve it, decodes Payload into the concrete struct for blockType, and
// fans it out to any OnBlock listeners registered for that type.
func (c *Chain) handleInbound(ctx context.Context, msg *node.RoutedMessage) error {
	var wb wireBlock
	if err := json.Unmarshal(msg.Payload, &wb); err != nil {
		return fmt.Errorf("chainlog: decode gossiped block: %w", err)
	}
	if wb.TraderId == c.self {
		return nil // our own announcement, echoed back by gossip
	}
	if helpers.IsZeroBytes(wb.Signature) {
		c.log.Warn("Dropping unsigned gossiped block", "hash", wb.Hash, "type", wb.Type)
		return nil
	}
	if wb.Version != market.ProtocolVersion {
		c.log.Warn("Dropping gossiped block with unsupported version", "hash", wb.Hash, "version", wb.Version)
		return nil
	}

	payload, err := decodePayload(wb.Type, wb.Payload)
	if err != nil {
		c.log.Warn("Dropping block with unknown payload shape", "type", wb.Type, "error", err)
		return nil
	}

	existing, err := c.store.GetChainBlock(wb.Hash)
	if err != nil {
		return fmt.Errorf("chainlog: look up inbound block: %w", err)
	}
	if existing != nil {
		if !helpers.ConstantTimeCompare(existing.Signature, wb.Signature) {
			c.log.Warn("Gossiped block resent under the same hash with a different signature", "hash", wb.Hash)
		}
		// Already known: routine under gossip relay, and handlers like
		// market.HandleTxDone have no idempotence guard of their own, so
		// re-dispatching here would double-apply the trade.
		return nil
	}

	rec := &storage.ChainBlockRecord{
		Hash:       wb.Hash,
		BlockType:  string(wb.Type),
		TraderID:   wb.TraderId.String(),
		LinkedHash: wb.LinkedHash,
		Version:    wb.Version,
		Payload:    wb.Payload,
		Signature:  wb.Signature,
	}
	if err := c.store.AppendChainBlock(rec); err != nil {
		c.log.Warn("Failed to persist gossiped block", "hash", wb.Hash, "error", err)
		return nil
	}

	block := market.Block{
		Hash:       wb.Hash,
		Type:       wb.Type,
		TraderId:   wb.TraderId,
		LinkedHash: wb.LinkedHash,
		Version:    wb.Version,
		Payload:    payload,
	}

	c.mu.Lock()
	listeners := append([]func(market.Block){}, c.listeners[wb.Type]...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(block)
	}
	return nil
}

func decodePayload(blockType market.BlockType, raw json.RawMessage) (interface{}, error) {
	switch blockType {
	case market.BlockAsk, market.BlockBid:
		var p market.AskBidPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case market.BlockCancelOrder:
		var p market.CancelPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case market.BlockTxInit:
		var p market.TxInitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case market.BlockTxPayment:
		var p market.TxPaymentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case market.BlockTxDone:
		var p market.TxDonePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown block type %q", blockType)
	}
}

func recordToBlock(rec *storage.ChainBlockRecord) market.Block {
	trader, err := market.TraderIdFromHex(rec.TraderID)
	if err != nil {
		trader = market.TraderId{}
	}
	payload, err := decodePayload(market.BlockType(rec.BlockType), rec.Payload)
	if err != nil {
		payload = nil
	}
	return market.Block{
		Hash:       rec.Hash,
		Type:       market.BlockType(rec.BlockType),
		TraderId:   trader,
		LinkedHash: rec.LinkedHash,
		Version:    rec.Version,
		Payload:    payload,
	}
}
