package market

import "time"

// ProtocolVersion is the current block payload version. Blocks carrying
// any other version are ignored per spec §6.
const ProtocolVersion = 1

// BlockType names the block kinds the chain capability exposes.
type BlockType string

const (
	BlockAsk         BlockType = "ask"
	BlockBid         BlockType = "bid"
	BlockCancelOrder BlockType = "cancel_order"
	BlockTxInit      BlockType = "tx_init"
	BlockTxPayment   BlockType = "tx_payment"
	BlockTxDone      BlockType = "tx_done"
)

// Block is the chain capability's opaque unit of record. Payload is one
// of the explicit structs below, type-switched by the router.
type Block struct {
	Hash       string
	Type       BlockType
	TraderId   TraderId
	LinkedHash string
	Version    int
	Payload    interface{}
}

// AskBidPayload backs BlockAsk and BlockBid blocks.
type AskBidPayload struct {
	OrderId   OrderId
	Assets    AssetPair
	TimeoutMs int64
	CreatedAt Timestamp
	Version   int
}

// CancelPayload backs BlockCancelOrder blocks.
type CancelPayload struct {
	OrderId OrderId
	Version int
}

// TxInitPayload backs BlockTxInit blocks: both parties' order snapshots
// plus the transaction the bilateral block commits to.
type TxInitPayload struct {
	Local      Snapshot
	Remote     Snapshot
	Tx         TransactionSnapshot
	Version    int
}

// TxPaymentPayload backs BlockTxPayment blocks: a single payer's own
// record of one ledger-level transfer.
type TxPaymentPayload struct {
	TransactionId TransactionId
	Payment       Payment
	Version       int
}

// TxDonePayload backs BlockTxDone blocks: both parties' final order
// snapshots plus the completed transaction.
type TxDonePayload struct {
	Local   Snapshot
	Remote  Snapshot
	Tx      TransactionSnapshot
	Version int
}

// Chain is the append-only signed block log capability, per spec §6.
// Core never mutates chain internals directly; every state change is a
// signed block. All block-producing operations are serialized by a
// single per-chain lock (spec §5), which an implementation must provide
// internally.
type Chain interface {
	CreateSourceBlock(blockType BlockType, payload interface{}) (Block, error)
	SignBlock(peer TraderId, peerPubKey []byte, blockType BlockType, payload interface{}) (own Block, counter Block, err error)
	GetLinked(block Block) (Block, bool)
	GetBlockWithHash(hash string) (Block, bool)
	SendBlock(block Block, ttl time.Duration) error
	SendBlockPair(a, b Block) error
	OnBlock(blockType BlockType, listener func(Block))
}

// PeerDirectory resolves trader identities to network addresses, per
// spec §6. It is an in-memory mapping populated by inbound messages and
// explicit DHT queries.
type PeerDirectory interface {
	Lookup(id TraderId) (address string, ok bool)
	Update(id TraderId, address string)
	ResolveViaDHT(id TraderId) (address string, err error)
}

// BlockBookHost is what the inbound block handler needs to update the
// orderbook and notify dependent subsystems, implementing spec §4.6.
type BlockBookHost interface {
	Book() *OrderBook
	TickExpiry(id OrderId, at Timestamp, timeoutMs int64)
	MatchAgainstLocalThenTick(t Tick)
	OnOrderTerminal(id OrderId)
}

// HandleAskBid implements spec §4.6 step 1-4 for inbound ask/bid blocks:
// reject known-terminal or duplicate order_ids, insert a Tick, hand it to
// host.MatchAgainstLocalThenTick, and schedule expiry.
func HandleAskBid(host BlockBookHost, blockHash string, isAsk bool, payload AskBidPayload) error {
	book := host.Book()
	tick := Tick{
		OrderId:   payload.OrderId,
		Assets:    payload.Assets,
		IsAsk:     isAsk,
		TimeoutMs: payload.TimeoutMs,
		Timestamp: payload.CreatedAt,
		BlockHash: blockHash,
	}
	ok, err := book.Insert(tick)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	host.TickExpiry(payload.OrderId, payload.CreatedAt, payload.TimeoutMs)
	host.MatchAgainstLocalThenTick(tick)
	return nil
}

// HandleCancelOrder implements spec §4.6's cancel_order handling.
func HandleCancelOrder(host BlockBookHost, payload CancelPayload) {
	host.Book().MarkCancelled(payload.OrderId)
	host.OnOrderTerminal(payload.OrderId)
}

// HandleTxDone implements spec §4.6's tx_done handling: advance both
// named ticks' traded amount, removing and marking completed any that
// become fully traded, then let the caller re-match residuals.
func HandleTxDone(host BlockBookHost, payload TxDonePayload) (askCompleted, bidCompleted bool) {
	book := host.Book()

	var askId, bidId OrderId
	if payload.Local.IsAsk {
		askId, bidId = payload.Local.OrderId, payload.Remote.OrderId
	} else {
		askId, bidId = payload.Remote.OrderId, payload.Local.OrderId
	}

	delta := payload.Tx.Assets.First.Count

	if _, ok := book.ApplyTrade(askId, true, delta); ok {
		if book.IsCompleted(askId) {
			askCompleted = true
			host.OnOrderTerminal(askId)
		}
	}
	if _, ok := book.ApplyTrade(bidId, false, delta); ok {
		if book.IsCompleted(bidId) {
			bidCompleted = true
			host.OnOrderTerminal(bidId)
		}
	}
	return askCompleted, bidCompleted
}
