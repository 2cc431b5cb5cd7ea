package market

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/klingon-exchange/klingdex/pkg/logging"
)

// Network is the narrow sending capability Community needs from the
// transport layer (internal/node): encode payload for tag and deliver
// it to peer, using whatever hybrid direct-stream/pubsub strategy the
// transport implements.
type Network interface {
	Send(peer TraderId, tag MessageTag, payload interface{}) error
}

// Config carries every market-domain setting enumerated in spec §6 and
// SPEC_FULL.md §A.2.
type Config struct {
	MatchWindow            time.Duration
	MatchSendInterval      time.Duration
	NumOrderSync           int
	MaxOrderTimeout        time.Duration
	UseIncrementalPayments bool
	RecordTransactions     bool
	IsMatchmaker           bool
	BloomFalsePositiveRate float64
}

// DefaultConfig returns sensible defaults matching spec §6's guidance.
func DefaultConfig() Config {
	return Config{
		MatchWindow:            3 * time.Second,
		MatchSendInterval:      0,
		NumOrderSync:           10,
		MaxOrderTimeout:        24 * time.Hour,
		UseIncrementalPayments: false,
		RecordTransactions:     true,
		IsMatchmaker:           false,
		BloomFalsePositiveRate: BloomFalsePositiveRate,
	}
}

// Community is the single owned value created at startup and passed by
// mutable borrow to handlers dispatched by the event loop (design note,
// spec §9): it wires together the order ledger, orderbook, match caches,
// negotiation state machine, settlement drivers, and request cache, and
// implements every *Host interface those subsystems need.
type Community struct {
	mu sync.RWMutex

	self   TraderId
	config Config
	log    *logging.Logger

	orders      map[OrderId]*Order
	matchCaches map[OrderId]*MatchCache
	book        *OrderBook

	negotiation *Negotiation
	reqCache    *RequestCache
	pinger      *Pinger
	orderStatus *OrderStatusRequester
	router      *Router

	transactions map[TransactionId]*Transaction
	settlements  map[TransactionId]*SettlementDriver

	chain    Chain
	peers    PeerDirectory
	wallets  map[string]Wallet
	network  Network
	recorder TransactionRecorder

	nextOrderNumber OrderNumber
	nextTxNumber    TransactionNumber

	blockHashes map[OrderId]string
}

// NewCommunity wires a fresh Community from its external capabilities.
func NewCommunity(self TraderId, cfg Config, chain Chain, peers PeerDirectory, network Network) *Community {
	c := &Community{
		self:         self,
		config:       cfg,
		log:          logging.GetDefault().Component("community"),
		orders:       make(map[OrderId]*Order),
		matchCaches:  make(map[OrderId]*MatchCache),
		transactions: make(map[TransactionId]*Transaction),
		settlements:  make(map[TransactionId]*SettlementDriver),
		wallets:      make(map[string]Wallet),
		blockHashes:  make(map[OrderId]string),
		chain:        chain,
		peers:        peers,
		network:      network,
		reqCache:     NewRequestCache(),
	}
	if cfg.IsMatchmaker {
		c.book = NewOrderBook()
	}
	c.negotiation = NewNegotiation(c, c.reqCache)
	c.pinger = NewPinger(c, c.reqCache)
	c.orderStatus = NewOrderStatusRequester(c, c.reqCache)
	return c
}

// RegisterWallet installs the Wallet capability for assetTag.
func (c *Community) RegisterWallet(assetTag string, w Wallet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallets[assetTag] = w
}

// AttachTransactionRecorder installs the durable-storage capability used
// by PersistTransaction/PersistPayment when RecordTransactions is set. A
// Community with no recorder attached keeps settlement state in memory
// only, same as if RecordTransactions were false.
func (c *Community) AttachTransactionRecorder(r TransactionRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// AttachRouter registers every wire handler on r, wiring tags to this
// Community's logic. mutatesChain is set for handlers that create, sign,
// or otherwise touch local chain state.
func (c *Community) AttachRouter(r *Router) {
	c.router = r
	r.Register(TagMatch, false, c.handleMatch)
	r.Register(TagMatchDecline, false, c.handleMatchDecline)
	r.Register(TagProposedTrade, true, c.handleProposedTrade)
	r.Register(TagCounterTrade, true, c.handleCounterTrade)
	r.Register(TagDeclinedTrade, false, c.handleDeclinedTrade)
	r.Register(TagWalletInfo, false, c.handleWalletInfo)
	r.Register(TagPayment, true, c.handlePayment)
	r.Register(TagOrderQuery, false, c.handleOrderQuery)
	r.Register(TagOrderResponse, false, c.handleOrderResponse)
	r.Register(TagBookSync, true, c.handleBookSync)
	r.Register(TagPing, false, c.handlePing)
	r.Register(TagPong, false, c.handlePong)
}

// --- order lifecycle -------------------------------------------------

// CreateOrder registers a new local order and its match cache. The
// caller is responsible for signing the creation block and calling
// Verify once it is durably recorded.
func (c *Community) CreateOrder(assets AssetPair, isAsk bool, timeoutMs int64) (*Order, error) {
	if time.Duration(timeoutMs)*time.Millisecond > c.config.MaxOrderTimeout {
		return nil, fmt.Errorf("market: order timeout %dms exceeds max %s", timeoutMs, c.config.MaxOrderTimeout)
	}

	c.mu.Lock()
	c.nextOrderNumber++
	num := c.nextOrderNumber
	id := OrderId{TraderId: c.self, OrderNumber: num}
	order := NewOrder(id, assets, isAsk, timeoutMs, Now())
	c.orders[id] = order
	c.matchCaches[id] = NewMatchCache(id, isAsk, c)
	c.mu.Unlock()

	return order, nil
}

// CancelOrder transitions order to cancelled locally. The caller
// separately produces and sends the cancel_order block.
func (c *Community) CancelOrder(id OrderId) {
	c.mu.RLock()
	order := c.orders[id]
	c.mu.RUnlock()
	if order != nil {
		order.Cancel()
	}
}

// Orders returns a snapshot of every order this Community created
// locally, for RPC inspection. Remote orders are not included.
func (c *Community) Orders() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Snapshot, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o.Snapshot())
	}
	return out
}

// Transactions returns a snapshot of every settlement transaction this
// Community currently knows about, for RPC inspection.
func (c *Community) Transactions() []TransactionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TransactionSnapshot, 0, len(c.transactions))
	for _, t := range c.transactions {
		out = append(out, t.Snapshot())
	}
	return out
}

// --- MatchCacheHost ----------------------------------------------------

func (c *Community) Order(id OrderId) *Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orders[id]
}

func (c *Community) MatchCacheFor(id OrderId) *MatchCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matchCaches[id]
}

func (c *Community) MatchWindow() time.Duration {
	return c.config.MatchWindow
}

func (c *Community) MatchSendInterval() time.Duration {
	return c.config.MatchSendInterval
}

func (c *Community) SendDeclineMatch(orderId, counterId OrderId, matchmaker TraderId, reason MatchDeclineReason) {
	c.network.Send(matchmaker, TagMatchDecline, MatchDeclineMessage{
		TraderId:      c.self,
		Timestamp:     Now(),
		OrderNumber:   orderId.OrderNumber,
		OtherOrderId:  counterId,
		DeclineReason: reason,
	})
}

func (c *Community) AcceptAndPropose(orderId, counterId OrderId) {
	c.negotiation.AcceptAndPropose(orderId, counterId)
}

// --- NegotiationHost -----------------------------------------------------

func (c *Community) Self() TraderId {
	return c.self
}

func (c *Community) ResolveAddress(id TraderId) (string, error) {
	if addr, ok := c.peers.Lookup(id); ok {
		return addr, nil
	}
	addr, err := c.peers.ResolveViaDHT(id)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAddressLookupFailed, id)
	}
	c.peers.Update(id, addr)
	return addr, nil
}

func (c *Community) SendProposedTrade(to TraderId, msg ProposedTradeMessage) {
	c.network.Send(to, TagProposedTrade, msg)
}

func (c *Community) SendCounterTrade(to TraderId, msg ProposedTradeMessage) {
	c.network.Send(to, TagCounterTrade, msg)
}

func (c *Community) SendDeclinedTrade(to TraderId, msg DeclinedTradeMessage) {
	c.network.Send(to, TagDeclinedTrade, msg)
}

func (c *Community) NextProposalId() ProposalId {
	return ProposalId(rand.Uint32())
}

// StartSettlement implements settlement step 1: construct a fresh
// Transaction and settlement driver, then kick off the order-status
// query / tx_init exchange of steps 2-3.
func (c *Community) StartSettlement(localOrderId, counterOrderId OrderId, assets AssetPair, initiator bool) {
	c.mu.Lock()
	c.nextTxNumber++
	txId := TransactionId{TraderId: c.self, TransactionNumber: c.nextTxNumber}
	localOrder := c.orders[localOrderId]
	c.mu.Unlock()

	if localOrder == nil {
		return
	}

	tx := NewTransaction(txId, localOrderId, counterOrderId, assets)
	driver := NewSettlementDriver(c, tx, localOrderId, counterOrderId, localOrder.IsAsk(), initiator)

	c.mu.Lock()
	c.transactions[txId] = tx
	c.settlements[txId] = driver
	c.mu.Unlock()
	c.PersistTransaction(tx.Snapshot())

	c.orderStatus.FetchOrderStatus(counterOrderId.TraderId, counterOrderId, func(remote Snapshot, err error) {
		if err != nil {
			c.log.Warn("order status fetch failed, aborting settlement", "transaction", txId, "error", err)
			driver.Abort()
			return
		}
		ownHash, counterHash, signErr := c.SignTxInit(localOrder.Snapshot(), remote, tx.Snapshot())
		if signErr != nil {
			c.log.Warn("tx_init signing failed, aborting settlement", "transaction", txId, "error", signErr)
			driver.Abort()
			return
		}
		c.blockHashes[localOrderId] = ownHash
		c.blockHashes[counterOrderId] = counterHash
		if err := driver.SendWalletInfo(); err != nil {
			c.log.Warn("wallet info exchange failed", "transaction", txId, "error", err)
			driver.Abort()
		}
	})
}

// --- SettlementHost ------------------------------------------------------

func (c *Community) NextTransactionNumber() TransactionNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTxNumber++
	return c.nextTxNumber
}

func (c *Community) FetchOrderStatus(peer TraderId, orderId OrderId) (Snapshot, error) {
	result := make(chan struct {
		snap Snapshot
		err  error
	}, 1)
	c.orderStatus.FetchOrderStatus(peer, orderId, func(s Snapshot, err error) {
		result <- struct {
			snap Snapshot
			err  error
		}{s, err}
	})
	r := <-result
	return r.snap, r.err
}

func (c *Community) SignTxInit(local, remote Snapshot, tx TransactionSnapshot) (string, string, error) {
	own, counter, err := c.chain.SignBlock(remote.OrderId.TraderId, nil, BlockTxInit, TxInitPayload{
		Local:   local,
		Remote:  remote,
		Tx:      tx,
		Version: ProtocolVersion,
	})
	if err != nil {
		return "", "", err
	}
	return own.Hash, counter.Hash, nil
}

func (c *Community) SignTxDone(local, remote Snapshot, tx TransactionSnapshot) (string, string, error) {
	own, counter, err := c.chain.SignBlock(remote.OrderId.TraderId, nil, BlockTxDone, TxDonePayload{
		Local:   local,
		Remote:  remote,
		Tx:      tx,
		Version: ProtocolVersion,
	})
	if err != nil {
		return "", "", err
	}
	return own.Hash, counter.Hash, nil
}

func (c *Community) SendWalletInfo(peer TraderId, msg WalletInfoMessage) {
	c.network.Send(peer, TagWalletInfo, msg)
}

func (c *Community) Wallet(assetTag string) (Wallet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.wallets[assetTag]
	if !ok {
		return nil, fmt.Errorf("market: no wallet registered for asset %s", assetTag)
	}
	return w, nil
}

func (c *Community) SendPayment(peer TraderId, msg PaymentMessage) {
	c.network.Send(peer, TagPayment, msg)
}

func (c *Community) NotifyMatchmakers(localOrderId, counterOrderId OrderId, orderBlockHash, partnerBlockHash string) {
	c.mu.RLock()
	mc := c.matchCaches[localOrderId]
	c.mu.RUnlock()
	if mc == nil {
		return
	}
	mc.OnSettlementSuccess(counterOrderId, func(matchmaker TraderId) {
		c.network.Send(matchmaker, TagMatchDone, MatchDoneMessage{
			OrderBlockHash:   orderBlockHash,
			PartnerBlockHash: partnerBlockHash,
		})
	})
}

func (c *Community) UseIncrementalPayments() bool {
	return c.config.UseIncrementalPayments
}

func (c *Community) RecordTransactions() bool {
	return c.config.RecordTransactions
}

// PersistTransaction durably saves snap's current state, if
// RecordTransactions is set and a recorder is attached. Failures are
// logged, not returned: persistence is best-effort bookkeeping, never a
// reason to abort an in-flight settlement.
func (c *Community) PersistTransaction(snap TransactionSnapshot) {
	c.mu.RLock()
	recorder := c.recorder
	c.mu.RUnlock()
	if !c.config.RecordTransactions || recorder == nil {
		return
	}
	if err := recorder.SaveTransaction(snap); err != nil {
		c.log.Warn("failed to persist transaction", "transaction", snap.Id, "error", err)
	}
}

// PersistPayment durably records one payment leg against txId, under the
// same RecordTransactions gate as PersistTransaction.
func (c *Community) PersistPayment(txId TransactionId, p Payment) {
	c.mu.RLock()
	recorder := c.recorder
	c.mu.RUnlock()
	if !c.config.RecordTransactions || recorder == nil {
		return
	}
	if err := recorder.RecordPayment(txId, p); err != nil {
		c.log.Warn("failed to persist payment", "transaction", txId, "payment", p.PaymentId, "error", err)
	}
}

// --- PingHost / OrderStatusHost ------------------------------------------

func (c *Community) SendPing(peer TraderId, msg PingMessage) {
	c.network.Send(peer, TagPing, msg)
}

func (c *Community) SendOrderQuery(peer TraderId, msg OrderQueryMessage) {
	c.network.Send(peer, TagOrderQuery, msg)
}

func (c *Community) SendOrderResponse(peer TraderId, msg OrderResponseMessage) {
	c.network.Send(peer, TagOrderResponse, msg)
}

// --- OrderSyncHost / BlockBookHost ---------------------------------------

func (c *Community) KnownOrderIds() []OrderId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]OrderId, 0, len(c.blockHashes))
	for id := range c.blockHashes {
		ids = append(ids, id)
	}
	return ids
}

func (c *Community) BlockHashFor(id OrderId) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.blockHashes[id]
	return h, ok
}

func (c *Community) SendBlock(peer TraderId, blockHash string) {
	block, ok := c.chain.GetBlockWithHash(blockHash)
	if !ok {
		return
	}
	_ = c.chain.SendBlock(block, 0)
}

func (c *Community) NumOrderSync() int {
	return c.config.NumOrderSync
}

func (c *Community) Book() *OrderBook {
	return c.book
}

func (c *Community) TickExpiry(id OrderId, at Timestamp, timeoutMs int64) {
	delay := at.Time().Add(time.Duration(timeoutMs) * time.Millisecond).Sub(time.Now())
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		if c.book == nil {
			return
		}
		if c.book.IsCompleted(id) || c.book.IsCancelled(id) {
			return
		}
		c.book.Remove(id)
	})
}

// MatchAgainstLocalThenTick announces every counter order that
// OrderBook.MatchCandidates returns for the new tick t. It makes no
// separate first pass over this node's own orders.
func (c *Community) MatchAgainstLocalThenTick(t Tick) {
	if c.book == nil {
		return
	}
	candidates := c.book.MatchCandidates(t, Now())
	for _, counter := range candidates {
		c.announceMatch(t, counter)
	}
}

func (c *Community) OnOrderTerminal(id OrderId) {
	c.mu.RLock()
	caches := make([]*MatchCache, 0, len(c.matchCaches))
	for _, mc := range c.matchCaches {
		caches = append(caches, mc)
	}
	c.mu.RUnlock()
	for _, mc := range caches {
		mc.OnOrderCompleted(id)
	}
}

// announceMatch emits MATCH to both traders behind a and b, implementing
// the matchmaker side of spec §4.3's first sentence ("each payload names
// one counter order_id, the counterparty's assets, and the announcing
// matchmaker").
func (c *Community) announceMatch(a, b Tick) {
	c.network.Send(a.OrderId.TraderId, TagMatch, MatchMessage{
		SenderTraderId:     c.self,
		Timestamp:          Now(),
		Tick:               tickSnapshot(b),
		RecipientOrderNum:  a.OrderId.OrderNumber,
		MatchedTraderId:    b.OrderId.TraderId,
		MatchmakerTraderId: c.self,
	})
	c.network.Send(b.OrderId.TraderId, TagMatch, MatchMessage{
		SenderTraderId:     c.self,
		Timestamp:          Now(),
		Tick:               tickSnapshot(a),
		RecipientOrderNum:  b.OrderId.OrderNumber,
		MatchedTraderId:    a.OrderId.TraderId,
		MatchmakerTraderId: c.self,
	})
}

func tickSnapshot(t Tick) TickSnapshot {
	return TickSnapshot{
		OrderId:   t.OrderId,
		Assets:    t.Assets,
		IsAsk:     t.IsAsk,
		TimeoutMs: t.TimeoutMs,
		Timestamp: t.Timestamp,
	}
}

// --- wire handlers --------------------------------------------------------

func (c *Community) handleMatch(sender TraderId, payload []byte) error {
	msg, err := decodeMatch(payload)
	if err != nil {
		return err
	}
	localId := OrderId{TraderId: c.self, OrderNumber: msg.RecipientOrderNum}
	mc := c.MatchCacheFor(localId)
	if mc == nil {
		return nil
	}
	mc.ReceiveMatch(MatchPayload{
		CounterOrderId: msg.Tick.OrderId,
		CounterAssets:  msg.Tick.Assets,
		CounterIsAsk:   msg.Tick.IsAsk,
		Matchmaker:     msg.MatchmakerTraderId,
	})
	return nil
}

func (c *Community) handleMatchDecline(sender TraderId, payload []byte) error {
	msg, err := decodeMatchDecline(payload)
	if err != nil {
		return err
	}
	localId := OrderId{TraderId: c.self, OrderNumber: msg.OrderNumber}
	mc := c.MatchCacheFor(localId)
	if mc == nil {
		return nil
	}
	mc.OnOrderCompleted(msg.OtherOrderId)
	return nil
}

func (c *Community) handleProposedTrade(sender TraderId, payload []byte) error {
	msg, err := decodeProposedTrade(payload)
	if err != nil {
		return err
	}
	c.negotiation.ReceivedProposedTrade(msg)
	return nil
}

func (c *Community) handleCounterTrade(sender TraderId, payload []byte) error {
	msg, err := decodeProposedTrade(payload)
	if err != nil {
		return err
	}
	c.negotiation.ReceivedCounterTrade(msg)
	return nil
}

func (c *Community) handleDeclinedTrade(sender TraderId, payload []byte) error {
	msg, err := decodeDeclinedTrade(payload)
	if err != nil {
		return err
	}
	c.negotiation.ReceivedDeclineTrade(msg)
	return nil
}

func (c *Community) handleWalletInfo(sender TraderId, payload []byte) error {
	msg, err := decodeWalletInfo(payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	driver := c.settlements[msg.TransactionId]
	c.mu.RUnlock()
	if driver == nil {
		return nil
	}
	return driver.ReceiveWalletInfo(msg)
}

func (c *Community) handlePayment(sender TraderId, payload []byte) error {
	msg, err := decodePayment(payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	driver := c.settlements[msg.TransactionId]
	c.mu.RUnlock()
	if driver == nil {
		return nil
	}
	return driver.ReceivePayment(msg)
}

func (c *Community) handleOrderQuery(sender TraderId, payload []byte) error {
	msg, err := decodeOrderQuery(payload)
	if err != nil {
		return err
	}
	c.orderStatus.ReceiveOrderQuery(sender, msg)
	return nil
}

func (c *Community) handleOrderResponse(sender TraderId, payload []byte) error {
	msg, err := decodeOrderResponse(payload)
	if err != nil {
		return err
	}
	c.orderStatus.ReceiveOrderResponse(msg)
	return nil
}

func (c *Community) handleBookSync(sender TraderId, payload []byte) error {
	msg, err := decodeBookSync(payload)
	if err != nil {
		return err
	}
	return HandleBookSync(c, sender, msg.MembershipFilter)
}

func (c *Community) handlePing(sender TraderId, payload []byte) error {
	msg, err := decodePing(payload)
	if err != nil {
		return err
	}
	c.network.Send(sender, TagPong, PingMessage{
		TraderId:   c.self,
		Timestamp:  Now(),
		Identifier: msg.Identifier,
	})
	return nil
}

func (c *Community) handlePong(sender TraderId, payload []byte) error {
	msg, err := decodePing(payload)
	if err != nil {
		return err
	}
	c.pinger.ReceivePong(msg.Identifier, func(bool) {})
	return nil
}
