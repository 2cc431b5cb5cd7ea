package market

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"
)

// MatchDeclineReason is the MATCH_DECLINE wire code, sent by a trader
// back to the matchmaker that announced a candidate.
type MatchDeclineReason uint8

const (
	ReasonOrderCompleted MatchDeclineReason = iota
	ReasonOtherOrderCompleted
	ReasonOtherOrderCancelled
	ReasonOther
)

// MatchPayload is one matchmaker's hint that order_id and CounterOrderId
// are compatible; it is not a commitment.
type MatchPayload struct {
	CounterOrderId OrderId
	CounterAssets  AssetPair
	CounterIsAsk   bool
	Matchmaker     TraderId
}

// matchQueueEntry is a priority queue item: (retries, price, order_id,
// generation) per spec §4.3.
type matchQueueEntry struct {
	retries    int
	price      Price
	orderId    OrderId
	generation int
	payload    MatchPayload
	index      int // heap.Interface bookkeeping
}

// matchPriorityQueue orders candidates for one local order. Lower index
// returned first by heap.Pop. Fewer retries always comes first; among
// equal retries, asks prefer higher price and bids prefer lower price;
// remaining ties break by generation ascending (insertion order).
type matchPriorityQueue struct {
	entries []*matchQueueEntry
	isAsk   bool
}

func (q matchPriorityQueue) Len() int { return len(q.entries) }

func (q matchPriorityQueue) Less(i, j int) bool {
	a, b := q.entries[i], q.entries[j]
	if a.retries != b.retries {
		return a.retries < b.retries
	}
	cmp, err := a.price.Compare(b.price)
	if err != nil || cmp == 0 {
		return a.generation < b.generation
	}
	if q.isAsk {
		return cmp > 0 // higher price wins for an ask
	}
	return cmp < 0 // lower price wins for a bid
}

func (q matchPriorityQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *matchPriorityQueue) Push(x interface{}) {
	e := x.(*matchQueueEntry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

func (q *matchPriorityQueue) Pop() interface{} {
	old := q.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	q.entries = old[:n-1]
	return e
}

// MatchCache batches inbound MATCH payloads for one local order and
// serializes their processing: at most one outstanding_request at a
// time, per spec §5's ordering guarantee.
type MatchCache struct {
	mu sync.Mutex

	orderId OrderId
	isAsk   bool

	queue      matchPriorityQueue
	generation int

	// announcers tracks which matchmakers announced each counter order_id,
	// so settlement success and terminal declines can be reported back to
	// all of them, and so purges on completion/cancellation are exhaustive.
	announcers map[OrderId]map[TraderId]bool

	outstanding    *matchQueueEntry
	windowTimer    *time.Timer
	windowPending  bool
	lastActivity   time.Time

	// host callbacks, injected by the owning community so the cache never
	// holds a back-reference (see the design note on cyclic references).
	host MatchCacheHost
}

// MatchCacheHost is the set of operations a MatchCache needs from its
// owning community. Implementations must not block the event loop.
type MatchCacheHost interface {
	// SendDeclineMatch sends MATCH_DECLINE for orderId's counter to
	// matchmaker with the given reason.
	SendDeclineMatch(orderId, counterId OrderId, matchmaker TraderId, reason MatchDeclineReason)
	// AcceptAndPropose runs accept_match_and_propose (§4.4) for orderId
	// against counterId. Errors are handled internally by the negotiation
	// state machine; AcceptAndPropose never returns control synchronously
	// with a settlement outcome.
	AcceptAndPropose(orderId, counterId OrderId)
	// Order resolves orderId to its live Order, or nil if unknown.
	Order(orderId OrderId) *Order
	// MatchWindow and MatchSendInterval surface the injected configuration.
	MatchWindow() time.Duration
	MatchSendInterval() time.Duration
}

// NewMatchCache constructs a cache for a freshly created local order.
func NewMatchCache(orderId OrderId, isAsk bool, host MatchCacheHost) *MatchCache {
	return &MatchCache{
		orderId:    orderId,
		isAsk:      isAsk,
		queue:      matchPriorityQueue{isAsk: isAsk},
		announcers: make(map[OrderId]map[TraderId]bool),
		host:       host,
	}
}

// ReceiveMatch records a matchmaker's hint and, if this is the first
// pending match for the order, schedules start_process_matches after
// match_window.
func (c *MatchCache) ReceiveMatch(payload MatchPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastActivity = time.Now()

	announcers, ok := c.announcers[payload.CounterOrderId]
	if !ok {
		announcers = make(map[TraderId]bool)
		c.announcers[payload.CounterOrderId] = announcers
	}
	announcers[payload.Matchmaker] = true

	entry := &matchQueueEntry{
		price:      payload.CounterAssets.Price(),
		orderId:    payload.CounterOrderId,
		generation: c.generation,
		payload:    payload,
	}
	c.generation++
	heap.Push(&c.queue, entry)

	if !c.windowPending {
		c.windowPending = true
		c.windowTimer = time.AfterFunc(c.host.MatchWindow(), c.startProcessMatches)
	}
}

// startProcessMatches is the match_window timer callback.
func (c *MatchCache) startProcessMatches() {
	c.mu.Lock()
	c.windowPending = false
	order := c.host.Order(c.orderId)
	c.mu.Unlock()

	if order == nil || order.Status() != OrderOpen {
		c.declineAllPending(ReasonOrderCompleted)
		return
	}
	c.processMatch()
}

// declineAllPending sends reason to every matchmaker behind a pending
// candidate and empties the queue.
func (c *MatchCache) declineAllPending(reason MatchDeclineReason) {
	c.mu.Lock()
	pending := c.queue.entries
	c.queue.entries = nil
	c.mu.Unlock()

	for _, e := range pending {
		for mm := range c.announcers[e.orderId] {
			c.host.SendDeclineMatch(c.orderId, e.orderId, mm, reason)
		}
	}
}

// processMatch pops the best candidate, marks it outstanding, and
// invokes accept-and-propose after a jittered delay (0 on first try,
// 1-2s on retries) to avoid synchronized storms across peers.
func (c *MatchCache) processMatch() {
	c.mu.Lock()
	if c.outstanding != nil || c.queue.Len() == 0 {
		c.mu.Unlock()
		return
	}
	entry := heap.Pop(&c.queue).(*matchQueueEntry)
	c.outstanding = entry
	c.mu.Unlock()

	delay := time.Duration(0)
	if entry.retries > 0 {
		delay = time.Duration(1000+rand.Intn(1000)) * time.Millisecond
	}

	time.AfterFunc(delay, func() {
		c.host.AcceptAndPropose(c.orderId, entry.orderId)
	})
}

// clearOutstanding drops the current outstanding candidate (its terminal
// outcome has already been handled by the caller). It does not pick the
// next candidate.
func (c *MatchCache) clearOutstanding() {
	c.mu.Lock()
	c.outstanding = nil
	c.mu.Unlock()
}

// reinsert pushes entry back onto the queue with the given retry count,
// preserving its original price/payload.
func (c *MatchCache) reinsert(entry *matchQueueEntry, retries int) {
	c.mu.Lock()
	entry.retries = retries
	entry.generation = c.generation
	c.generation++
	heap.Push(&c.queue, entry)
	c.mu.Unlock()
}

// ReceivedDeclineMatchFromNegotiation is called by the trade negotiation
// state machine when the outstanding candidate is declined or fails.
// Implements the reason-remapping table in spec §4.3, supplemented per
// SPEC_FULL.md §C.3 for the OTHER_ORDER_* propagation.
func (c *MatchCache) ReceivedDeclineMatchFromNegotiation(counterId OrderId, reason DeclinedTradeReason) {
	c.mu.Lock()
	entry := c.outstanding
	if entry == nil || entry.orderId != counterId {
		c.mu.Unlock()
		return
	}
	c.outstanding = nil
	c.mu.Unlock()

	switch reason {
	case DeclineOrderReserved:
		c.reinsert(entry, entry.retries+1)
	case DeclineNoAvailableQuantity:
		c.reinsert(entry, entry.retries)
	case DeclineOrderCompleted:
		c.notifyAndDrop(entry, ReasonOtherOrderCompleted)
	case DeclineOrderCancelled:
		c.notifyAndDrop(entry, ReasonOtherOrderCancelled)
	case DeclineAddressLookupFail:
		c.notifyAndDrop(entry, ReasonOther)
	default:
		// Silent drop: invalid order, unacceptable price, or generic OTHER.
	}

	c.processMatch()
}

func (c *MatchCache) notifyAndDrop(entry *matchQueueEntry, reason MatchDeclineReason) {
	for mm := range c.announcers[entry.orderId] {
		c.host.SendDeclineMatch(c.orderId, entry.orderId, mm, reason)
	}
}

// OnOrderCompleted removes every queue entry (pending or outstanding)
// naming counterId, used when the matchmaker reports a counter order
// has externally completed or been cancelled.
func (c *MatchCache) OnOrderCompleted(counterId OrderId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding != nil && c.outstanding.orderId == counterId {
		c.outstanding = nil
	}
	kept := c.queue.entries[:0]
	for _, e := range c.queue.entries {
		if e.orderId != counterId {
			kept = append(kept, e)
		}
	}
	c.queue.entries = kept
	for i, e := range c.queue.entries {
		e.index = i
	}
	delete(c.announcers, counterId)
}

// OnSettlementSuccess notifies every matchmaker that announced counterId
// that settlement finalized, then, if the order still has availability,
// continues processing remaining matches.
func (c *MatchCache) OnSettlementSuccess(counterId OrderId, notify func(matchmaker TraderId)) {
	c.mu.Lock()
	if c.outstanding != nil && c.outstanding.orderId == counterId {
		c.outstanding = nil
	}
	announcers := c.announcers[counterId]
	c.mu.Unlock()

	for mm := range announcers {
		notify(mm)
	}

	order := c.host.Order(c.orderId)
	if order != nil && order.Available() > 0 {
		c.processMatch()
	}
}

// ContainsOrder reports whether id is currently queued or outstanding.
func (c *MatchCache) ContainsOrder(id OrderId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding != nil && c.outstanding.orderId == id {
		return true
	}
	for _, e := range c.queue.entries {
		if e.orderId == id {
			return true
		}
	}
	return false
}

// Idle reports whether the cache has seen no activity for d, the 2-hour
// timeout referenced in spec §3.
func (c *MatchCache) Idle(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastActivity.IsZero() && time.Since(c.lastActivity) > d
}

// MatchCacheIdleTimeout is the 2-hour inactivity timeout from spec §3.
const MatchCacheIdleTimeout = 2 * time.Hour
