package market

import (
	"container/heap"
	"testing"
	"time"
)

func priceFor(t *testing.T, base, quote uint64) Price {
	t.Helper()
	pair := testPair(t, base, quote)
	return pair.Price()
}

// Ordering law: retries ascending first, then price (asks prefer higher,
// bids prefer lower), ties broken by insertion order (generation).
func TestMatchPriorityQueueOrdersByRetriesThenPrice(t *testing.T) {
	q := &matchPriorityQueue{isAsk: true}
	heap.Init(q)

	low := &matchQueueEntry{retries: 0, price: priceFor(t, 1, 10), generation: 0}
	high := &matchQueueEntry{retries: 0, price: priceFor(t, 1, 20), generation: 1}
	retried := &matchQueueEntry{retries: 1, price: priceFor(t, 1, 30), generation: 2}

	heap.Push(q, low)
	heap.Push(q, high)
	heap.Push(q, retried)

	// Fewer retries always wins, even against a better price.
	first := heap.Pop(q).(*matchQueueEntry)
	if first != high {
		t.Fatalf("first pop = %+v, want the zero-retry high-price entry", first)
	}
	second := heap.Pop(q).(*matchQueueEntry)
	if second != low {
		t.Fatalf("second pop = %+v, want the zero-retry low-price entry", second)
	}
	third := heap.Pop(q).(*matchQueueEntry)
	if third != retried {
		t.Fatalf("third pop = %+v, want the retried entry last", third)
	}
}

func TestMatchPriorityQueueAskPrefersHigherPrice(t *testing.T) {
	q := &matchPriorityQueue{isAsk: true}
	heap.Init(q)

	cheap := &matchQueueEntry{price: priceFor(t, 1, 10), generation: 0}
	rich := &matchQueueEntry{price: priceFor(t, 1, 20), generation: 1}
	heap.Push(q, cheap)
	heap.Push(q, rich)

	if got := heap.Pop(q).(*matchQueueEntry); got != rich {
		t.Errorf("ask pop = %+v, want the higher-price entry first", got)
	}
}

func TestMatchPriorityQueueBidPrefersLowerPrice(t *testing.T) {
	q := &matchPriorityQueue{isAsk: false}
	heap.Init(q)

	cheap := &matchQueueEntry{price: priceFor(t, 1, 10), generation: 0}
	rich := &matchQueueEntry{price: priceFor(t, 1, 20), generation: 1}
	heap.Push(q, cheap)
	heap.Push(q, rich)

	if got := heap.Pop(q).(*matchQueueEntry); got != cheap {
		t.Errorf("bid pop = %+v, want the lower-price entry first", got)
	}
}

func TestMatchPriorityQueueTiesBreakByGeneration(t *testing.T) {
	q := &matchPriorityQueue{isAsk: true}
	heap.Init(q)

	same := priceFor(t, 1, 10)
	first := &matchQueueEntry{price: same, generation: 0}
	second := &matchQueueEntry{price: same, generation: 1}
	heap.Push(q, second)
	heap.Push(q, first)

	if got := heap.Pop(q).(*matchQueueEntry); got != first {
		t.Errorf("tie-break pop = %+v, want the earlier generation first", got)
	}
}

// fakeMatchCacheHost is a no-op MatchCacheHost for single-outstanding
// invariant tests that only need the synchronous half of processMatch.
type fakeMatchCacheHost struct {
	order       *Order
	accepted    []OrderId
	declineLog  []MatchDeclineReason
}

func (h *fakeMatchCacheHost) SendDeclineMatch(orderId, counterId OrderId, matchmaker TraderId, reason MatchDeclineReason) {
	h.declineLog = append(h.declineLog, reason)
}

func (h *fakeMatchCacheHost) AcceptAndPropose(orderId, counterId OrderId) {
	h.accepted = append(h.accepted, counterId)
}

func (h *fakeMatchCacheHost) Order(orderId OrderId) *Order { return h.order }

func (h *fakeMatchCacheHost) MatchWindow() time.Duration { return time.Millisecond }

func (h *fakeMatchCacheHost) MatchSendInterval() time.Duration { return time.Millisecond }

// At most one outstanding candidate at a time: a second processMatch call
// while one is already outstanding must be a no-op.
func TestMatchCacheProcessMatchSingleOutstanding(t *testing.T) {
	local := OrderId{TraderId: testTrader(1), OrderNumber: 1}
	host := &fakeMatchCacheHost{}
	cache := NewMatchCache(local, true, host)

	counterA := OrderId{TraderId: testTrader(2), OrderNumber: 2}
	counterB := OrderId{TraderId: testTrader(3), OrderNumber: 3}

	cache.ReceiveMatch(MatchPayload{
		CounterOrderId: counterA,
		CounterAssets:  testPair(t, 1, 10),
		Matchmaker:     testTrader(9),
	})
	cache.ReceiveMatch(MatchPayload{
		CounterOrderId: counterB,
		CounterAssets:  testPair(t, 1, 20),
		Matchmaker:     testTrader(9),
	})

	cache.processMatch()
	cache.mu.Lock()
	outstanding := cache.outstanding
	queued := cache.queue.Len()
	cache.mu.Unlock()
	if outstanding == nil {
		t.Fatalf("processMatch() left outstanding nil, want a candidate set")
	}
	if queued != 1 {
		t.Fatalf("queue length after first processMatch() = %d, want 1", queued)
	}
	first := outstanding.orderId

	// Second call must not touch outstanding or drain the queue further.
	cache.processMatch()
	cache.mu.Lock()
	stillOutstanding := cache.outstanding
	stillQueued := cache.queue.Len()
	cache.mu.Unlock()
	if stillOutstanding == nil || stillOutstanding.orderId != first {
		t.Fatalf("second processMatch() changed outstanding to %+v, want unchanged %+v", stillOutstanding, first)
	}
	if stillQueued != 1 {
		t.Fatalf("queue length after second processMatch() = %d, want unchanged 1", stillQueued)
	}

	// Clearing outstanding allows the next candidate to be picked up.
	cache.clearOutstanding()
	cache.processMatch()
	cache.mu.Lock()
	next := cache.outstanding
	queuedAfter := cache.queue.Len()
	cache.mu.Unlock()
	if next == nil {
		t.Fatalf("processMatch() after clearOutstanding() left outstanding nil")
	}
	if queuedAfter != 0 {
		t.Fatalf("queue length after draining = %d, want 0", queuedAfter)
	}
}

func TestMatchCacheProcessMatchNoopWhenQueueEmpty(t *testing.T) {
	local := OrderId{TraderId: testTrader(1), OrderNumber: 1}
	host := &fakeMatchCacheHost{}
	cache := NewMatchCache(local, true, host)

	cache.processMatch()
	cache.mu.Lock()
	outstanding := cache.outstanding
	cache.mu.Unlock()
	if outstanding != nil {
		t.Fatalf("processMatch() on an empty queue set outstanding = %+v, want nil", outstanding)
	}
}
