package market

import "sort"

// priceLevel holds every tick quoted at the same Price, in FIFO
// (insertion) order.
type priceLevel struct {
	price Price
	ticks []Tick
}

// bookSide is one side (asks or bids) of an OrderBook: price levels kept
// sorted ascending by Price, plus an index from OrderId to its level for
// O(1)-ish removal.
type bookSide struct {
	levels   []*priceLevel
	location map[OrderId]*priceLevel
}

func newBookSide() *bookSide {
	return &bookSide{location: make(map[OrderId]*priceLevel)}
}

// findLevel returns the index of the existing level matching price with
// exact=true, or the sorted insertion index with exact=false if none exists.
func (s *bookSide) findLevel(price Price) (idx int, exact bool) {
	idx = sort.Search(len(s.levels), func(i int) bool {
		c, err := s.levels[i].price.Compare(price)
		if err != nil {
			// Incompatible pairs never coexist on one bookSide in practice;
			// treat as "comes after" to keep Search well-defined.
			return false
		}
		return c >= 0
	})
	if idx < len(s.levels) {
		if c, err := s.levels[idx].price.Compare(price); err == nil && c == 0 {
			return idx, true
		}
	}
	return idx, false
}

func (s *bookSide) insert(t Tick) {
	price := t.Price()
	idx, exact := s.findLevel(price)
	var lvl *priceLevel
	if exact {
		lvl = s.levels[idx]
	} else {
		lvl = &priceLevel{price: price}
		s.levels = append(s.levels, nil)
		copy(s.levels[idx+1:], s.levels[idx:])
		s.levels[idx] = lvl
	}
	// Keep each level ordered by (timestamp, order_id) so ties at a single
	// price resolve by earliest timestamp then lexicographic order_id.
	pos := len(lvl.ticks)
	for i, existing := range lvl.ticks {
		if t.Timestamp < existing.Timestamp ||
			(t.Timestamp == existing.Timestamp && t.OrderId.String() < existing.OrderId.String()) {
			pos = i
			break
		}
	}
	lvl.ticks = append(lvl.ticks, Tick{})
	copy(lvl.ticks[pos+1:], lvl.ticks[pos:])
	lvl.ticks[pos] = t
	s.location[t.OrderId] = lvl
}

func (s *bookSide) remove(id OrderId) (Tick, bool) {
	lvl, ok := s.location[id]
	if !ok {
		return Tick{}, false
	}
	for i, t := range lvl.ticks {
		if t.OrderId == id {
			found := t
			lvl.ticks = append(lvl.ticks[:i], lvl.ticks[i+1:]...)
			delete(s.location, id)
			if len(lvl.ticks) == 0 {
				s.removeLevel(lvl)
			}
			return found, true
		}
	}
	return Tick{}, false
}

func (s *bookSide) removeLevel(lvl *priceLevel) {
	for i, l := range s.levels {
		if l == lvl {
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
			return
		}
	}
}

// updateTraded advances a tick's Traded field in place, removing it from
// the book (without recording completion) if it becomes unavailable.
func (s *bookSide) updateTraded(id OrderId, delta uint64) (Tick, bool, bool) {
	lvl, ok := s.location[id]
	if !ok {
		return Tick{}, false, false
	}
	for i, t := range lvl.ticks {
		if t.OrderId == id {
			updated := t.WithTraded(delta)
			lvl.ticks[i] = updated
			if updated.Available() == 0 {
				lvl.ticks = append(lvl.ticks[:i], lvl.ticks[i+1:]...)
				delete(s.location, id)
				if len(lvl.ticks) == 0 {
					s.removeLevel(lvl)
				}
				return updated, true, true
			}
			return updated, true, false
		}
	}
	return Tick{}, false, false
}

// descending yields ticks from the highest price level down, FIFO within
// each level.
func (s *bookSide) descending(visit func(Tick) bool) {
	for i := len(s.levels) - 1; i >= 0; i-- {
		for _, t := range s.levels[i].ticks {
			if !visit(t) {
				return
			}
		}
	}
}

// ascending yields ticks from the lowest price level up, FIFO within each
// level.
func (s *bookSide) ascending(visit func(Tick) bool) {
	for i := 0; i < len(s.levels); i++ {
		for _, t := range s.levels[i].ticks {
			if !visit(t) {
				return
			}
		}
	}
}

// OrderBook is a matchmaker's view of the network: two price-level
// indices plus the terminal sets that keep settled or cancelled orders
// from being re-inserted by a stale or replayed block.
type OrderBook struct {
	asks *bookSide
	bids *bookSide

	completedOrders map[OrderId]struct{}
	cancelledOrders map[OrderId]struct{}

	blocked map[OrderId]map[OrderId]bool // order -> counter -> blocked
}

// NewOrderBook constructs an empty matchmaker orderbook.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		asks:            newBookSide(),
		bids:            newBookSide(),
		completedOrders: make(map[OrderId]struct{}),
		cancelledOrders: make(map[OrderId]struct{}),
		blocked:         make(map[OrderId]map[OrderId]bool),
	}
}

func (b *OrderBook) side(isAsk bool) *bookSide {
	if isAsk {
		return b.asks
	}
	return b.bids
}

// Insert adds a tick to the book. It returns ErrOrderCompleted /
// ErrOrderCancelled if the order_id is already known-terminal, and is a
// no-op (returning ok=false) if the order_id is already present anywhere
// in the book.
func (b *OrderBook) Insert(t Tick) (ok bool, err error) {
	if _, done := b.completedOrders[t.OrderId]; done {
		return false, ErrOrderCompleted
	}
	if _, cancelled := b.cancelledOrders[t.OrderId]; cancelled {
		return false, ErrOrderCancelled
	}
	if _, present := b.asks.location[t.OrderId]; present {
		return false, nil
	}
	if _, present := b.bids.location[t.OrderId]; present {
		return false, nil
	}
	if t.Available() == 0 {
		return false, nil
	}
	b.side(t.IsAsk).insert(t)
	return true, nil
}

// Remove removes a tick unconditionally (used for expiry).
func (b *OrderBook) Remove(id OrderId) (Tick, bool) {
	if t, ok := b.asks.remove(id); ok {
		return t, true
	}
	return b.bids.remove(id)
}

// MarkCancelled removes the tick (if present) and records the order_id so
// it is never re-inserted.
func (b *OrderBook) MarkCancelled(id OrderId) {
	b.asks.remove(id)
	b.bids.remove(id)
	b.cancelledOrders[id] = struct{}{}
}

// ApplyTrade advances a tick's traded amount by delta. If the tick
// becomes fully traded it is removed and added to completedOrders.
func (b *OrderBook) ApplyTrade(id OrderId, isAsk bool, delta uint64) (Tick, bool) {
	t, ok, completed := b.side(isAsk).updateTraded(id, delta)
	if completed {
		b.completedOrders[id] = struct{}{}
	}
	return t, ok
}

// IsCompleted reports whether id is a known-completed order.
func (b *OrderBook) IsCompleted(id OrderId) bool {
	_, ok := b.completedOrders[id]
	return ok
}

// IsCancelled reports whether id is a known-cancelled order.
func (b *OrderBook) IsCancelled(id OrderId) bool {
	_, ok := b.cancelledOrders[id]
	return ok
}

// Block marks counter as temporarily ineligible to be matched against
// order again (used while a proposal/negotiation toward counter is
// outstanding, per the matching engine's skip rule in 4.2).
func (b *OrderBook) Block(order, counter OrderId) {
	m, ok := b.blocked[order]
	if !ok {
		m = make(map[OrderId]bool)
		b.blocked[order] = m
	}
	m[counter] = true
}

// Unblock clears a previously set Block.
func (b *OrderBook) Unblock(order, counter OrderId) {
	if m, ok := b.blocked[order]; ok {
		delete(m, counter)
	}
}

func (b *OrderBook) isBlocked(order, counter OrderId) bool {
	return b.blocked[order][counter]
}

// Lookup returns the tick for id, if present on either side.
func (b *OrderBook) Lookup(id OrderId) (Tick, bool) {
	if lvl, ok := b.asks.location[id]; ok {
		for _, t := range lvl.ticks {
			if t.OrderId == id {
				return t, true
			}
		}
	}
	if lvl, ok := b.bids.location[id]; ok {
		for _, t := range lvl.ticks {
			if t.OrderId == id {
				return t, true
			}
		}
	}
	return Tick{}, false
}

// PriceLevelView is a read-only view of one price level, for RPC
// inspection of a matchmaker's book.
type PriceLevelView struct {
	Price    Price
	OrderIds []OrderId
}

// Levels returns a snapshot of the ask or bid side, asks in descending
// price order and bids in ascending price order, each level's orders in
// FIFO order.
func (b *OrderBook) Levels(asks bool) []PriceLevelView {
	side := b.side(asks)
	out := make([]PriceLevelView, 0, len(side.levels))
	visit := func(lvl *priceLevel) {
		ids := make([]OrderId, 0, len(lvl.ticks))
		for _, t := range lvl.ticks {
			ids = append(ids, t.OrderId)
		}
		out = append(out, PriceLevelView{Price: lvl.price, OrderIds: ids})
	}
	if asks {
		for i := len(side.levels) - 1; i >= 0; i-- {
			visit(side.levels[i])
		}
	} else {
		for _, lvl := range side.levels {
			visit(lvl)
		}
	}
	return out
}
