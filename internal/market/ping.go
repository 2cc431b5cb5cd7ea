package market

import (
	"math/rand"
	"time"
)

// PingTimeout is the deadline a PingRequestCache entry survives before
// being treated as a failed ping, per spec §3/§4.9.
const PingTimeout = 5 * time.Second

// OrderStatusTimeout is the deadline an OrderStatusRequestCache entry
// survives before being treated as a failed lookup, per spec §3.
const OrderStatusTimeout = 20 * time.Second

// PingHost is what the ping/pong liveness check needs from the owning
// community.
type PingHost interface {
	Self() TraderId
	SendPing(peer TraderId, msg PingMessage)
}

// Pinger drives ping_peer: send a PING, correlate the PONG via the
// shared request cache, and resolve true/false within PingTimeout.
// Supplemented per SPEC_FULL.md §C.1 (terse in spec.md proper).
type Pinger struct {
	host  PingHost
	cache *RequestCache
}

// NewPinger constructs a Pinger sharing the community's RequestCache.
func NewPinger(host PingHost, cache *RequestCache) *Pinger {
	return &Pinger{host: host, cache: cache}
}

// PingPeer sends a PING to peer and invokes done(true) if a matching
// PONG arrives within PingTimeout, done(false) otherwise. done is called
// exactly once.
func (p *Pinger) PingPeer(peer TraderId, done func(bool)) {
	identifier := rand.Uint32()

	p.cache.Put(KindPing, identifier, peer, PingTimeout, func() {
		done(false)
	})

	p.host.SendPing(peer, PingMessage{
		TraderId:   p.host.Self(),
		Timestamp:  Now(),
		Identifier: identifier,
	})
}

// ReceivePong completes the outstanding ping for identifier, if any.
func (p *Pinger) ReceivePong(identifier uint32, done func(bool)) {
	if _, ok := p.cache.Pop(KindPing, identifier); ok {
		done(true)
	}
}

// OrderStatusHost is what order-status request/response needs from the
// owning community. Supplemented per SPEC_FULL.md §C.2.
type OrderStatusHost interface {
	Self() TraderId
	Order(id OrderId) *Order
	SendOrderQuery(peer TraderId, msg OrderQueryMessage)
	SendOrderResponse(peer TraderId, msg OrderResponseMessage)
}

// OrderStatusRequester issues ORDER_QUERY and correlates the
// ORDER_RESPONSE, used internally by the settlement protocol to fetch
// the authoritative order snapshot embedded in tx_init/tx_done blocks
// (spec §4.5 steps 2 and 6).
type OrderStatusRequester struct {
	host  OrderStatusHost
	cache *RequestCache
}

// NewOrderStatusRequester constructs a requester sharing the community's
// RequestCache.
func NewOrderStatusRequester(host OrderStatusHost, cache *RequestCache) *OrderStatusRequester {
	return &OrderStatusRequester{host: host, cache: cache}
}

// FetchOrderStatus sends ORDER_QUERY to peer for orderId and calls done
// with the resulting Snapshot, or an error on timeout.
func (r *OrderStatusRequester) FetchOrderStatus(peer TraderId, orderId OrderId, done func(Snapshot, error)) {
	identifier := rand.Uint32()

	r.cache.Put(KindOrderStatus, identifier, done, OrderStatusTimeout, func() {
		done(Snapshot{}, ErrRequestTimedOut)
	})

	r.host.SendOrderQuery(peer, OrderQueryMessage{
		TraderId:   r.host.Self(),
		Timestamp:  Now(),
		OrderId:    orderId,
		Identifier: identifier,
	})
}

// ReceiveOrderQuery replies with the local order's current snapshot, if
// known.
func (r *OrderStatusRequester) ReceiveOrderQuery(sender TraderId, msg OrderQueryMessage) {
	order := r.host.Order(msg.OrderId)
	if order == nil {
		return
	}
	r.host.SendOrderResponse(sender, OrderResponseMessage{
		Snapshot:   order.Snapshot(),
		Identifier: msg.Identifier,
	})
}

// ReceiveOrderResponse completes the outstanding request for
// msg.Identifier, if any.
func (r *OrderStatusRequester) ReceiveOrderResponse(msg OrderResponseMessage) {
	val, ok := r.cache.Pop(KindOrderStatus, msg.Identifier)
	if !ok {
		return
	}
	done := val.(func(Snapshot, error))
	done(msg.Snapshot, nil)
}
