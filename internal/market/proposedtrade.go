package market

import (
	"sync"
	"time"
)

// ProposedTradeTimeout is the default window a ProposedTradeRequestCache
// entry survives before its reservation is released and OTHER is
// reported to the match cache (spec §3, §9).
const ProposedTradeTimeout = 30 * time.Second

// outstandingProposal is what a ProposedTradeRequestCache entry holds:
// enough to release the reservation and notify the match cache on
// timeout, decline, or race loss.
type outstandingProposal struct {
	localOrderId   OrderId
	counterOrderId OrderId
	assets         AssetPair
	proposalId     ProposalId
}

// NegotiationHost is everything the trade negotiation state machine
// needs from its owning community. Implementations run on the single
// event-loop goroutine; callbacks must not block on network I/O except
// via the returned futures/goroutines they themselves manage.
type NegotiationHost interface {
	Order(id OrderId) *Order
	MatchCacheFor(id OrderId) *MatchCache
	ResolveAddress(id TraderId) (string, error)
	SendProposedTrade(to TraderId, msg ProposedTradeMessage)
	SendCounterTrade(to TraderId, msg ProposedTradeMessage)
	SendDeclinedTrade(to TraderId, msg DeclinedTradeMessage)
	StartSettlement(localOrderId, counterOrderId OrderId, assets AssetPair, initiator bool)
	Self() TraderId
	NextProposalId() ProposalId
}

// Negotiation implements the trade negotiation state machine of spec
// §4.4: accept_match_and_propose, received_proposed_trade,
// received_counter_trade, and received_decline_trade.
type Negotiation struct {
	mu sync.Mutex

	host    NegotiationHost
	cache   *RequestCache
	timeout time.Duration

	// outstanding tracks, per local order, the counter order(s) we have an
	// active outgoing proposal toward — used for race detection in
	// ReceivedProposedTrade.
	outstanding map[OrderId]map[OrderId]ProposalId
}

// NewNegotiation constructs a negotiation state machine sharing the
// community's RequestCache.
func NewNegotiation(host NegotiationHost, cache *RequestCache) *Negotiation {
	return &Negotiation{
		host:        host,
		cache:       cache,
		timeout:     ProposedTradeTimeout,
		outstanding: make(map[OrderId]map[OrderId]ProposalId),
	}
}

func (n *Negotiation) trackOutstanding(local, counter OrderId, proposalId ProposalId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.outstanding[local]
	if !ok {
		m = make(map[OrderId]ProposalId)
		n.outstanding[local] = m
	}
	m[counter] = proposalId
}

func (n *Negotiation) clearOutstanding(local, counter OrderId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.outstanding[local]; ok {
		delete(m, counter)
	}
}

func (n *Negotiation) outstandingProposalId(local, counter OrderId) (ProposalId, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.outstanding[local]
	if !ok {
		return 0, false
	}
	id, ok := m[counter]
	return id, ok
}

// AcceptAndPropose implements accept_match_and_propose: reserve the
// order's full available quantity against counterId, resolve the
// counterparty's address, and send PROPOSED_TRADE.
func (n *Negotiation) AcceptAndPropose(orderId, counterId OrderId) {
	order := n.host.Order(orderId)
	if order == nil {
		return
	}
	mc := n.host.MatchCacheFor(orderId)

	q := order.Available()
	if q == 0 {
		if mc != nil {
			mc.ReceivedDeclineMatchFromNegotiation(counterId, DeclineNoAvailableQuantity)
		}
		return
	}

	scaled, err := order.Assets().Scale(q)
	if err != nil {
		if mc != nil {
			mc.ReceivedDeclineMatchFromNegotiation(counterId, DeclineOther)
		}
		return
	}

	if err := order.ReserveForTick(counterId, q); err != nil {
		if mc != nil {
			mc.ReceivedDeclineMatchFromNegotiation(counterId, DeclineOrderReserved)
		}
		return
	}

	addr, err := n.host.ResolveAddress(counterId.TraderId)
	if err != nil || addr == "" {
		_ = order.ReleaseForTick(counterId, q)
		if mc != nil {
			mc.ReceivedDeclineMatchFromNegotiation(counterId, DeclineAddressLookupFail)
		}
		return
	}

	proposalId := n.host.NextProposalId()
	n.trackOutstanding(orderId, counterId, proposalId)

	prop := &outstandingProposal{
		localOrderId:   orderId,
		counterOrderId: counterId,
		assets:         scaled,
		proposalId:     proposalId,
	}
	n.cache.Put(KindProposedTrade, uint32(proposalId), prop, n.timeout, func() {
		n.onProposedTradeTimeout(prop)
	})

	n.host.SendProposedTrade(counterId.TraderId, ProposedTradeMessage{
		SenderTraderId: n.host.Self(),
		Timestamp:      Now(),
		ProposalId:     proposalId,
		OrderId:        orderId,
		RecipientOrder: counterId,
		Assets:         scaled,
	})
}

func (n *Negotiation) onProposedTradeTimeout(prop *outstandingProposal) {
	order := n.host.Order(prop.localOrderId)
	if order != nil {
		_ = order.ReleaseForTick(prop.counterOrderId, prop.assets.First.Count)
	}
	n.clearOutstanding(prop.localOrderId, prop.counterOrderId)
	if mc := n.host.MatchCacheFor(prop.localOrderId); mc != nil {
		// Per spec §9, a proposed-trade timeout always reports OTHER; the
		// silent-counterparty and post-send-lookup-failure cases are not
		// distinguished.
		mc.ReceivedDeclineMatchFromNegotiation(prop.counterOrderId, DeclineOther)
	}
}

// classifyAcceptable implements the shared classification table used by
// both ReceivedProposedTrade and ReceivedCounterTrade. ok is true when
// the proposal is acceptable and reason should be ignored.
func classifyAcceptable(order *Order, requested AssetPair, now Timestamp) (reason DeclinedTradeReason, ok bool) {
	if order == nil {
		return DeclineOrderInvalid, false
	}
	switch order.Status() {
	case OrderCompleted:
		return DeclineOrderCompleted, false
	case OrderExpired:
		return DeclineOrderExpired, false
	case OrderCancelled:
		return DeclineOrderCancelled, false
	}
	if order.Expired(now) {
		return DeclineOrderExpired, false
	}
	if order.Available() == 0 {
		return DeclineOrderReserved, false
	}
	ownPrice := order.Assets().Price()
	incomingPrice := requested.Price()
	// The incoming ratio must be at least as favorable as the order's own
	// ratio; an ask wants a higher quote/base, a bid wants lower.
	if order.IsAsk() {
		favorable, err := incomingPrice.AtLeast(ownPrice)
		if err != nil || !favorable {
			return DeclineUnacceptablePrice, false
		}
	} else {
		favorable, err := ownPrice.AtLeast(incomingPrice)
		if err != nil || !favorable {
			return DeclineUnacceptablePrice, false
		}
	}
	return 0, true
}

// ReceivedProposedTrade implements received_proposed_trade: race
// detection against our own outstanding proposal toward the same
// counter order, then classification and exactly one reply.
func (n *Negotiation) ReceivedProposedTrade(msg ProposedTradeMessage) {
	if msg.RecipientOrder.TraderId != n.host.Self() {
		return
	}
	localId := msg.RecipientOrder
	counterId := msg.OrderId

	if ourProposalId, raced := n.outstandingProposalId(localId, counterId); raced {
		if n.resolveRace(localId, msg.Assets, ourProposalId) {
			n.discardOwnProposal(localId, counterId, ourProposalId)
		}
	}

	order := n.host.Order(localId)
	now := Now()
	reason, ok := classifyAcceptable(order, msg.Assets, now)
	if !ok {
		n.host.SendDeclinedTrade(msg.SenderTraderId, DeclinedTradeMessage{
			TraderId:       n.host.Self(),
			Timestamp:      now,
			ProposalId:     msg.ProposalId,
			OrderId:        localId,
			RecipientOrder: counterId,
			DeclineReason:  reason,
		})
		return
	}

	requestedBase := msg.Assets.First.Count
	available := order.Available()

	if available >= requestedBase {
		if err := order.ReserveForTick(counterId, requestedBase); err != nil {
			n.host.SendDeclinedTrade(msg.SenderTraderId, DeclinedTradeMessage{
				TraderId:       n.host.Self(),
				Timestamp:      now,
				ProposalId:     msg.ProposalId,
				OrderId:        localId,
				RecipientOrder: counterId,
				DeclineReason:  DeclineOrderReserved,
			})
			return
		}
		n.host.StartSettlement(localId, counterId, msg.Assets, false)
		return
	}

	// Partial fill: reserve what we have and counter with a downscaled pair.
	if err := order.ReserveForTick(counterId, available); err != nil {
		return
	}
	scaled, err := order.Assets().Scale(available)
	if err != nil {
		_ = order.ReleaseForTick(counterId, available)
		return
	}
	n.host.SendCounterTrade(msg.SenderTraderId, ProposedTradeMessage{
		SenderTraderId: n.host.Self(),
		Timestamp:      now,
		ProposalId:     msg.ProposalId,
		OrderId:        localId,
		RecipientOrder: counterId,
		Assets:         scaled,
	})
}

// resolveRace applies the pairwise tie-break: discard the side whose
// base amount is strictly smaller; on a tie, the ask side discards its
// own outgoing proposal.
func (n *Negotiation) resolveRace(localId OrderId, incoming AssetPair, ourProposalId ProposalId) bool {
	local := n.host.Order(localId)
	if local == nil {
		return true
	}
	ourProp, ok := n.cache.Get(KindProposedTrade, uint32(ourProposalId))
	if !ok {
		return false
	}
	ourAmount := ourProp.(*outstandingProposal).assets.First.Count
	theirAmount := incoming.First.Count
	if ourAmount < theirAmount {
		return true
	}
	if theirAmount < ourAmount {
		return false
	}
	return local.IsAsk()
}

func (n *Negotiation) discardOwnProposal(localId, counterId OrderId, proposalId ProposalId) {
	val, ok := n.cache.Pop(KindProposedTrade, uint32(proposalId))
	if !ok {
		return
	}
	prop := val.(*outstandingProposal)
	order := n.host.Order(localId)
	if order != nil {
		_ = order.ReleaseForTick(counterId, prop.assets.First.Count)
	}
	n.clearOutstanding(localId, counterId)
}

// ReceivedCounterTrade implements received_counter_trade: re-check price
// acceptability and order validity only, release the old reservation
// and reserve the smaller amount, then start settlement.
func (n *Negotiation) ReceivedCounterTrade(msg ProposedTradeMessage) {
	if msg.RecipientOrder.TraderId != n.host.Self() {
		return
	}
	localId := msg.RecipientOrder
	counterId := msg.OrderId

	val, ok := n.cache.Pop(KindProposedTrade, uint32(msg.ProposalId))
	if !ok {
		return
	}
	prop := val.(*outstandingProposal)
	n.clearOutstanding(localId, counterId)

	order := n.host.Order(localId)
	now := Now()
	reason, ok := classifyAcceptable(order, msg.Assets, now)
	if !ok {
		_ = order.ReleaseForTick(counterId, prop.assets.First.Count)
		n.host.SendDeclinedTrade(msg.SenderTraderId, DeclinedTradeMessage{
			TraderId:       n.host.Self(),
			Timestamp:      now,
			ProposalId:     msg.ProposalId,
			OrderId:        localId,
			RecipientOrder: counterId,
			DeclineReason:  reason,
		})
		return
	}

	_ = order.ReleaseForTick(counterId, prop.assets.First.Count)
	if err := order.ReserveForTick(counterId, msg.Assets.First.Count); err != nil {
		return
	}
	n.host.StartSettlement(localId, counterId, msg.Assets, true)
}

// ReceivedDeclineTrade implements received_decline_trade: release the
// proposal's reservation and report the reason to the match cache;
// terminal reasons also purge the counter id from every other match
// cache (handled by the caller via OnOrderCompleted, since a single
// Negotiation only knows about its own order's cache).
func (n *Negotiation) ReceivedDeclineTrade(msg DeclinedTradeMessage) {
	val, ok := n.cache.Pop(KindProposedTrade, uint32(msg.ProposalId))
	if !ok {
		return
	}
	prop := val.(*outstandingProposal)
	n.clearOutstanding(prop.localOrderId, prop.counterOrderId)

	order := n.host.Order(prop.localOrderId)
	if order != nil {
		_ = order.ReleaseForTick(prop.counterOrderId, prop.assets.First.Count)
	}

	if mc := n.host.MatchCacheFor(prop.localOrderId); mc != nil {
		mc.ReceivedDeclineMatchFromNegotiation(prop.counterOrderId, msg.DeclineReason)
	}
}
