package chainlog

import "github.com/klingon-exchange/klingdex/internal/market"

// WireBlockHandlers registers OnBlock listeners that feed every gossiped
// ask, bid, cancel_order and tx_done block into host's orderbook, per the
// inbound block handling rules in market.HandleAskBid / HandleCancelOrder
// / HandleTxDone. Other settlement block types get no listener here.
func WireBlockHandlers(chain *Chain, host market.BlockBookHost) {
	chain.OnBlock(market.BlockAsk, func(b market.Block) {
		payload, ok := b.Payload.(market.AskBidPayload)
		if !ok {
			return
		}
		_ = market.HandleAskBid(host, b.Hash, true, payload)
	})
	chain.OnBlock(market.BlockBid, func(b market.Block) {
		payload, ok := b.Payload.(market.AskBidPayload)
		if !ok {
			return
		}
		_ = market.HandleAskBid(host, b.Hash, false, payload)
	})
	chain.OnBlock(market.BlockCancelOrder, func(b market.Block) {
		payload, ok := b.Payload.(market.CancelPayload)
		if !ok {
			return
		}
		market.HandleCancelOrder(host, payload)
	})
	chain.OnBlock(market.BlockTxDone, func(b market.Block) {
		payload, ok := b.Payload.(market.TxDonePayload)
		if !ok {
			return
		}
		market.HandleTxDone(host, payload)
	})
}
