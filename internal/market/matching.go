package market

// MatchCandidates runs the Price/Time matching engine against input: for
// an ask it walks bid levels in descending price, for a bid it walks ask
// levels in ascending price, skipping levels strictly worse than input's
// own price (equality matches), skipping blocked/unavailable/expired
// ticks, and accumulating until input's remaining quantity is covered or
// eligible levels are exhausted. The book itself is never mutated.
func (b *OrderBook) MatchCandidates(input Tick, now Timestamp) []Tick {
	remaining := input.Available()
	if remaining == 0 {
		return nil
	}

	var out []Tick
	visit := func(t Tick) bool {
		if remaining == 0 {
			return false
		}
		if t.OrderId == input.OrderId {
			return true
		}
		if b.isBlocked(input.OrderId, t.OrderId) {
			return true
		}
		if t.Available() == 0 {
			return true
		}
		if t.Expired(now) {
			return true
		}

		cmp, err := t.Price().Compare(input.Price())
		if err != nil {
			return true
		}
		if input.IsAsk {
			// Matching a bid level against an ask input: the bid's price
			// must not be strictly worse (lower) than the ask's own price.
			if cmp < 0 {
				return true
			}
		} else {
			// Matching an ask level against a bid input: the ask's price
			// must not be strictly worse (higher) than the bid's own price.
			if cmp > 0 {
				return true
			}
		}

		out = append(out, t)
		avail := t.Available()
		if avail >= remaining {
			remaining = 0
		} else {
			remaining -= avail
		}
		return remaining > 0
	}

	opposite := b.side(!input.IsAsk)
	if input.IsAsk {
		opposite.descending(visit)
	} else {
		opposite.ascending(visit)
	}
	return out
}
