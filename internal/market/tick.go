package market

// Tick is a matchmaker's orderbook view of a remote order: a snapshot
// plus the hash of the block that created it. Every field except Traded
// is immutable once the tick is inserted; Traded only ever increases.
type Tick struct {
	OrderId   OrderId
	Assets    AssetPair
	IsAsk     bool
	TimeoutMs int64
	Timestamp Timestamp
	BlockHash string
	Traded    uint64
}

// Available returns the tick's remaining base-asset quantity.
func (t Tick) Available() uint64 {
	if t.Traded >= t.Assets.First.Count {
		return 0
	}
	return t.Assets.First.Count - t.Traded
}

// Expired reports whether now is past the tick's deadline.
func (t Tick) Expired(now Timestamp) bool {
	return int64(now-t.Timestamp) > t.TimeoutMs
}

// Price reports the tick's ratio, in canonical base/quote terms.
func (t Tick) Price() Price {
	return t.Assets.Price()
}

// WithTraded returns a copy of the tick with Traded advanced by delta.
func (t Tick) WithTraded(delta uint64) Tick {
	t.Traded += delta
	return t
}
