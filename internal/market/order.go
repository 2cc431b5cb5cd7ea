package market

import (
	"fmt"
	"sync"
)

// OrderStatus is the lifecycle stage of a locally owned Order.
type OrderStatus int

const (
	OrderUnverified OrderStatus = iota
	OrderOpen
	OrderCompleted
	OrderExpired
	OrderCancelled
)

// String renders the status name, matching the log tags used elsewhere.
func (s OrderStatus) String() string {
	switch s {
	case OrderUnverified:
		return "unverified"
	case OrderOpen:
		return "open"
	case OrderCompleted:
		return "completed"
	case OrderExpired:
		return "expired"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is monotonic-final: expired,
// cancelled, and completed never return to open.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderExpired || s == OrderCancelled
}

// Order is a locally owned offer: the reservation ledger that backs the
// matching and negotiation protocol. It is not safe for concurrent use
// without external synchronization (the event loop is single-threaded;
// the mutex here only guards against the rpc package's read-only
// inspection path).
type Order struct {
	mu sync.RWMutex

	id        OrderId
	assets    AssetPair
	isAsk     bool
	timeoutMs int64
	createdAt Timestamp
	verified  bool

	reserved map[OrderId]uint64
	traded   uint64
	status   OrderStatus
}

// NewOrder constructs an unverified order ready to be reserved against
// once its creation block is signed (see Verify).
func NewOrder(id OrderId, assets AssetPair, isAsk bool, timeoutMs int64, createdAt Timestamp) *Order {
	return &Order{
		id:        id,
		assets:    assets,
		isAsk:     isAsk,
		timeoutMs: timeoutMs,
		createdAt: createdAt,
		reserved:  make(map[OrderId]uint64),
		status:    OrderUnverified,
	}
}

// ID returns the order's identifier.
func (o *Order) ID() OrderId {
	return o.id
}

// Assets returns the order's agreed AssetPair.
func (o *Order) Assets() AssetPair {
	return o.assets
}

// IsAsk reports whether this order sells the base asset.
func (o *Order) IsAsk() bool {
	return o.isAsk
}

// TimeoutMs returns the order's configured lifetime in milliseconds.
func (o *Order) TimeoutMs() int64 {
	return o.timeoutMs
}

// CreatedAt returns the order's creation timestamp.
func (o *Order) CreatedAt() Timestamp {
	return o.createdAt
}

// Expired reports whether now is past the order's deadline.
func (o *Order) Expired(now Timestamp) bool {
	return int64(now-o.createdAt) > o.timeoutMs
}

// Status returns the order's current lifecycle stage.
func (o *Order) Status() OrderStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Traded returns the cumulative base-asset amount exchanged so far.
func (o *Order) Traded() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.traded
}

// Verify transitions an unverified order to open once its creation block
// has been signed.
func (o *Order) Verify() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == OrderUnverified {
		o.verified = true
		o.status = OrderOpen
	}
}

// reservedTotalLocked sums all outstanding reservations. Caller must hold o.mu.
func (o *Order) reservedTotalLocked() uint64 {
	var total uint64
	for _, n := range o.reserved {
		total += n
	}
	return total
}

// Available returns assets.First.Count - traded - sum(reserved).
func (o *Order) Available() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.assets.First.Count - o.traded - o.reservedTotalLocked()
}

// ReserveForTick records a reservation of n units of the base asset on
// behalf of counter. Fails with ErrInsufficientAvailable if available < n.
func (o *Order) ReserveForTick(counter OrderId, n uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	available := o.assets.First.Count - o.traded - o.reservedTotalLocked()
	if n > available {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientAvailable, n, available)
	}
	o.reserved[counter] += n
	return nil
}

// ReleaseForTick releases n units previously reserved for counter. Fails
// with ErrNoSuchReservation if the reservation does not exist or is
// smaller than n.
func (o *Order) ReleaseForTick(counter OrderId, n uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	have, ok := o.reserved[counter]
	if !ok || have < n {
		return fmt.Errorf("%w: order %s, counter %s, have %d, want release %d", ErrNoSuchReservation, o.id, counter, have, n)
	}
	if have == n {
		delete(o.reserved, counter)
	} else {
		o.reserved[counter] = have - n
	}
	return nil
}

// ReservedFor returns the current reservation amount held for counter.
func (o *Order) ReservedFor(counter OrderId) uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.reserved[counter]
}

// AddTrade moves n units from counter's reservation into traded. If
// traded reaches assets.First.Count the order transitions to completed.
func (o *Order) AddTrade(counter OrderId, n uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	have, ok := o.reserved[counter]
	if !ok || have < n {
		return fmt.Errorf("%w: order %s, counter %s, have %d, want trade %d", ErrNoSuchReservation, o.id, counter, have, n)
	}
	if have == n {
		delete(o.reserved, counter)
	} else {
		o.reserved[counter] = have - n
	}
	o.traded += n
	if o.traded == o.assets.First.Count {
		o.status = OrderCompleted
	}
	return nil
}

// Expire transitions the order to expired. A no-op if already terminal.
func (o *Order) Expire() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.status.Terminal() {
		o.status = OrderExpired
	}
}

// Cancel transitions the order to cancelled. A no-op if already terminal.
func (o *Order) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.status.Terminal() {
		o.status = OrderCancelled
	}
}

// Snapshot is an immutable point-in-time view of an Order, used both for
// the ORDER_RESPONSE wire payload and for embedding in tx_init/tx_done
// blocks.
type Snapshot struct {
	OrderId   OrderId
	Assets    AssetPair
	IsAsk     bool
	TimeoutMs int64
	CreatedAt Timestamp
	Traded    uint64
	Status    OrderStatus
}

// Snapshot captures the order's current state.
func (o *Order) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		OrderId:   o.id,
		Assets:    o.assets,
		IsAsk:     o.isAsk,
		TimeoutMs: o.timeoutMs,
		CreatedAt: o.createdAt,
		Traded:    o.traded,
		Status:    o.status,
	}
}
