// Package market implements the peer-to-peer order matching, negotiation,
// and settlement protocol: orders, orderbooks, trade proposals, and the
// bilateral settlement state machine that moves a matched pair of orders
// to completion.
package market

import (
	"encoding/hex"
	"fmt"
	"time"
)

// TraderId identifies a participant by a hash of their network (libp2p)
// identity public key. It is always 20 bytes.
type TraderId [20]byte

// String renders a TraderId as lowercase hex.
func (t TraderId) String() string {
	return hex.EncodeToString(t[:])
}

// IsZero reports whether t is the zero-value TraderId.
func (t TraderId) IsZero() bool {
	return t == TraderId{}
}

// TraderIdFromHex parses a 40-character hex string into a TraderId.
func TraderIdFromHex(s string) (TraderId, error) {
	var t TraderId
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("decode trader id: %w", err)
	}
	if len(b) != len(t) {
		return t, fmt.Errorf("trader id must be %d bytes, got %d", len(t), len(b))
	}
	copy(t[:], b)
	return t, nil
}

// OrderNumber is a per-trader monotonically increasing order counter.
type OrderNumber uint32

// OrderId uniquely identifies an order across the whole network: the
// trader that created it plus that trader's local order number.
type OrderId struct {
	TraderId    TraderId
	OrderNumber OrderNumber
}

// String renders an OrderId as "trader.number".
func (o OrderId) String() string {
	return fmt.Sprintf("%s.%d", o.TraderId, o.OrderNumber)
}

// TransactionNumber is a per-trader monotonically increasing settlement
// counter, distinct from OrderNumber.
type TransactionNumber uint32

// TransactionId uniquely identifies a settlement: the trader that
// initiated it plus that trader's local transaction number.
type TransactionId struct {
	TraderId          TraderId
	TransactionNumber TransactionNumber
}

// String renders a TransactionId as "trader.number".
func (t TransactionId) String() string {
	return fmt.Sprintf("%s.%d", t.TraderId, t.TransactionNumber)
}

// ProposalId identifies one trade proposal round-trip. It is a 32-bit
// value, generated fresh for every propose/counter so that a trader can
// tell a stale reply from the current one.
type ProposalId uint32

// Timestamp is milliseconds since the Unix epoch, matching the wire format
// used across every protocol message.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Time converts a Timestamp back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Add returns t advanced by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp(t.Time().Add(d).UnixMilli())
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool {
	return t < other
}
