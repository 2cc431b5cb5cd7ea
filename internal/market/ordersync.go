package market

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// BloomFalsePositiveRate is the false-positive rate used for the
// orderbook sync membership filter, per spec §4.7.
const BloomFalsePositiveRate = 0.005

// BuildMembershipFilter constructs a Bloom filter over orderIds sized
// for the configured false-positive rate, with a minimum capacity of 1
// so an empty orderbook still produces a valid filter.
func BuildMembershipFilter(orderIds []OrderId) *bloom.BloomFilter {
	capacity := len(orderIds)
	if capacity < 1 {
		capacity = 1
	}
	filter := bloom.NewWithEstimates(uint(capacity), BloomFalsePositiveRate)
	for _, id := range orderIds {
		filter.Add(orderIdKey(id))
	}
	return filter
}

func orderIdKey(id OrderId) []byte {
	key := make([]byte, 0, len(id.TraderId)+4)
	key = append(key, id.TraderId[:]...)
	key = append(key,
		byte(id.OrderNumber>>24), byte(id.OrderNumber>>16),
		byte(id.OrderNumber>>8), byte(id.OrderNumber))
	return key
}

// EncodeMembershipFilter serializes filter for the BOOK_SYNC payload.
func EncodeMembershipFilter(filter *bloom.BloomFilter) ([]byte, error) {
	return filter.MarshalBinary()
}

// DecodeMembershipFilter deserializes a BOOK_SYNC payload back into a
// Bloom filter.
func DecodeMembershipFilter(data []byte) (*bloom.BloomFilter, error) {
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return filter, nil
}

// MissingFromFilter returns up to sampleCap order_ids from known that are
// not present in filter, implementing the receiver side of spec §4.7:
// "for each id not in the received filter, send the originating signed
// block(s), bounded to a configurable sample count per sync."
func MissingFromFilter(known []OrderId, filter *bloom.BloomFilter, sampleCap int) []OrderId {
	var missing []OrderId
	for _, id := range known {
		if !filter.Test(orderIdKey(id)) {
			missing = append(missing, id)
			if sampleCap > 0 && len(missing) >= sampleCap {
				break
			}
		}
	}
	return missing
}

// OrderSyncHost is what the orderbook sync handler needs from the
// owning community.
type OrderSyncHost interface {
	KnownOrderIds() []OrderId
	BlockHashFor(id OrderId) (string, bool)
	SendBlock(peer TraderId, blockHash string)
	NumOrderSync() int
}

// HandleBookSync implements the receiver side of a BOOK_SYNC exchange:
// replay up to NumOrderSync blocks the sender is missing.
func HandleBookSync(host OrderSyncHost, sender TraderId, filterBytes []byte) error {
	filter, err := DecodeMembershipFilter(filterBytes)
	if err != nil {
		return err
	}
	missing := MissingFromFilter(host.KnownOrderIds(), filter, host.NumOrderSync())
	for _, id := range missing {
		if hash, ok := host.BlockHashFor(id); ok {
			host.SendBlock(sender, hash)
		}
	}
	return nil
}
