package market

import (
	"fmt"
	"math/big"
)

// AssetAmount is an exact integer count denominated in the smallest unit
// of a named asset. Equality and arithmetic are always tag-checked: there
// is no implicit conversion between assets.
type AssetAmount struct {
	Count uint64
	Tag   string
}

// Equal reports whether a and other have the same tag and count.
func (a AssetAmount) Equal(other AssetAmount) bool {
	return a.Tag == other.Tag && a.Count == other.Count
}

// Add returns a+other. Both operands must share a tag.
func (a AssetAmount) Add(other AssetAmount) (AssetAmount, error) {
	if a.Tag != other.Tag {
		return AssetAmount{}, fmt.Errorf("%w: %s vs %s", ErrAssetTagMismatch, a.Tag, other.Tag)
	}
	return AssetAmount{Count: a.Count + other.Count, Tag: a.Tag}, nil
}

// Sub returns a-other. Both operands must share a tag, and the result must
// not underflow.
func (a AssetAmount) Sub(other AssetAmount) (AssetAmount, error) {
	if a.Tag != other.Tag {
		return AssetAmount{}, fmt.Errorf("%w: %s vs %s", ErrAssetTagMismatch, a.Tag, other.Tag)
	}
	if other.Count > a.Count {
		return AssetAmount{}, fmt.Errorf("%w: %d - %d", ErrAssetUnderflow, a.Count, other.Count)
	}
	return AssetAmount{Count: a.Count - other.Count, Tag: a.Tag}, nil
}

// LessOrEqual reports whether a <= other. Both must share a tag.
func (a AssetAmount) LessOrEqual(other AssetAmount) (bool, error) {
	if a.Tag != other.Tag {
		return false, fmt.Errorf("%w: %s vs %s", ErrAssetTagMismatch, a.Tag, other.Tag)
	}
	return a.Count <= other.Count, nil
}

// IsZero reports whether the amount is zero, regardless of tag.
func (a AssetAmount) IsZero() bool {
	return a.Count == 0
}

// AssetPair is a pair of amounts in two distinct assets, canonicalized so
// First is the base asset and Second is the quote asset, ordered
// lexicographically by tag. Every Price derived from a pair assumes this
// canonical ordering.
type AssetPair struct {
	First  AssetAmount
	Second AssetAmount
}

// NewAssetPair builds a canonicalized AssetPair from two amounts,
// reordering them if necessary so First.Tag < Second.Tag lexicographically.
// The two amounts must carry distinct tags.
func NewAssetPair(a, b AssetAmount) (AssetPair, error) {
	if a.Tag == b.Tag {
		return AssetPair{}, fmt.Errorf("%w: %s", ErrAssetPairSameTag, a.Tag)
	}
	if a.Tag < b.Tag {
		return AssetPair{First: a, Second: b}, nil
	}
	return AssetPair{First: b, Second: a}, nil
}

// Price reports the ratio of Second to First for this pair.
func (p AssetPair) Price() Price {
	return Price{
		Numerator:   p.Second.Count,
		Denominator: p.First.Count,
		BaseTag:     p.First.Tag,
		QuoteTag:    p.Second.Tag,
	}
}

// Scale returns a new AssetPair proportionally downscaled so First.Count
// equals quantity, with the Second leg set to Second.Count*quantity /
// First.Count rounded down. When that division is not exact the scaled
// pair's ratio is slightly below the original; quantity itself is never
// reduced to keep the ratio exact. quantity must not exceed p.First.Count.
func (p AssetPair) Scale(quantity uint64) (AssetPair, error) {
	if quantity > p.First.Count {
		return AssetPair{}, fmt.Errorf("%w: %d > %d", ErrScaleExceedsOriginal, quantity, p.First.Count)
	}
	if quantity == p.First.Count {
		return p, nil
	}
	scaled := new(big.Int).Mul(big.NewInt(int64(p.Second.Count)), big.NewInt(int64(quantity)))
	scaled.Div(scaled, big.NewInt(int64(p.First.Count)))
	return AssetPair{
		First:  AssetAmount{Count: quantity, Tag: p.First.Tag},
		Second: AssetAmount{Count: scaled.Uint64(), Tag: p.Second.Tag},
	}, nil
}

// Price is the ratio Numerator/Denominator of quote-asset units per
// base-asset unit, carried as an exact fraction so comparisons never use
// floating point.
type Price struct {
	Numerator   uint64
	Denominator uint64
	BaseTag     string
	QuoteTag    string
}

// Compatible reports whether two prices quote the same asset pair and so
// can be meaningfully compared.
func (p Price) Compatible(other Price) bool {
	return p.BaseTag == other.BaseTag && p.QuoteTag == other.QuoteTag
}

// Compare returns -1, 0, or 1 as p is less than, equal to, or greater
// than other, using cross-multiplication so no precision is lost. Both
// prices must be Compatible.
func (p Price) Compare(other Price) (int, error) {
	if !p.Compatible(other) {
		return 0, fmt.Errorf("%w: %s/%s vs %s/%s", ErrPriceIncompatible, p.BaseTag, p.QuoteTag, other.BaseTag, other.QuoteTag)
	}
	lhs := new(big.Int).Mul(big.NewInt(int64(p.Numerator)), big.NewInt(int64(other.Denominator)))
	rhs := new(big.Int).Mul(big.NewInt(int64(other.Numerator)), big.NewInt(int64(p.Denominator)))
	return lhs.Cmp(rhs), nil
}

// AtLeast reports whether p >= other (p is at least as favorable to the
// base-asset seller / quote-asset buyer as other).
func (p Price) AtLeast(other Price) (bool, error) {
	c, err := p.Compare(other)
	if err != nil {
		return false, err
	}
	return c >= 0, nil
}

// String renders the price as "num/den base/quote".
func (p Price) String() string {
	return fmt.Sprintf("%d/%d %s/%s", p.Numerator, p.Denominator, p.BaseTag, p.QuoteTag)
}
