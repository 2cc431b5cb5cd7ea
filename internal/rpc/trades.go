package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingdex/internal/market"
	"github.com/klingon-exchange/klingdex/pkg/helpers"
)

// ========================================
// Transaction (settlement) handlers
// ========================================

// TransactionInfo represents a settlement transaction in RPC responses.
type TransactionInfo struct {
	ID                     string `json:"id"`
	OrderID                string `json:"order_id"`
	CounterOrderID         string `json:"counter_order_id"`
	BaseAsset              string `json:"base_asset"`
	QuoteAsset             string `json:"quote_asset"`
	AgreedBaseAmount       uint64 `json:"agreed_base_amount"`
	AgreedQuoteAmount      uint64 `json:"agreed_quote_amount"`
	TransferredBaseAmount  uint64 `json:"transferred_base_amount"`
	TransferredQuoteAmount uint64 `json:"transferred_quote_amount"`
	// AgreedBaseDisplay/AgreedQuoteDisplay are the same amounts rendered
	// in the asset's own decimal units, when a wallet is registered for
	// that tag; otherwise they fall back to the raw smallest-unit count.
	AgreedBaseDisplay  string `json:"agreed_base_display"`
	AgreedQuoteDisplay string `json:"agreed_quote_display"`
	Status             string `json:"status"`
}

// displayAmount renders count in tag's decimal units via the registered
// wallet's precision, falling back to the raw integer when no wallet for
// tag is attached (e.g. a node that only observes the settlement, not a
// participant in it).
func (s *Server) displayAmount(tag string, count uint64) string {
	w, err := s.market.Wallet(tag)
	if err != nil {
		return fmt.Sprintf("%d", count)
	}
	return helpers.FormatAmount(count, uint8(w.Precision()))
}

func (s *Server) transactionSnapshotToInfo(t market.TransactionSnapshot) TransactionInfo {
	return TransactionInfo{
		ID:                     t.Id.String(),
		OrderID:                t.OrderId.String(),
		CounterOrderID:         t.PartnerOrder.String(),
		BaseAsset:              t.Assets.First.Tag,
		QuoteAsset:             t.Assets.Second.Tag,
		AgreedBaseAmount:       t.Assets.First.Count,
		AgreedQuoteAmount:      t.Assets.Second.Count,
		TransferredBaseAmount:  t.Transferred.First.Count,
		TransferredQuoteAmount: t.Transferred.Second.Count,
		AgreedBaseDisplay:      s.displayAmount(t.Assets.First.Tag, t.Assets.First.Count),
		AgreedQuoteDisplay:     s.displayAmount(t.Assets.Second.Tag, t.Assets.Second.Count),
		Status:                 t.Status.String(),
	}
}

// TransactionsListParams is the parameters for market_listTransactions.
type TransactionsListParams struct {
	Limit int `json:"limit,omitempty"`
}

// TransactionsListResult is the response for market_listTransactions.
type TransactionsListResult struct {
	Transactions []TransactionInfo `json:"transactions"`
	Count        int               `json:"count"`
}

func (s *Server) marketListTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TransactionsListParams
	if params != nil {
		json.Unmarshal(params, &p)
	}

	snaps := s.market.Transactions()
	result := make([]TransactionInfo, 0, len(snaps))
	for _, snap := range snaps {
		result = append(result, s.transactionSnapshotToInfo(snap))
		if p.Limit > 0 && len(result) >= p.Limit {
			break
		}
	}

	return &TransactionsListResult{Transactions: result, Count: len(result)}, nil
}

// TransactionsGetParams is the parameters for market_getTransaction.
type TransactionsGetParams struct {
	ID string `json:"id"`
}

func (s *Server) marketGetTransaction(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TransactionsGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	for _, snap := range s.market.Transactions() {
		if snap.Id.String() == p.ID {
			return s.transactionSnapshotToInfo(snap), nil
		}
	}

	return nil, fmt.Errorf("transaction not found: %s", p.ID)
}

// OrderbookLevel is one price level of a matchmaker's book for one side.
type OrderbookLevel struct {
	Price string   `json:"price"`
	Orders []string `json:"orders"`
}

// OrderbookResult is the response for market_orderbook.
type OrderbookResult struct {
	Asks []OrderbookLevel `json:"asks"`
	Bids []OrderbookLevel `json:"bids"`
}

func (s *Server) marketOrderbook(ctx context.Context, params json.RawMessage) (interface{}, error) {
	book := s.market.Book()
	if book == nil {
		return nil, fmt.Errorf("this node is not running as a matchmaker")
	}

	return &OrderbookResult{
		Asks: levelsFor(book, true),
		Bids: levelsFor(book, false),
	}, nil
}

func levelsFor(book *market.OrderBook, asks bool) []OrderbookLevel {
	levels := book.Levels(asks)
	out := make([]OrderbookLevel, 0, len(levels))
	for _, lvl := range levels {
		ids := make([]string, 0, len(lvl.OrderIds))
		for _, id := range lvl.OrderIds {
			ids = append(ids, id.String())
		}
		out = append(out, OrderbookLevel{Price: lvl.Price.String(), Orders: ids})
	}
	return out
}
