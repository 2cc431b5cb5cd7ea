package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/klingon-exchange/klingdex/internal/market"
	"github.com/klingon-exchange/klingdex/internal/storage"
	"github.com/klingon-exchange/klingdex/pkg/helpers"
)

// ========================================
// Order handlers
// ========================================

// OrderCreateParams is the parameters for market_createOrder. An amount
// may be given either as a raw smallest-unit integer (BaseAmount) or as a
// decimal string in the asset's own units (BaseAmountDisplay); the raw
// field wins if both are set.
type OrderCreateParams struct {
	IsAsk              bool   `json:"is_ask"`
	BaseAsset          string `json:"base_asset"`
	BaseAmount         uint64 `json:"base_amount"`
	BaseAmountDisplay  string `json:"base_amount_display,omitempty"`
	QuoteAsset         string `json:"quote_asset"`
	QuoteAmount        uint64 `json:"quote_amount"`
	QuoteAmountDisplay string `json:"quote_amount_display,omitempty"`
	TimeoutMs          int64  `json:"timeout_ms"`
}

// OrderInfo represents order information in RPC responses.
type OrderInfo struct {
	ID                 string `json:"id"`
	IsAsk              bool   `json:"is_ask"`
	BaseAsset          string `json:"base_asset"`
	BaseAmount         uint64 `json:"base_amount"`
	BaseAmountDisplay  string `json:"base_amount_display"`
	QuoteAsset         string `json:"quote_asset"`
	QuoteAmount        uint64 `json:"quote_amount"`
	QuoteAmountDisplay string `json:"quote_amount_display"`
	Traded             uint64 `json:"traded"`
	Status             string `json:"status"`
	TimeoutMs          int64  `json:"timeout_ms"`
	CreatedAt          int64  `json:"created_at"`
}

func (s *Server) snapshotToInfo(snap market.Snapshot) OrderInfo {
	return OrderInfo{
		ID:                 snap.OrderId.String(),
		IsAsk:              snap.IsAsk,
		BaseAsset:          snap.Assets.First.Tag,
		BaseAmount:         snap.Assets.First.Count,
		BaseAmountDisplay:  s.displayAmount(snap.Assets.First.Tag, snap.Assets.First.Count),
		QuoteAsset:         snap.Assets.Second.Tag,
		QuoteAmount:        snap.Assets.Second.Count,
		QuoteAmountDisplay: s.displayAmount(snap.Assets.Second.Tag, snap.Assets.Second.Count),
		Traded:             snap.Traded,
		Status:             snap.Status.String(),
		TimeoutMs:          snap.TimeoutMs,
		CreatedAt:          snap.CreatedAt.Time().Unix(),
	}
}

// resolveAmount prefers the raw integer amount; if it is zero, it falls
// back to parsing display as a decimal string in the wallet's precision
// for tag (defaulting to 8 decimals, matching the common BTC-style asset,
// when no wallet is registered yet).
func (s *Server) resolveAmount(tag string, raw uint64, display string) (uint64, error) {
	if raw != 0 {
		return raw, nil
	}
	if display == "" {
		return 0, nil
	}
	decimals := uint8(8)
	if w, err := s.market.Wallet(tag); err == nil {
		decimals = uint8(w.Precision())
	}
	return helpers.ParseAmount(display, decimals)
}

func (s *Server) marketCreateOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if p.BaseAsset == "" || p.QuoteAsset == "" {
		return nil, fmt.Errorf("base_asset and quote_asset are required")
	}

	baseAmount, err := s.resolveAmount(p.BaseAsset, p.BaseAmount, p.BaseAmountDisplay)
	if err != nil {
		return nil, fmt.Errorf("invalid base_amount_display: %w", err)
	}
	quoteAmount, err := s.resolveAmount(p.QuoteAsset, p.QuoteAmount, p.QuoteAmountDisplay)
	if err != nil {
		return nil, fmt.Errorf("invalid quote_amount_display: %w", err)
	}
	p.BaseAmount, p.QuoteAmount = baseAmount, quoteAmount

	if p.BaseAmount == 0 || p.QuoteAmount == 0 {
		return nil, fmt.Errorf("base_amount and quote_amount must be positive")
	}
	if p.TimeoutMs == 0 {
		p.TimeoutMs = int64(24 * 60 * 60 * 1000)
	}

	pair, err := market.NewAssetPair(
		market.AssetAmount{Count: p.BaseAmount, Tag: p.BaseAsset},
		market.AssetAmount{Count: p.QuoteAmount, Tag: p.QuoteAsset},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid asset pair: %w", err)
	}

	order, err := s.market.CreateOrder(pair, p.IsAsk, p.TimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	snap := order.Snapshot()

	if s.store != nil {
		if err := s.store.SaveOrder(orderRecordFromSnapshot(snap, true)); err != nil {
			s.log.Warn("Failed to persist order", "id", snap.OrderId, "error", err)
		}
	}

	s.log.Info("Order created",
		"id", snap.OrderId,
		"is_ask", snap.IsAsk,
		"pair", fmt.Sprintf("%d %s / %d %s", snap.Assets.First.Count, snap.Assets.First.Tag, snap.Assets.Second.Count, snap.Assets.Second.Tag),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventOrderCreated, s.snapshotToInfo(snap))
	}

	return s.snapshotToInfo(snap), nil
}

// OrdersListParams is the parameters for market_listOrders.
type OrdersListParams struct {
	Limit int `json:"limit,omitempty"`
}

// OrdersListResult is the response for market_listOrders.
type OrdersListResult struct {
	Orders []OrderInfo `json:"orders"`
	Count  int         `json:"count"`
}

func (s *Server) marketListOrders(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrdersListParams
	if params != nil {
		json.Unmarshal(params, &p)
	}

	snaps := s.market.Orders()
	result := make([]OrderInfo, 0, len(snaps))
	for _, snap := range snaps {
		result = append(result, s.snapshotToInfo(snap))
		if p.Limit > 0 && len(result) >= p.Limit {
			break
		}
	}

	return &OrdersListResult{Orders: result, Count: len(result)}, nil
}

// OrdersGetParams is the parameters for market_getOrder.
type OrdersGetParams struct {
	ID string `json:"id"`
}

func (s *Server) marketGetOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrdersGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	id, err := parseOrderId(p.ID)
	if err != nil {
		return nil, err
	}

	order := s.market.Order(id)
	if order == nil {
		return nil, fmt.Errorf("order not found: %s", p.ID)
	}

	return s.snapshotToInfo(order.Snapshot()), nil
}

// OrdersCancelParams is the parameters for market_cancelOrder.
type OrdersCancelParams struct {
	ID string `json:"id"`
}

func (s *Server) marketCancelOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrdersCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	id, err := parseOrderId(p.ID)
	if err != nil {
		return nil, err
	}

	order := s.market.Order(id)
	if order == nil {
		return nil, fmt.Errorf("order not found: %s", p.ID)
	}

	s.market.CancelOrder(id)

	if s.store != nil {
		if err := s.store.UpdateOrderStatus(id.String(), order.Status().String()); err != nil {
			s.log.Warn("Failed to persist order cancellation", "id", id, "error", err)
		}
	}

	s.log.Info("Order cancelled", "id", id)

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventOrderCancelled, map[string]string{"id": p.ID})
	}

	return map[string]interface{}{"success": true, "id": p.ID}, nil
}

func parseOrderId(s string) (market.OrderId, error) {
	traderHex, numStr, ok := strings.Cut(s, ".")
	if !ok {
		return market.OrderId{}, fmt.Errorf("invalid order id %q: expected trader.number", s)
	}
	trader, err := market.TraderIdFromHex(traderHex)
	if err != nil {
		return market.OrderId{}, fmt.Errorf("invalid order id %q: %w", s, err)
	}
	num, err := strconv.ParseUint(numStr, 10, 32)
	if err != nil {
		return market.OrderId{}, fmt.Errorf("invalid order id %q: %w", s, err)
	}
	return market.OrderId{TraderId: trader, OrderNumber: market.OrderNumber(num)}, nil
}

// orderRecordFromSnapshot converts a live order snapshot into the record
// shape persisted for restart recovery and historical listing.
func orderRecordFromSnapshot(snap market.Snapshot, isLocal bool) *storage.OrderRecord {
	return &storage.OrderRecord{
		OrderID:     snap.OrderId.String(),
		TraderID:    snap.OrderId.TraderId.String(),
		OrderNumber: uint32(snap.OrderId.OrderNumber),
		IsAsk:       snap.IsAsk,
		BaseAsset:   snap.Assets.First.Tag,
		BaseAmount:  snap.Assets.First.Count,
		QuoteAsset:  snap.Assets.Second.Tag,
		QuoteAmount: snap.Assets.Second.Count,
		Traded:      snap.Traded,
		Status:      snap.Status.String(),
		TimeoutMs:   snap.TimeoutMs,
		CreatedAt:   snap.CreatedAt.Time(),
		IsLocal:     isLocal,
		Reserved:    map[string]uint64{},
	}
}
