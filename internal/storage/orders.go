package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// OrderRecord mirrors the orders table: rows with IsLocal true are orders
// this node created and owns; rows with IsLocal false are ticks accepted
// into a matchmaker's orderbook.
type OrderRecord struct {
	OrderID     string          `json:"order_id"`
	TraderID    string          `json:"trader_id"`
	OrderNumber uint32          `json:"order_number"`
	IsAsk       bool            `json:"is_ask"`
	BaseAsset   string          `json:"base_asset"`
	BaseAmount  uint64          `json:"base_amount"`
	QuoteAsset  string          `json:"quote_asset"`
	QuoteAmount uint64          `json:"quote_amount"`
	Traded      uint64          `json:"traded"`
	Status      string          `json:"status"`
	TimeoutMs   int64           `json:"timeout_ms"`
	CreatedAt   time.Time       `json:"created_at"`
	BlockHash   string          `json:"block_hash,omitempty"`
	IsLocal     bool            `json:"is_local"`
	Reserved    map[string]uint64 `json:"reserved"`
}

// SaveOrder inserts or updates an order record.
func (s *Storage) SaveOrder(o *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservedJSON, err := json.Marshal(o.Reserved)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (order_id, trader_id, order_number, is_ask, base_asset, base_amount,
			quote_asset, quote_amount, traded, status, timeout_ms, created_at, block_hash, is_local, reserved_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			traded = excluded.traded,
			status = excluded.status,
			block_hash = excluded.block_hash,
			reserved_json = excluded.reserved_json
	`

	_, err = s.db.Exec(query,
		o.OrderID, o.TraderID, o.OrderNumber, boolToInt(o.IsAsk),
		o.BaseAsset, o.BaseAmount, o.QuoteAsset, o.QuoteAmount,
		o.Traded, o.Status, o.TimeoutMs, o.CreatedAt.Unix(),
		o.BlockHash, boolToInt(o.IsLocal), string(reservedJSON),
	)
	return err
}

// GetOrder retrieves an order by its id, or nil if unknown.
func (s *Storage) GetOrder(orderID string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(orderSelectQuery+" WHERE order_id = ?", orderID)
	return scanOrderRecord(row)
}

// UpdateOrderStatus transitions an order to a new status.
func (s *Storage) UpdateOrderStatus(orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE orders SET status = ? WHERE order_id = ?", status, orderID)
	return err
}

// UpdateOrderTraded advances an order's traded amount.
func (s *Storage) UpdateOrderTraded(orderID string, traded uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE orders SET traded = ? WHERE order_id = ?", traded, orderID)
	return err
}

// ListOrders returns orders, optionally filtered to local orders only,
// newest first.
func (s *Storage) ListOrders(localOnly bool, limit int) ([]*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := orderSelectQuery
	var args []interface{}
	if localOnly {
		query += " WHERE is_local = 1"
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*OrderRecord
	for rows.Next() {
		o, err := scanOrderRecordRows(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// MarkOrderTerminal records that orderID has finished (completed or
// cancelled). The in-memory OrderBook keeps its own terminal sets and
// does not read this table.
func (s *Storage) MarkOrderTerminal(orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO orderbook_terminal (order_id, reason, recorded_at) VALUES (?, ?, ?)",
		orderID, reason, time.Now().Unix(),
	)
	return err
}

// IsOrderTerminal reports whether orderID was previously recorded as
// completed or cancelled.
func (s *Storage) IsOrderTerminal(orderID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM orderbook_terminal WHERE order_id = ?", orderID).Scan(&count)
	return count > 0, err
}

const orderSelectQuery = `
	SELECT order_id, trader_id, order_number, is_ask, base_asset, base_amount,
		quote_asset, quote_amount, traded, status, timeout_ms, created_at, block_hash, is_local, reserved_json
	FROM orders
`

func scanOrderRecord(row *sql.Row) (*OrderRecord, error) {
	var o OrderRecord
	var isAsk, isLocal int
	var createdAt int64
	var blockHash sql.NullString
	var reservedJSON string

	err := row.Scan(&o.OrderID, &o.TraderID, &o.OrderNumber, &isAsk, &o.BaseAsset, &o.BaseAmount,
		&o.QuoteAsset, &o.QuoteAmount, &o.Traded, &o.Status, &o.TimeoutMs, &createdAt, &blockHash, &isLocal, &reservedJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	fillOrderRecord(&o, isAsk, isLocal, createdAt, blockHash, reservedJSON)
	return &o, nil
}

func scanOrderRecordRows(rows *sql.Rows) (*OrderRecord, error) {
	var o OrderRecord
	var isAsk, isLocal int
	var createdAt int64
	var blockHash sql.NullString
	var reservedJSON string

	err := rows.Scan(&o.OrderID, &o.TraderID, &o.OrderNumber, &isAsk, &o.BaseAsset, &o.BaseAmount,
		&o.QuoteAsset, &o.QuoteAmount, &o.Traded, &o.Status, &o.TimeoutMs, &createdAt, &blockHash, &isLocal, &reservedJSON)
	if err != nil {
		return nil, err
	}
	fillOrderRecord(&o, isAsk, isLocal, createdAt, blockHash, reservedJSON)
	return &o, nil
}

func fillOrderRecord(o *OrderRecord, isAsk, isLocal int, createdAt int64, blockHash sql.NullString, reservedJSON string) {
	o.IsAsk = isAsk == 1
	o.IsLocal = isLocal == 1
	o.CreatedAt = time.Unix(createdAt, 0)
	if blockHash.Valid {
		o.BlockHash = blockHash.String
	}
	if reservedJSON != "" {
		json.Unmarshal([]byte(reservedJSON), &o.Reserved)
	}
}
