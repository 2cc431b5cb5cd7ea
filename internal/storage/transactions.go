package storage

import (
	"database/sql"
	"time"
)

// TransactionRecord mirrors the transactions table: the bilateral
// settlement record created once a trade proposal is accepted.
type TransactionRecord struct {
	TransactionID          string    `json:"transaction_id"`
	OrderID                string    `json:"order_id"`
	PartnerOrderID         string    `json:"partner_order_id"`
	BaseAsset              string    `json:"base_asset"`
	AgreedBaseAmount       uint64    `json:"agreed_base_amount"`
	AgreedQuoteAmount      uint64    `json:"agreed_quote_amount"`
	TransferredBaseAmount  uint64    `json:"transferred_base_amount"`
	TransferredQuoteAmount uint64    `json:"transferred_quote_amount"`
	IncomingAddress        string    `json:"incoming_address,omitempty"`
	OutgoingAddress        string    `json:"outgoing_address,omitempty"`
	PartnerIncomingAddress string    `json:"partner_incoming_address,omitempty"`
	PartnerOutgoingAddress string    `json:"partner_outgoing_address,omitempty"`
	SentWalletInfo         bool      `json:"sent_wallet_info"`
	ReceivedWalletInfo     bool      `json:"received_wallet_info"`
	Status                 string    `json:"status"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// PaymentRecord mirrors a row of the payments table: one transfer applied
// against a transaction. Settlement pays each leg in one full payment, so
// UseIncrementalPayments adds no extra rows.
type PaymentRecord struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transaction_id"`
	PaymentID     string    `json:"payment_id"`
	Asset         string    `json:"asset"`
	Amount        uint64    `json:"amount"`
	Success       bool      `json:"success"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateTransaction inserts a new settlement transaction with tx.Status and
// zero transferred amounts.
func (s *Storage) CreateTransaction(tx *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO transactions (transaction_id, order_id, partner_order_id, base_asset,
			agreed_base_amount, agreed_quote_amount, transferred_base_amount, transferred_quote_amount,
			incoming_address, outgoing_address, partner_incoming_address, partner_outgoing_address,
			sent_wallet_info, received_wallet_info, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.TransactionID, tx.OrderID, tx.PartnerOrderID, tx.BaseAsset,
		tx.AgreedBaseAmount, tx.AgreedQuoteAmount,
		tx.IncomingAddress, tx.OutgoingAddress, tx.PartnerIncomingAddress, tx.PartnerOutgoingAddress,
		boolToInt(tx.SentWalletInfo), boolToInt(tx.ReceivedWalletInfo), tx.Status, now, now,
	)
	return err
}

// GetTransaction retrieves a transaction by id, or nil if unknown.
func (s *Storage) GetTransaction(transactionID string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(txSelectQuery+" WHERE transaction_id = ?", transactionID)
	return scanTransactionRecord(row)
}

// ListTransactions returns transactions, optionally filtered by orderID,
// newest first.
func (s *Storage) ListTransactions(orderID string, limit int) ([]*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := txSelectQuery
	var args []interface{}
	if orderID != "" {
		query += " WHERE order_id = ? OR partner_order_id = ?"
		args = append(args, orderID, orderID)
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

	var txs []*TransactionRecord
	for rows.Next() {
		tx, err := scanTransactionRecordRows(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// UpdateTransactionStatus transitions a transaction to a new status.
func (s *Storage) UpdateTransactionStatus(transactionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE transactions SET status = ?, updated_at = ? WHERE transaction_id = ?",
		status, time.Now().Unix(), transactionID,
	)
	return err
}

// UpdateTransactionWalletInfo records that wallet info was sent and/or
// received, along with the addresses exchanged.
func (s *Storage) UpdateTransactionWalletInfo(transactionID string, sent, received bool, incoming, outgoing, partnerIncoming, partnerOutgoing string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE transactions SET
			sent_wallet_info = ?, received_wallet_info = ?,
			incoming_address = ?, outgoing_address = ?,
			partner_incoming_address = ?, partner_outgoing_address = ?,
			updated_at = ?
		WHERE transaction_id = ?
	`, boolToInt(sent), boolToInt(received), incoming, outgoing, partnerIncoming, partnerOutgoing, time.Now().Unix(), transactionID)
	return err
}

// UpdateTransactionTransferred advances the transferred amounts on a
// transaction after a payment lands.
func (s *Storage) UpdateTransactionTransferred(transactionID string, transferredBase, transferredQuote uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE transactions SET transferred_base_amount = ?, transferred_quote_amount = ?, updated_at = ? WHERE transaction_id = ?",
		transferredBase, transferredQuote, time.Now().Unix(), transactionID,
	)
	return err
}

// RecordPayment appends a payment row against a transaction.
func (s *Storage) RecordPayment(p *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO payments (transaction_id, payment_id, asset, amount, success, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		p.TransactionID, p.PaymentID, p.Asset, p.Amount, boolToInt(p.Success), time.Now().Unix(),
	)
	return err
}

// ListPayments returns the payments recorded against a transaction, in
// insertion order.
func (s *Storage) ListPayments(transactionID string) ([]*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, transaction_id, payment_id, asset, amount, success, created_at FROM payments WHERE transaction_id = ? ORDER BY id ASC",
		transactionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		var success int
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.TransactionID, &p.PaymentID, &p.Asset, &p.Amount, &success, &createdAt); err != nil {
			return nil, err
		}
		p.Success = success == 1
		p.CreatedAt = time.Unix(createdAt, 0)
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

const txSelectQuery = `
	SELECT transaction_id, order_id, partner_order_id, base_asset,
		agreed_base_amount, agreed_quote_amount, transferred_base_amount, transferred_quote_amount,
		incoming_address, outgoing_address, partner_incoming_address, partner_outgoing_address,
		sent_wallet_info, received_wallet_info, status, created_at, updated_at
	FROM transactions
`

func scanTransactionRecord(row *sql.Row) (*TransactionRecord, error) {
	var tx TransactionRecord
	var incoming, outgoing, partnerIncoming, partnerOutgoing sql.NullString
	var sent, received int
	var createdAt, updatedAt int64

	err := row.Scan(&tx.TransactionID, &tx.OrderID, &tx.PartnerOrderID, &tx.BaseAsset,
		&tx.AgreedBaseAmount, &tx.AgreedQuoteAmount, &tx.TransferredBaseAmount, &tx.TransferredQuoteAmount,
		&incoming, &outgoing, &partnerIncoming, &partnerOutgoing,
		&sent, &received, &tx.Status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	fillTransactionRecord(&tx, incoming, outgoing, partnerIncoming, partnerOutgoing, sent, received, createdAt, updatedAt)
	return &tx, nil
}

func scanTransactionRecordRows(rows *sql.Rows) (*TransactionRecord, error) {
	var tx TransactionRecord
	var incoming, outgoing, partnerIncoming, partnerOutgoing sql.NullString
	var sent, received int
	var createdAt, updatedAt int64

	err := rows.Scan(&tx.TransactionID, &tx.OrderID, &tx.PartnerOrderID, &tx.BaseAsset,
		&tx.AgreedBaseAmount, &tx.AgreedQuoteAmount, &tx.TransferredBaseAmount, &tx.TransferredQuoteAmount,
		&incoming, &outgoing, &partnerIncoming, &partnerOutgoing,
		&sent, &received, &tx.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	fillTransactionRecord(&tx, incoming, outgoing, partnerIncoming, partnerOutgoing, sent, received, createdAt, updatedAt)
	return &tx, nil
}

func fillTransactionRecord(tx *TransactionRecord, incoming, outgoing, partnerIncoming, partnerOutgoing sql.NullString, sent, received int, createdAt, updatedAt int64) {
	tx.IncomingAddress = incoming.String
	tx.OutgoingAddress = outgoing.String
	tx.PartnerIncomingAddress = partnerIncoming.String
	tx.PartnerOutgoingAddress = partnerOutgoing.String
	tx.SentWalletInfo = sent == 1
	tx.ReceivedWalletInfo = received == 1
	tx.CreatedAt = time.Unix(createdAt, 0)
	tx.UpdatedAt = time.Unix(updatedAt, 0)
}
