package storage

import (
	"database/sql"
	"time"
)

// ChainBlockRecord mirrors a row of the chain_blocks table: one signed
// block in a trader's append-only chain.
type ChainBlockRecord struct {
	Hash           string    `json:"hash"`
	BlockType      string    `json:"block_type"`
	TraderID       string    `json:"trader_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	PreviousHash   string    `json:"previous_hash,omitempty"`
	LinkedHash     string    `json:"linked_hash,omitempty"`
	Version        int       `json:"version"`
	Payload        []byte    `json:"payload"`
	Signature      []byte    `json:"signature"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendChainBlock inserts a new block. Blocks are immutable once written;
// callers must not attempt to update an existing hash.
func (s *Storage) AppendChainBlock(b *ChainBlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chain_blocks (hash, block_type, trader_id, sequence_number, previous_hash,
			linked_hash, version, payload, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.Hash, b.BlockType, b.TraderID, b.SequenceNumber, nullableString(b.PreviousHash),
		nullableString(b.LinkedHash), b.Version, b.Payload, b.Signature, time.Now().Unix(),
	)
	return err
}

// GetChainBlock retrieves a block by hash, or nil if unknown.
func (s *Storage) GetChainBlock(hash string) (*ChainBlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(chainBlockSelectQuery+" WHERE hash = ?", hash)
	return scanChainBlockRecord(row)
}

// GetLinkedChainBlock retrieves the block that links to the given hash
// (the other half of a bilateral block pair), or nil if none has arrived
// yet.
func (s *Storage) GetLinkedChainBlock(hash string) (*ChainBlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(chainBlockSelectQuery+" WHERE linked_hash = ?", hash)
	return scanChainBlockRecord(row)
}

// LatestChainBlock returns the highest-sequence block known for a trader,
// or nil if the chain is empty.
func (s *Storage) LatestChainBlock(traderID string) (*ChainBlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(chainBlockSelectQuery+" WHERE trader_id = ? ORDER BY sequence_number DESC LIMIT 1", traderID)
	return scanChainBlockRecord(row)
}

// ListChainBlocks returns a trader's blocks in sequence order.
func (s *Storage) ListChainBlocks(traderID string, limit int) ([]*ChainBlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := chainBlockSelectQuery + " WHERE trader_id = ? ORDER BY sequence_number ASC"
	args := []interface{}{traderID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []*ChainBlockRecord
	for rows.Next() {
		b, err := scanChainBlockRecordRows(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

const chainBlockSelectQuery = `
	SELECT hash, block_type, trader_id, sequence_number, previous_hash, linked_hash,
		version, payload, signature, created_at
	FROM chain_blocks
`

func scanChainBlockRecord(row *sql.Row) (*ChainBlockRecord, error) {
	var b ChainBlockRecord
	var previousHash, linkedHash sql.NullString
	var createdAt int64

	err := row.Scan(&b.Hash, &b.BlockType, &b.TraderID, &b.SequenceNumber, &previousHash, &linkedHash,
		&b.Version, &b.Payload, &b.Signature, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	fillChainBlockRecord(&b, previousHash, linkedHash, createdAt)
	return &b, nil
}

func scanChainBlockRecordRows(rows *sql.Rows) (*ChainBlockRecord, error) {
	var b ChainBlockRecord
	var previousHash, linkedHash sql.NullString
	var createdAt int64

	err := rows.Scan(&b.Hash, &b.BlockType, &b.TraderID, &b.SequenceNumber, &previousHash, &linkedHash,
		&b.Version, &b.Payload, &b.Signature, &createdAt)
	if err != nil {
		return nil, err
	}
	fillChainBlockRecord(&b, previousHash, linkedHash, createdAt)
	return &b, nil
}

func fillChainBlockRecord(b *ChainBlockRecord, previousHash, linkedHash sql.NullString, createdAt int64) {
	b.PreviousHash = previousHash.String
	b.LinkedHash = linkedHash.String
	b.CreatedAt = time.Unix(createdAt, 0)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
