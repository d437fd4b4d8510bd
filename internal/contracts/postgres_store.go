package contracts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store using the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, service_id, buyer_addr, seller_addr, amount, currency,
	terms, nonce, hash, buyer_signature, seller_signature, anchor_tx_id, created_at`

func (s *PostgresStore) Create(ctx context.Context, c *Contract) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_contracts (`+contractColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.ServiceID, c.BuyerAddr, c.SellerAddr, c.Amount, c.Currency,
		c.Terms, c.Nonce, c.Hash, c.BuyerSignature, c.SellerSignature,
		sql.NullString{String: c.AnchorTxID, Valid: c.AnchorTxID != ""}, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("contracts: insert contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM service_contracts WHERE id = $1`, id)
	return scanContract(row)
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Contract, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM service_contracts WHERE hash = $1`, hash)
	return scanContract(row)
}

func (s *PostgresStore) SetAnchorTxID(ctx context.Context, id, txID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE service_contracts SET anchor_tx_id = $2 WHERE id = $1`, id, txID)
	if err != nil {
		return fmt.Errorf("contracts: set anchor tx id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrContractNotFound
	}
	return nil
}

func scanContract(row *sql.Row) (*Contract, error) {
	c := &Contract{}
	var anchorTxID sql.NullString
	err := row.Scan(&c.ID, &c.ServiceID, &c.BuyerAddr, &c.SellerAddr, &c.Amount, &c.Currency,
		&c.Terms, &c.Nonce, &c.Hash, &c.BuyerSignature, &c.SellerSignature,
		&anchorTxID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contracts: scan contract: %w", err)
	}
	c.AnchorTxID = anchorTxID.String
	return c, nil
}

var _ Store = (*PostgresStore)(nil)
