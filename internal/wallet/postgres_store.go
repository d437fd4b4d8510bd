package wallet

import (
	"context"
	"database/sql"
)

// PostgresStore persists wallet records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, public_key, address, enc_private_key, api_key_hash, created_at`

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, public_key, address, enc_private_key, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.PublicKey, w.Address, w.EncPrivateKey, w.APIKeyHash, w.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

func (p *PostgresStore) GetByAddress(ctx context.Context, address string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1`, address)
	return scanWallet(row)
}

func scanWallet(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.PublicKey, &w.Address, &w.EncPrivateKey, &w.APIKeyHash, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
