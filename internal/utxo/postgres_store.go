package utxo

import (
	"context"
	"database/sql"
)

// PostgresStore persists the UTXO cache in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed UTXO store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, u *UTXO) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO utxos (tx_id, vout, amount, locking_script, address, spent, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_id, vout) DO UPDATE SET
			amount = EXCLUDED.amount,
			locking_script = EXCLUDED.locking_script,
			address = EXCLUDED.address,
			spent = EXCLUDED.spent,
			updated_at = EXCLUDED.updated_at`,
		u.TxID, u.Vout, u.Amount, u.LockingScript, u.Address, u.Spent, u.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListByAddress(ctx context.Context, address string, includeSpent bool) ([]UTXO, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tx_id, vout, amount, locking_script, address, spent, updated_at
		FROM utxos
		WHERE address = $1 AND (spent = FALSE OR $2)
		ORDER BY amount DESC`, address, includeSpent)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []UTXO
	for rows.Next() {
		var u UTXO
		if err := rows.Scan(&u.TxID, &u.Vout, &u.Amount, &u.LockingScript, &u.Address, &u.Spent, &u.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkSpent(ctx context.Context, txID string, vout uint32) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE utxos SET spent = TRUE, updated_at = NOW() WHERE tx_id = $1 AND vout = $2`,
		txID, vout)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteByAddress(ctx context.Context, address string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM utxos WHERE address = $1`, address)
	return err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
