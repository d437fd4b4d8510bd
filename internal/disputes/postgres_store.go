package disputes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore is the production Store backed by PostgreSQL. The unique
// index on payment_id is the real one-dispute-per-payment guarantee.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store using the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, payment_id, buyer_addr, reason, evidence, status,
	created_at, updated_at, expires_at, resolved_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.PaymentID, d.BuyerAddr, d.Reason, d.Evidence, d.Status,
		d.CreatedAt, d.UpdatedAt, d.ExpiresAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("disputes: insert dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE payment_id = $1`, paymentID)
	return scanDispute(row)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	query := `UPDATE disputes SET status = $1, updated_at = NOW()`
	if strings.HasPrefix(string(to), "resolved_") {
		query += `, resolved_at = NOW()`
	}
	query += ` WHERE id = $2 AND status = $3`

	res, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("disputes: transition %s → %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func scanDispute(row *sql.Row) (*Dispute, error) {
	d := &Dispute{}
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.PaymentID, &d.BuyerAddr, &d.Reason, &d.Evidence, &d.Status,
		&d.CreatedAt, &d.UpdatedAt, &d.ExpiresAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disputes: scan dispute: %w", err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

var _ Store = (*PostgresStore)(nil)
