package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is the production Store backed by PostgreSQL. Conditional
// transitions are single UPDATE statements guarded on the current status, so
// the database is the arbiter of every settlement race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store using the given database handle. The
// caller owns the handle's lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, service_id, buyer_wallet_id, seller_wallet_id,
	buyer_addr, seller_addr, amount, platform_fee, currency, mode, status,
	contract_id, consumed_job_id, multisig_script,
	escrow_tx_id, release_tx_id, refund_tx_id,
	created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		p.ID, p.ServiceID, p.BuyerWalletID, p.SellerWalletID,
		p.BuyerAddr, p.SellerAddr, p.Amount, p.PlatformFee, p.Currency, p.Mode, p.Status,
		nullString(p.ContractID), nullString(p.ConsumedJobID), nullString(p.MultisigScript),
		nullString(p.EscrowTxID), nullString(p.ReleaseTxID), nullString(p.RefundTxID),
		p.CreatedAt, p.UpdatedAt, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("settlement: insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (s *PostgresStore) GetByContractID(ctx context.Context, contractID string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE contract_id = $1 ORDER BY created_at LIMIT 1`, contractID)
	return scanPayment(row)
}

func (s *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE buyer_wallet_id = $1 OR seller_wallet_id = $1
		ORDER BY created_at DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("settlement: list payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, txID string) (bool, error) {
	txCol := ""
	switch to {
	case StatusEscrowed:
		txCol = "escrow_tx_id"
	case StatusReleased:
		txCol = "release_tx_id"
	case StatusRefunded:
		txCol = "refund_tx_id"
	}

	query := `UPDATE payments SET status = $1, updated_at = NOW()`
	args := []any{to, id, from}
	if to == StatusReleased || to == StatusRefunded {
		query += `, completed_at = NOW()`
	}
	if txCol != "" && txID != "" {
		query += fmt.Sprintf(`, %s = $4`, txCol)
		args = append(args, txID)
	}
	query += ` WHERE id = $2 AND status = $3`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("settlement: transition %s → %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Either the row is gone or the guard failed; disambiguate.
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) BindConsumption(ctx context.Context, id, jobID string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET consumed_job_id = $2, updated_at = NOW()
		WHERE id = $1 AND consumed_job_id IS NULL`, id, jobID)
	if err != nil {
		return "", fmt.Errorf("settlement: bind consumption: %w", err)
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.ConsumedJobID, nil
}

func (s *PostgresStore) SetContractID(ctx context.Context, id, contractID string) error {
	return s.setColumn(ctx, id, "contract_id", contractID)
}

func (s *PostgresStore) SetMultisigScript(ctx context.Context, id, scriptHex string) error {
	return s.setColumn(ctx, id, "multisig_script", scriptHex)
}

func (s *PostgresStore) setColumn(ctx context.Context, id, col, val string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE payments SET %s = $2, updated_at = NOW() WHERE id = $1`, col),
		id, val)
	if err != nil {
		return fmt.Errorf("settlement: set %s: %w", col, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) AddApproval(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_approvals
			(id, payment_id, action, actor_type, actor_address, signature, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.PaymentID, a.Action, a.ActorType, a.ActorAddress, a.Signature, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("settlement: insert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, paymentID string, action Action) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, action, actor_type, actor_address, signature, created_at
		FROM settlement_approvals
		WHERE payment_id = $1 AND action = $2
		ORDER BY created_at ASC`, paymentID, action)
	if err != nil {
		return nil, fmt.Errorf("settlement: list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a := &Approval{}
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.Action, &a.ActorType,
			&a.ActorAddress, &a.Signature, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("settlement: scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	p := &Payment{}
	var contractID, consumedJobID, multisigScript sql.NullString
	var escrowTx, releaseTx, refundTx sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.ServiceID, &p.BuyerWalletID, &p.SellerWalletID,
		&p.BuyerAddr, &p.SellerAddr, &p.Amount, &p.PlatformFee, &p.Currency, &p.Mode, &p.Status,
		&contractID, &consumedJobID, &multisigScript,
		&escrowTx, &releaseTx, &refundTx,
		&p.CreatedAt, &p.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: scan payment: %w", err)
	}
	p.ContractID = contractID.String
	p.ConsumedJobID = consumedJobID.String
	p.MultisigScript = multisigScript.String
	p.EscrowTxID = escrowTx.String
	p.ReleaseTxID = releaseTx.String
	p.RefundTxID = refundTx.String
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
