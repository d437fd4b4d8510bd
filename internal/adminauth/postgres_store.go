package adminauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is the production Store and AuditStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store using the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateChallenge(ctx context.Context, ch *Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_auth_challenges (id, nonce, text, address, used, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ch.ID, ch.Nonce, ch.Text, sql.NullString{String: ch.Address, Valid: ch.Address != ""},
		ch.Used, ch.CreatedAt, ch.ExpiresAt)
	if err != nil {
		return fmt.Errorf("adminauth: insert challenge: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	ch := &Challenge{}
	var address sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nonce, text, address, used, created_at, expires_at
		FROM admin_auth_challenges WHERE id = $1`, id).
		Scan(&ch.ID, &ch.Nonce, &ch.Text, &address, &ch.Used, &ch.CreatedAt, &ch.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("adminauth: scan challenge: %w", err)
	}
	ch.Address = address.String
	return ch, nil
}

func (s *PostgresStore) MarkChallengeUsed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE admin_auth_challenges SET used = TRUE
		WHERE id = $1 AND used = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("adminauth: mark challenge used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetChallenge(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_auth_sessions (id, token_hash, address, created_at, expires_at, revoked_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sess.ID, sess.TokenHash, sess.Address, sess.CreatedAt, sess.ExpiresAt, sess.RevokedAt)
	if err != nil {
		return fmt.Errorf("adminauth: insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	sess := &Session{}
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, address, created_at, expires_at, revoked_at
		FROM admin_auth_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&sess.ID, &sess.TokenHash, &sess.Address, &sess.CreatedAt, &sess.ExpiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("adminauth: scan session: %w", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	return sess, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE admin_auth_sessions SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("adminauth: revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.getSessionByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) getSessionByID(ctx context.Context, id string) (*Session, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash FROM admin_auth_sessions WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetSessionByTokenHash(ctx, hash)
}

func (s *PostgresStore) RevokeSessionsForAddress(ctx context.Context, address string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE admin_auth_sessions SET revoked_at = NOW()
		WHERE address = $1 AND revoked_at IS NULL`, address)
	if err != nil {
		return 0, fmt.Errorf("adminauth: revoke sessions for address: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) Append(ctx context.Context, e *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_audit_logs (id, actor, action, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, sql.NullString{String: e.Actor, Valid: e.Actor != ""}, e.Action,
		sql.NullString{String: e.Detail, Valid: e.Detail != ""}, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("adminauth: append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, detail, created_at
		FROM admin_audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("adminauth: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var actor, detail sql.NullString
		if err := rows.Scan(&e.ID, &actor, &e.Action, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("adminauth: scan audit entry: %w", err)
		}
		e.Actor = actor.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ AuditStore = (*PostgresStore)(nil)
)
