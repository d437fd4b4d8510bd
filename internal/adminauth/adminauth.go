// Package adminauth implements two-layer admin authentication: a rotating
// static key for routine admin calls, plus a wallet step-up for privileged
// financial operations.
//
// The step-up is a challenge/response: the service mints a single-use
// challenge, the admin signs its text with an allow-listed wallet key, and a
// valid signature mints a short-lived session token. Tokens are returned
// once and stored only as SHA-256 hashes; challenges and sessions expire
// lazily, on the read that finds them stale.
package adminauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/keys"
	"github.com/agentspay/agentspay/internal/logging"
	"github.com/agentspay/agentspay/internal/metrics"
)

var (
	ErrChallengeNotFound = errors.New("adminauth: challenge not found")
	ErrChallengeExpired  = errors.New("adminauth: challenge expired")
	ErrChallengeUsed     = errors.New("adminauth: challenge already used")
	ErrAddressMismatch   = errors.New("adminauth: signer does not match challenge binding")
	ErrNotAllowlisted    = errors.New("adminauth: wallet address not in admin allow-list")
	ErrBadSignature      = errors.New("adminauth: challenge signature does not verify")
	ErrSessionNotFound   = errors.New("adminauth: session not found")
	ErrSessionExpired    = errors.New("adminauth: session expired")
	ErrSessionRevoked    = errors.New("adminauth: session revoked")
)

const (
	// ChallengeTTL bounds the window between minting and signing.
	ChallengeTTL = 5 * time.Minute
	// SessionTTL bounds how long a step-up session stays valid.
	SessionTTL = 30 * time.Minute
)

// Challenge is a single-use signing challenge.
type Challenge struct {
	ID        string    `json:"id"`
	Nonce     string    `json:"nonce"`
	Text      string    `json:"text"`
	Address   string    `json:"address,omitempty"` // optional pre-binding
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is a minted step-up session. The token itself is never stored.
type Session struct {
	ID        string     `json:"id"`
	TokenHash string     `json:"-"`
	Address   string     `json:"address"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Store persists challenges and sessions.
type Store interface {
	CreateChallenge(ctx context.Context, ch *Challenge) error
	GetChallenge(ctx context.Context, id string) (*Challenge, error)
	// MarkChallengeUsed flips used only if currently unused; false on a lost
	// race, which is what makes the challenge single-use.
	MarkChallengeUsed(ctx context.Context, id string) (bool, error)

	CreateSession(ctx context.Context, s *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	RevokeSession(ctx context.Context, id string) error
	RevokeSessionsForAddress(ctx context.Context, address string) (int, error)
}

// KeyChecker validates the static admin key against the current key and up
// to two prior generations, so a rotation does not cut off in-flight tooling.
type KeyChecker struct {
	generations [][]byte
}

// NewKeyChecker accepts the current key plus optional previous and legacy
// keys. Empty strings are skipped.
func NewKeyChecker(current, previous, legacy string) *KeyChecker {
	kc := &KeyChecker{}
	for _, k := range []string{current, previous, legacy} {
		if k != "" {
			kc.generations = append(kc.generations, []byte(k))
		}
	}
	return kc
}

// Check compares in constant time against every configured generation.
// Every generation is always compared, so timing does not reveal which one
// matched.
func (kc *KeyChecker) Check(candidate string) bool {
	c := []byte(candidate)
	matched := 0
	for _, gen := range kc.generations {
		if subtle.ConstantTimeCompare(c, gen) == 1 {
			matched = 1
		}
	}
	return matched == 1
}

// Service implements the wallet step-up flow.
type Service struct {
	store     Store
	allowlist map[string]bool
	audit     *Auditor // nil disables auditing
}

// NewService creates the step-up service for the given admin wallet
// allow-list.
func NewService(store Store, allowlist []string, audit *Auditor) *Service {
	allow := make(map[string]bool, len(allowlist))
	for _, a := range allowlist {
		if a = strings.TrimSpace(a); a != "" {
			allow[a] = true
		}
	}
	return &Service{store: store, allowlist: allow, audit: audit}
}

// CreateChallenge mints a challenge. When address is non-empty the challenge
// only accepts a signature from that wallet.
func (s *Service) CreateChallenge(ctx context.Context, address string) (*Challenge, error) {
	now := time.Now()
	nonce := idgen.Hex(16)
	ch := &Challenge{
		ID:        idgen.WithPrefix("chl_"),
		Nonce:     nonce,
		Text:      challengeText(nonce, now),
		Address:   address,
		CreatedAt: now,
		ExpiresAt: now.Add(ChallengeTTL),
	}
	if err := s.store.CreateChallenge(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func challengeText(nonce string, issued time.Time) string {
	return fmt.Sprintf("AgentsPay admin step-up\nNonce: %s\nIssued: %s",
		nonce, issued.UTC().Format(time.RFC3339))
}

// VerifyResult carries the minted session and its one-time token.
type VerifyResult struct {
	Session *Session `json:"session"`
	Token   string   `json:"token"` // shown exactly once
}

// VerifyChallenge checks a signed challenge and mints a session. The
// challenge is consumed atomically before the session exists, so the same
// signature can never mint two sessions.
func (s *Service) VerifyChallenge(ctx context.Context, challengeID, signature string) (*VerifyResult, error) {
	ch, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(ch.ExpiresAt) {
		s.record(ctx, "", "stepup_denied", "challenge expired: "+challengeID)
		metrics.AdminStepupTotal.WithLabelValues("expired").Inc()
		return nil, ErrChallengeExpired
	}
	if ch.Used {
		metrics.AdminStepupTotal.WithLabelValues("replayed").Inc()
		return nil, ErrChallengeUsed
	}

	signer, err := keys.RecoverMessageAddress(ch.Text, signature)
	if err != nil {
		metrics.AdminStepupTotal.WithLabelValues("bad_signature").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if ch.Address != "" && signer != ch.Address {
		metrics.AdminStepupTotal.WithLabelValues("denied").Inc()
		return nil, ErrAddressMismatch
	}
	if !s.allowlist[signer] {
		s.record(ctx, signer, "stepup_denied", "address not allow-listed")
		metrics.AdminStepupTotal.WithLabelValues("denied").Inc()
		return nil, ErrNotAllowlisted
	}

	ok, err := s.store.MarkChallengeUsed(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.AdminStepupTotal.WithLabelValues("replayed").Inc()
		return nil, ErrChallengeUsed
	}

	token := "ast_" + idgen.Hex(32)
	now := time.Now()
	session := &Session{
		ID:        idgen.WithPrefix("ses_"),
		TokenHash: hashToken(token),
		Address:   signer,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.record(ctx, signer, "stepup_granted", "session "+session.ID)
	metrics.AdminStepupTotal.WithLabelValues("granted").Inc()
	metrics.ActiveAdminSessions.Inc()
	logging.L(ctx).Info("admin step-up granted", "address", signer, "session_id", session.ID)
	return &VerifyResult{Session: session, Token: token}, nil
}

// ValidateSession resolves a bearer token to its session, rejecting expired
// or revoked ones. Expiry is lazy: the stale row is only noticed here.
func (s *Service) ValidateSession(ctx context.Context, token string) (*Session, error) {
	session, err := s.store.GetSessionByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	if session.RevokedAt != nil {
		return nil, ErrSessionRevoked
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Revoke invalidates one session immediately.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	if err := s.store.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	s.record(ctx, "", "session_revoked", sessionID)
	metrics.ActiveAdminSessions.Dec()
	return nil
}

// RevokeAllForAddress invalidates every live session for a wallet, for use
// when an admin key is rotated out of the allow-list.
func (s *Service) RevokeAllForAddress(ctx context.Context, address string) (int, error) {
	n, err := s.store.RevokeSessionsForAddress(ctx, address)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.record(ctx, address, "sessions_revoked", fmt.Sprintf("%d sessions", n))
		metrics.ActiveAdminSessions.Sub(float64(n))
	}
	return n, nil
}

// record appends to the audit trail without blocking the caller.
func (s *Service) record(ctx context.Context, actor, action, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, actor, action, detail)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
