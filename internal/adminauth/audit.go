package adminauth

import (
	"context"
	"time"

	"github.com/agentspay/agentspay/internal/idgen"
	"github.com/agentspay/agentspay/internal/logging"
)

// AuditEntry is one append-only admin audit record.
type AuditEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditStore appends and reads audit entries. There is no update or delete.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// Auditor writes admin audit entries fire-and-forget: a failed write is
// logged and dropped rather than failing the admin operation it describes.
type Auditor struct {
	store AuditStore
}

// NewAuditor creates an auditor over the given store.
func NewAuditor(store AuditStore) *Auditor {
	return &Auditor{store: store}
}

// Record appends an entry in the background.
func (a *Auditor) Record(ctx context.Context, actor, action, detail string) {
	e := &AuditEntry{
		ID:        idgen.WithPrefix("aud_"),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	go func(ctx context.Context) {
		if err := a.store.Append(ctx, e); err != nil {
			logging.L(ctx).Warn("audit write failed", "action", action, "error", err)
		}
	}(context.WithoutCancel(ctx))
}

// List returns the most recent entries.
func (a *Auditor) List(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.store.List(ctx, limit)
}
