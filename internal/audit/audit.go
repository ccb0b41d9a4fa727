// Package audit records every registry and emergency-access mutation, both as
// a structured log line and as a durable trail entry.
package audit

import (
	"context"
	"strings"
	"time"

	"vaultkeep.org/internal/ids"
	"vaultkeep.org/internal/obs"
)

// Entry is one append-only audit record.
type Entry struct {
	ID           string
	OccurredAt   time.Time
	ActorID      string
	OwnerID      string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

type ctxKey string

const actorKey ctxKey = "audit_actor_id"

// WithActor attaches the acting identity to the context for audit logging.
func WithActor(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext extracts the acting identity, if any.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

// Recorder writes entries through a store and mirrors them to the log.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder builds a Recorder. A nil store keeps the log mirror only.
func NewRecorder(store Store, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, now: now}
}

// Record appends an audit entry. Storage errors are logged, not returned:
// the audit trail must never veto the mutation it describes.
func (r *Recorder) Record(ctx context.Context, action, resourceType, resourceID, ownerID string, metadata map[string]string) {
	if r == nil {
		return
	}
	entry := &Entry{
		ID:           ids.New(),
		OccurredAt:   r.now().UTC(),
		ActorID:      ActorFromContext(ctx),
		OwnerID:      ownerID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
	}
	fields := map[string]any{
		"action":        entry.Action,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
		"owner_id":      entry.OwnerID,
	}
	if entry.ActorID != "" {
		fields["actor_id"] = entry.ActorID
	}
	obs.LogEvent("audit", entry.Action, fields)
	if r.store == nil {
		return
	}
	if err := r.store.Append(ctx, entry); err != nil {
		obs.LogEvent("audit", "append_failed", map[string]any{
			"action": entry.Action,
			"error":  err.Error(),
		})
	}
}
