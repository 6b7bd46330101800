// Package audit records who did what. The actor travels in the request
// context, placed there by middleware; nothing here reads process-wide state.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Meta identifies the actor behind a request. UserID and Email are empty for
// anonymous requests; IP and UserAgent are always set.
type Meta struct {
	UserID    string
	Email     string
	IP        string
	UserAgent string
}

type contextKey string

const metaKey contextKey = "audit_meta"

func WithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaKey, meta)
}

func MetaFromContext(ctx context.Context) Meta {
	meta, _ := ctx.Value(metaKey).(Meta)
	return meta
}

// Recorder appends audit rows. Handlers invoke it after a state change;
// guards never do.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) Record(ctx context.Context, action, entity, entityID, detail string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate audit id: %w", err)
	}

	meta := MetaFromContext(ctx)

	var userValue, emailValue any
	if meta.UserID != "" {
		userValue = meta.UserID
	}
	if meta.Email != "" {
		emailValue = meta.Email
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, user_email, ip, user_agent, action, entity, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id.String(), userValue, emailValue, meta.IP, meta.UserAgent, action, entity, entityID, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}
