// Package audit persists an append-only history of position lifecycle
// events to Postgres via pgx/v5. It is additive: the
// position flat-file store remains the single source of truth for trading
// decisions, so every method here degrades to a
// logged no-op on failure rather than surfacing an error up the call chain.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Record is one persisted lifecycle event.
type Record struct {
	ID         int64
	PositionID string
	Event      string
	Details    map[string]interface{}
	CreatedAt  time.Time
}

// Ledger is the concrete AuditLedger. A nil *pgxpool.Pool (no
// AUDIT_DATABASE_URL configured) makes every method a no-op.
type Ledger struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Connect opens a pgxpool against databaseURL and ensures the backing table
// exists. An empty databaseURL yields a disabled Ledger.
func Connect(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Ledger, error) {
	l := &Ledger{logger: logger.With().Str("component", "audit").Logger()}
	if databaseURL == "" {
		return l, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS position_events (
			id BIGSERIAL PRIMARY KEY,
			position_id TEXT NOT NULL,
			event TEXT NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	l.pool = pool
	return l, nil
}

// Close releases the pool, if any.
func (l *Ledger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// Append records one lifecycle event. Never returns an error to the
// caller; a failure here must never block or fail a trading decision, so
// it only logs.
func (l *Ledger) Append(ctx context.Context, positionID, event string, details map[string]interface{}) {
	if l.pool == nil {
		return
	}

	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			l.logger.Warn().Err(err).Str("position_id", positionID).Msg("audit: marshal details failed")
			return
		}
	}

	const query = `
		INSERT INTO position_events (position_id, event, details, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := l.pool.Exec(ctx, query, positionID, event, detailsJSON, time.Now()); err != nil {
		l.logger.Warn().Err(err).Str("position_id", positionID).Str("event", event).Msg("audit: append failed")
	}
}

// History returns the recorded events for a position, oldest first. An
// error here is returned (unlike Append) since it is a read-only
// informational query, not a decision-gating write.
func (l *Ledger) History(ctx context.Context, positionID string) ([]Record, error) {
	if l.pool == nil {
		return nil, nil
	}

	const query = `
		SELECT id, position_id, event, details, created_at
		FROM position_events
		WHERE position_id = $1
		ORDER BY created_at ASC`
	rows, err := l.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var detailsJSON []byte
		if err := rows.Scan(&r.ID, &r.PositionID, &r.Event, &detailsJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &r.Details); err != nil {
				l.logger.Warn().Err(err).Int64("id", r.ID).Msg("audit: unmarshal details failed")
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}
