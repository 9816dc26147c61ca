package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// EventStore implements domain.EventLog and domain.EventEmitter on the
// append-only events table.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Emit appends ev.
func (s *EventStore) Emit(ctx context.Context, ev domain.Event) error {
	return s.Append(ctx, ev)
}

// Append writes ev with its indexed columns and the full JSON payload.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postgres: marshal event %s: %w", ev.Name, err)
	}
	const query = `
		INSERT INTO events (name, market, is_long, account, order_key, block, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, query,
		ev.Name, ev.Market.Hex(), ev.IsLong, ev.Account.Hex(), ev.OrderKey.Hex(),
		int64(ev.Block), ev.Reason, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.Name, err)
	}
	return nil
}

// List returns events newest first with pagination and optional time
// filtering.
func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.EventRecord, error) {
	query := `SELECT id, payload, created_at FROM events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return scanEvents(rows)
}

// ListBefore returns every event created before the cutoff, oldest first.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, payload, created_at FROM events WHERE created_at < $1 ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before %s: %w", before.Format(time.RFC3339), err)
	}
	return scanEvents(rows)
}

// DeleteThrough removes every event with id ≤ lastID and returns how many
// were removed.
func (s *EventStore) DeleteThrough(ctx context.Context, lastID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id <= $1`, lastID)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEvents(rows pgx.Rows) ([]domain.EventRecord, error) {
	defer rows.Close()
	var out []domain.EventRecord
	for rows.Next() {
		var rec domain.EventRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Event); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal event %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

var (
	_ domain.EventLog     = (*EventStore)(nil)
	_ domain.EventEmitter = (*EventStore)(nil)
)
