package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/revenue-ledger/internal/outbox"
)

const (
	insertOutboxSQL = `INSERT INTO outbox_events (key, kind, payload, created_at)
		VALUES ($1, $2, $3, $4)`

	claimOutboxSQL = `SELECT id, key, kind, payload, attempts, created_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY attempts, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	markDispatchedSQL = `UPDATE outbox_events
		SET status = 'dispatched', attempts = attempts + 1, last_error = '', dispatched_at = $2
		WHERE id = $1`

	markFailedSQL = `UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2,
			status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE id = $1
		RETURNING status`

	countPendingSQL = `SELECT COUNT(*) FROM outbox_events WHERE status = 'pending'`
)

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore implements outbox.Store backed by PostgreSQL.
type OutboxStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewOutboxStore returns an OutboxStore that uses the given pool. Events
// failing maxAttempts times are marked failed; zero means
// outbox.DefaultMaxAttempts.
func NewOutboxStore(pool *pgxpool.Pool, maxAttempts int) *OutboxStore {
	if maxAttempts <= 0 {
		maxAttempts = outbox.DefaultMaxAttempts
	}
	return &OutboxStore{pool: pool, maxAttempts: maxAttempts}
}

// Process claims pending events with row locks so concurrent relays skip
// each other's batches, then settles every event before committing.
func (s *OutboxStore) Process(ctx context.Context, limit int, fn func(ctx context.Context, e outbox.Event) error) (outbox.Batch, error) {
	var b outbox.Batch
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, claimOutboxSQL, limit)
		if err != nil {
			return fmt.Errorf("claiming outbox events: %w", err)
		}
		events, err := pgx.CollectRows(rows, scanOutboxEvent)
		if err != nil {
			return fmt.Errorf("claiming outbox events: %w", err)
		}
		b.Claimed = len(events)

		for _, e := range events {
			if ferr := fn(ctx, e); ferr != nil {
				b.Failed++
				var status string
				if err := tx.QueryRow(ctx, markFailedSQL, e.ID, ferr.Error(), s.maxAttempts).Scan(&status); err != nil {
					return fmt.Errorf("marking outbox event %d failed: %w", e.ID, err)
				}
				if status == "failed" {
					b.DeadLettered++
				}
				continue
			}
			b.Dispatched++
			if _, err := tx.Exec(ctx, markDispatchedSQL, e.ID, time.Now().UTC()); err != nil {
				return fmt.Errorf("marking outbox event %d dispatched: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return outbox.Batch{}, err
	}
	return b, nil
}

// Pending counts undelivered events.
func (s *OutboxStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, countPendingSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending outbox events: %w", err)
	}
	return n, nil
}

func insertOutbox(ctx context.Context, q querier, e outbox.Event) error {
	_, err := q.Exec(ctx, insertOutboxSQL, e.Key, string(e.Kind), e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting outbox event %q: %w", e.Key, err)
	}
	return nil
}

func scanOutboxEvent(row pgx.CollectableRow) (outbox.Event, error) {
	var (
		e    outbox.Event
		kind string
	)
	err := row.Scan(&e.ID, &e.Key, &kind, &e.Payload, &e.Attempts, &e.CreatedAt)
	e.Kind = outbox.Kind(kind)
	return e, err
}
