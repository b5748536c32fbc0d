package store

import (
	"context"
	"strings"
	"time"

	"arbiter/internal/common/db"
	"arbiter/pkg/errors"
)

// MySQLOutboxStore implements OutboxStore over MySQL.
type MySQLOutboxStore struct {
	db db.Database
}

// NewOutboxStore creates a MySQL-backed outbox store.
func NewOutboxStore(database db.Database) *MySQLOutboxStore {
	return &MySQLOutboxStore{db: database}
}

var _ OutboxStore = (*MySQLOutboxStore)(nil)

const outboxColumns = "id, event_id, event_type, aggregate_type, aggregate_id, payload, status, retry_count, last_error, next_retry_at, created_at, published_at"

// maxLastErrorBytes matches the last_error column width.
const maxLastErrorBytes = 2000

// insertOutboxEvents writes events inside the caller's transaction so
// they commit or roll back with the state change they announce.
func insertOutboxEvents(ctx context.Context, tx db.Transaction, events []*OutboxEvent) error {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.EventID == "" || ev.EventType == "" {
			return errors.ValidationError("outbox_event", "event_id and event_type are required")
		}
		query := `
			INSERT INTO outbox_events
			(event_id, event_type, aggregate_type, aggregate_id, payload, status)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.Exec(ctx, query,
			ev.EventID, ev.EventType, ev.AggregateType, ev.AggregateID, ev.Payload, OutboxPending,
		); err != nil {
			return errors.Wrapf(err, errors.DatabaseError, "insert outbox event %s failed", ev.EventType)
		}
	}
	return nil
}

// Lease moves up to limit due events to processing and returns them.
// SKIP LOCKED lets concurrent publishers drain disjoint batches.
func (s *MySQLOutboxStore) Lease(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	var events []*OutboxEvent
	err := s.db.Transaction(ctx, func(tx db.Transaction) error {
		query := `
			SELECT ` + outboxColumns + `
			FROM outbox_events
			WHERE status = ?
			   OR (status = ? AND next_retry_at <= NOW())
			ORDER BY id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.Query(ctx, query, OutboxPending, OutboxFailed, limit)
		if err != nil {
			return errors.Wrap(err, errors.OutboxLeaseFailed)
		}
		events, err = scanOutboxEvents(rows)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]interface{}, 0, len(events))
		placeholders := make([]string, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
			placeholders = append(placeholders, "?")
		}
		update := "UPDATE outbox_events SET status = ?, leased_at = NOW() WHERE id IN (" +
			strings.Join(placeholders, ", ") + ")"
		args := append([]interface{}{OutboxProcessing}, ids...)
		if _, err := tx.Exec(ctx, update, args...); err != nil {
			return errors.Wrap(err, errors.OutboxLeaseFailed)
		}
		for _, ev := range events {
			ev.Status = OutboxProcessing
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkPublished records a successful publish.
func (s *MySQLOutboxStore) MarkPublished(ctx context.Context, id int64) error {
	query := `
		UPDATE outbox_events
		SET status = ?, published_at = NOW(), last_error = NULL
		WHERE id = ? AND status = ?
	`
	if _, err := s.db.Exec(ctx, query, OutboxPublished, id, OutboxProcessing); err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "mark outbox event %d published failed", id)
	}
	return nil
}

// MarkFailed records a failed publish attempt and schedules the next
// one.
func (s *MySQLOutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, nextRetryAt time.Time) error {
	if len(lastError) > maxLastErrorBytes {
		lastError = lastError[:maxLastErrorBytes]
	}
	var retryAt interface{}
	if !nextRetryAt.IsZero() {
		retryAt = nextRetryAt.UTC()
	}
	query := `
		UPDATE outbox_events
		SET status = ?, retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
		WHERE id = ? AND status = ?
	`
	if _, err := s.db.Exec(ctx, query, OutboxFailed, lastError, retryAt, id, OutboxProcessing); err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "mark outbox event %d failed failed", id)
	}
	return nil
}

// ReleaseStuck returns processing events older than olderThan to
// pending.
func (s *MySQLOutboxStore) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = ?, leased_at = NULL
		WHERE status = ? AND leased_at < NOW() - INTERVAL ? SECOND
	`
	res, err := s.db.Exec(ctx, query, OutboxPending, OutboxProcessing, int64(olderThan.Seconds()))
	if err != nil {
		return 0, errors.Wrap(err, errors.DatabaseError)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.DatabaseError)
	}
	return affected, nil
}

func scanOutboxEvents(rows db.Rows) ([]*OutboxEvent, error) {
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var (
			ev        OutboxEvent
			lastError *string
		)
		if err := rows.Scan(
			&ev.ID, &ev.EventID, &ev.EventType, &ev.AggregateType, &ev.AggregateID,
			&ev.Payload, &ev.Status, &ev.RetryCount, &lastError, &ev.NextRetryAt,
			&ev.CreatedAt, &ev.PublishedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.DatabaseError)
		}
		if lastError != nil {
			ev.LastError = *lastError
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	return events, nil
}
