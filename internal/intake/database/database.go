// Package database provides database operations for the storage_events table.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/pricat/price-pipeline/internal/intake/events"
)

// ErrVersionConflict is returned by compare-and-swap updates when the stored row
// version no longer matches the caller's expectation.
var ErrVersionConflict = errors.New("storage event version conflict")

// DB wraps a database connection and provides storage event operations.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection using the provided DSN.
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL database")

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		slog.Info("Closing database connection")
		return db.conn.Close()
	}
	return nil
}

// RecordEventIdempotent persists a storage event with idempotency protection.
// Uses INSERT ... ON CONFLICT DO NOTHING RETURNING against the unique dedup_key
// constraint, so concurrent duplicate deliveries cannot double-apply.
// Returns the row id if a new row was inserted, or nil if the business key was
// already seen. A duplicate is a normal outcome, not an error.
func (db *DB) RecordEventIdempotent(ctx context.Context, ev *events.StorageEvent) (*int64, error) {
	query := `
		INSERT INTO storage_events
			(correlation_id, event_type, bucket_name, object_key, object_size,
			 object_etag, object_content_type, event_time, raw_payload, dedup_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id
	`

	var size sql.NullInt64
	if ev.ObjectSize != nil {
		size = sql.NullInt64{Int64: *ev.ObjectSize, Valid: true}
	}

	var eventTime sql.NullTime
	if !ev.EventTime.IsZero() {
		eventTime = sql.NullTime{Time: ev.EventTime, Valid: true}
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		ev.CorrelationID,
		string(ev.EventType),
		ev.BucketName,
		ev.ObjectKey,
		size,
		ev.ObjectETag,
		ev.ObjectContentType,
		eventTime,
		ev.RawPayload,
		ev.DedupKey(),
		events.StatusReceived,
	).Scan(&id)

	if err != nil {
		if err == sql.ErrNoRows {
			// No row was inserted (conflict occurred, event already recorded)
			slog.Debug("Storage event already recorded, skipping",
				"bucket", ev.BucketName,
				"object_key", ev.ObjectKey,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to insert storage event: %w", err)
	}

	slog.Info("Recorded new storage event",
		"event_id", id,
		"correlation_id", ev.CorrelationID,
		"bucket", ev.BucketName,
		"object_key", ev.ObjectKey,
	)

	return &id, nil
}

// GetByDedupKey fetches the persisted event matching the given business key.
// Used on duplicate delivery to decide whether fan-out still needs to happen.
func (db *DB) GetByDedupKey(ctx context.Context, dedupKey string) (*events.StorageEvent, error) {
	query := `
		SELECT id, correlation_id, event_type, bucket_name, object_key, object_size,
		       object_etag, object_content_type, event_time, raw_payload, status,
		       version, created_at, updated_at
		FROM storage_events
		WHERE dedup_key = $1
	`

	var (
		ev        events.StorageEvent
		eventType string
		size      sql.NullInt64
		eventTime sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, query, dedupKey).Scan(
		&ev.ID,
		&ev.CorrelationID,
		&eventType,
		&ev.BucketName,
		&ev.ObjectKey,
		&size,
		&ev.ObjectETag,
		&ev.ObjectContentType,
		&eventTime,
		&ev.RawPayload,
		&ev.Status,
		&ev.Version,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch storage event by dedup key: %w", err)
	}

	ev.EventType = events.EventType(eventType)
	if size.Valid {
		ev.ObjectSize = &size.Int64
	}
	if eventTime.Valid {
		ev.EventTime = eventTime.Time
	}

	return &ev, nil
}

// UpdateStatus transitions an event's status with a compare-and-swap on the
// version column. Returns ErrVersionConflict if another worker already advanced
// the row.
func (db *DB) UpdateStatus(ctx context.Context, id int64, version int64, status string) error {
	query := `
		UPDATE storage_events
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`

	res, err := db.conn.ExecContext(ctx, query, status, id, version)
	if err != nil {
		return fmt.Errorf("failed to update storage event status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	return nil
}
