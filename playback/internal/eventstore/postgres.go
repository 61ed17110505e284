package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-playback/common/database"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL event store
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec models.EventRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal record payload: %w", err)
	}

	query := `
		INSERT INTO events (event_time_slot, event_time_stamp, record_key, record_payload, next_slot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_time_slot, event_time_stamp, record_key) DO UPDATE SET
			record_payload = EXCLUDED.record_payload,
			next_slot = COALESCE(EXCLUDED.next_slot, events.next_slot),
			updated_at = NOW()
	`

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err = s.pool.Exec(ctx, query, rec.Slot, rec.Stamp, rec.Key, payload, rec.NextSlot)
	if err != nil {
		return fmt.Errorf("failed to put event at %s: %w", models.FormatTimestamp(rec.Slot), err)
	}
	return nil
}

func (s *PostgresStore) First(ctx context.Context, slot time.Time) (*models.EventRecord, error) {
	query := `
		SELECT event_time_slot, event_time_stamp, record_key, record_payload, next_slot
		FROM events
		WHERE event_time_slot = $1
		ORDER BY event_time_stamp, record_key
		LIMIT 1
	`

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, slot))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get first event at %s: %w", models.FormatTimestamp(slot), err)
	}
	return rec, nil
}

func (s *PostgresStore) QuerySlot(ctx context.Context, slot time.Time, cursor string, limit int) (Page, error) {
	pos, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	args := []interface{}{slot}
	query := `
		SELECT event_time_slot, event_time_stamp, record_key, record_payload, next_slot
		FROM events
		WHERE event_time_slot = $1`
	if pos != nil {
		query += ` AND (event_time_stamp, record_key) > ($2, $3)`
		args = append(args, time.UnixMilli(pos.Stamp).UTC(), pos.Key)
	}
	// One extra row tells us whether another page exists.
	query += fmt.Sprintf(` ORDER BY event_time_stamp, record_key LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query slot %s: %w", models.FormatTimestamp(slot), err)
	}
	defer rows.Close()

	var records []models.EventRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Page{}, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("failed to iterate slot %s: %w", models.FormatTimestamp(slot), err)
	}

	page := Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.Cursor = encodeCursor(page.Records[limit-1])
	}
	return page, nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*models.EventRecord, error) {
	var (
		rec      models.EventRecord
		payload  []byte
		nextSlot *time.Time
	)
	if err := row.Scan(&rec.Slot, &rec.Stamp, &rec.Key, &payload, &nextSlot); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal record payload: %w", err)
	}

	rec.Slot = rec.Slot.UTC()
	rec.Stamp = rec.Stamp.UTC()
	if nextSlot != nil {
		rec.NextSlot = models.TimePtr(*nextSlot)
	}
	return &rec, nil
}
