// Package sqlite implements storage on an embedded SQLite database. The
// schema is created by the migration job.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

// Store implements SQLite storage
type Store struct {
	db     *sql.DB
	events *EventStore
}

// NewStore opens the database file and verifies it can be reached
func NewStore(ctx context.Context, cfg *config.SQLiteConfig) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return &Store{db: db, events: &EventStore{db: db}}, nil
}

func dsn(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

func (s *Store) Events() storage.EventStore { return s.events }

// DB returns the underlying handle, shared with the migration job
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EventStore implements SQLite event storage
type EventStore struct {
	db *sql.DB
}

func (s *EventStore) Insert(ctx context.Context, event *domain.Event) error {
	if event == nil || event.ID == "" {
		return storage.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, stream, message_id, type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		event.ID.String(), event.Stream, event.MessageID, event.Type,
		string(event.Payload), event.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if n == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

const selectEvent = `SELECT id, stream, message_id, type, payload, received_at FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		event    domain.Event
		id       string
		payload  string
		received int64
	)
	if err := row.Scan(&id, &event.Stream, &event.MessageID, &event.Type, &payload, &received); err != nil {
		return nil, err
	}
	event.ID = domain.EventID(id)
	event.Payload = json.RawMessage(payload)
	event.ReceivedAt = time.Unix(0, received).UTC()
	return &event, nil
}

func (s *EventStore) Get(ctx context.Context, id domain.EventID) (*domain.Event, error) {
	event, err := scanEvent(s.db.QueryRowContext(ctx, selectEvent+` WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

func (s *EventStore) List(ctx context.Context, filter storage.EventFilter) ([]*domain.Event, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Before.IsZero() {
		where = append(where, "received_at < ?")
		args = append(args, filter.Before.UnixNano())
	}

	query := selectEvent
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0, filter.Limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func (s *EventStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
