// Package storage persists tracking states and the event log in a local
// sqlite database, so a restart can resume reconciliation where it left off.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaDDL string

// Storage wraps the sqlite database. A single connection with a mutex keeps
// sqlite happy under concurrent writers.
type Storage struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and migrates) the database at path. ":memory:" works for
// tests.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ReplaceOrderStates atomically replaces the persisted order tracking
// states with the given set. Persisting the full non-terminal set on every
// save keeps the table from accumulating settled orders.
func (s *Storage) ReplaceOrderStates(ctx context.Context, states map[string]json.RawMessage) error {
	return s.replaceStates(ctx, "order_tracking_states", "client_order_id", states)
}

// LoadOrderStates returns the persisted order tracking states.
func (s *Storage) LoadOrderStates(ctx context.Context) (map[string]json.RawMessage, error) {
	return s.loadStates(ctx, "order_tracking_states", "client_order_id")
}

// ReplacePositionStates atomically replaces the persisted position tracking
// states.
func (s *Storage) ReplacePositionStates(ctx context.Context, states map[string]json.RawMessage) error {
	return s.replaceStates(ctx, "position_tracking_states", "position_id", states)
}

// LoadPositionStates returns the persisted position tracking states.
func (s *Storage) LoadPositionStates(ctx context.Context) (map[string]json.RawMessage, error) {
	return s.loadStates(ctx, "position_tracking_states", "position_id")
}

func (s *Storage) replaceStates(ctx context.Context, table, keyColumn string, states map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", table, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	now := time.Now().UTC().UnixMilli()
	stmt := fmt.Sprintf("INSERT INTO %s (%s, payload, updated_at_utc) VALUES (?, ?, ?)", table, keyColumn)
	for id, payload := range states {
		if _, err := tx.ExecContext(ctx, stmt, id, []byte(payload), now); err != nil {
			return fmt.Errorf("insert %s %s: %w", table, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace %s: %w", table, err)
	}
	return nil
}

func (s *Storage) loadStates(ctx context.Context, table, keyColumn string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, payload FROM %s", keyColumn, table))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out[id] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// RecordEvent appends one emitted event to the event log.
func (s *Storage) RecordEvent(ctx context.Context, kind string, at time.Time, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO event_log (kind, at_utc, payload) VALUES (?, ?, ?)",
		kind, at.UTC().UnixMilli(), raw)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// LoggedEvent is one row of the event log.
type LoggedEvent struct {
	ID      int64
	Kind    string
	At      time.Time
	Payload json.RawMessage
}

// RecentEvents returns the newest events, most recent first.
func (s *Storage) RecentEvents(ctx context.Context, limit int) ([]LoggedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, at_utc, payload FROM event_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	defer rows.Close()

	var out []LoggedEvent
	for rows.Next() {
		var ev LoggedEvent
		var atMilli int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &atMilli, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = time.UnixMilli(atMilli).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
