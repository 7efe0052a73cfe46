package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/vincentbai/pagetrace/internal/models"
	"github.com/vincentbai/pagetrace/internal/storage"
)

type Database struct {
	db               *sql.DB
	validFunnelTypes map[string]bool
}

var _ storage.Store = (*Database)(nil)

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db: db,
		validFunnelTypes: map[string]bool{
			models.FunnelStarted:       true,
			models.FunnelStepCompleted: true,
			models.FunnelCompleted:     true,
			models.FunnelAbandoned:     true,
		},
	}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS kv(
	  key        TEXT PRIMARY KEY,
	  value      BLOB    NOT NULL,
	  updated_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000)
	);
	CREATE TABLE IF NOT EXISTS error_events(
	  id           INTEGER PRIMARY KEY,
	  error_id     TEXT    NOT NULL,
	  session_id   TEXT    NOT NULL,
	  ts           INTEGER NOT NULL,
	  type         TEXT    NOT NULL CHECK (type IN ('javascript','unhandled_rejection','resource','manual','api')),
	  message      TEXT    NOT NULL,
	  source       TEXT,
	  url          TEXT,
	  context_json TEXT    NOT NULL CHECK (json_valid(context_json))
	);
	CREATE INDEX IF NOT EXISTS idx_error_events_ts      ON error_events(ts);
	CREATE INDEX IF NOT EXISTS idx_error_events_type    ON error_events(type);
	CREATE INDEX IF NOT EXISTS idx_error_events_session ON error_events(session_id);
	CREATE TABLE IF NOT EXISTS funnel_events(
	  id         INTEGER PRIMARY KEY,
	  type       TEXT    NOT NULL CHECK (type IN ('funnel_started','funnel_step_completed','funnel_completed','funnel_abandoned')),
	  funnel_id  TEXT    NOT NULL,
	  session_id TEXT    NOT NULL,
	  ts         INTEGER NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_funnel_events_funnel ON funnel_events(funnel_id, type);
	CREATE INDEX IF NOT EXISTS idx_funnel_events_ts     ON funnel_events(ts);
	`)
	if err != nil {
		return xerrors.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

func (d *Database) Set(ctx context.Context, key string, value []byte) error {
	_, err := d.db.ExecContext(ctx, `
	INSERT INTO kv(key, value, updated_at) VALUES(?, ?, CAST(strftime('%s','now') AS INTEGER) * 1000)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, value)
	if err != nil {
		return xerrors.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (d *Database) Delete(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return xerrors.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (d *Database) ValidateError(event models.CapturedEvent) error {
	if event.SessionID == "" {
		return xerrors.New("sessionId cannot be empty")
	}
	if event.ErrorID == "" {
		return xerrors.New("errorId cannot be empty")
	}
	if event.Type == "" {
		return xerrors.New("type cannot be empty")
	}
	if !event.Type.Valid() {
		return xerrors.Errorf("invalid error type: %s", event.Type)
	}
	if event.Timestamp <= 0 {
		return xerrors.New("timestamp must be positive")
	}
	return nil
}

func (d *Database) InsertErrors(ctx context.Context, events []models.CapturedEvent) error {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `
	INSERT INTO error_events(error_id, session_id, ts, type, message, source, url, context_json)
	VALUES(?,?,?,?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return xerrors.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range events {
		if err := d.ValidateError(event); err != nil {
			_ = transaction.Rollback()
			return xerrors.Errorf("invalid error event: %w", err)
		}

		contextJSON, err := marshalObject(event.Context)
		if err != nil {
			_ = transaction.Rollback()
			return xerrors.Errorf("failed to marshal error context: %w", err)
		}
		if _, err := statement.ExecContext(ctx,
			event.ErrorID, event.SessionID, event.Timestamp, string(event.Type),
			event.Message, nullString(event.Source), nullString(event.URL), contextJSON,
		); err != nil {
			_ = transaction.Rollback()
			return xerrors.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return xerrors.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FunnelRecord is a funnel event as received, with the fields the
// collector indexes pulled out of the raw body.
type FunnelRecord struct {
	Type      string
	FunnelID  string
	SessionID string
	Timestamp int64
	Raw       json.RawMessage
}

func (d *Database) ValidateFunnelEvent(record FunnelRecord) error {
	if record.FunnelID == "" {
		return xerrors.New("funnelId cannot be empty")
	}
	if record.Type == "" {
		return xerrors.New("type cannot be empty")
	}
	if !d.validFunnelTypes[record.Type] {
		return xerrors.Errorf("invalid funnel event type: %s", record.Type)
	}
	if record.Timestamp <= 0 {
		return xerrors.New("timestamp must be positive")
	}
	if !json.Valid(record.Raw) {
		return xerrors.New("body is not valid JSON")
	}
	return nil
}

func (d *Database) InsertFunnelEvents(ctx context.Context, records []FunnelRecord) error {
	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `
	INSERT INTO funnel_events(type, funnel_id, session_id, ts, data_json) VALUES(?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return xerrors.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, record := range records {
		if err := d.ValidateFunnelEvent(record); err != nil {
			_ = transaction.Rollback()
			return xerrors.Errorf("invalid funnel event: %w", err)
		}
		if _, err := statement.ExecContext(ctx,
			record.Type, record.FunnelID, record.SessionID, record.Timestamp, string(record.Raw),
		); err != nil {
			_ = transaction.Rollback()
			return xerrors.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return xerrors.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
