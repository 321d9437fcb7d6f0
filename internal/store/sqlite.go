// Package store provides storage backends for WhatsHook.
//
// This file implements an SQLite-backed message store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/WhatsHook/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: clockOf(cfg)}, nil
}

func (s *SQLiteStore) SaveMessage(r models.MessageRecord) error {
	r, err := prepareRecord(r, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.MessageID, r.AccountID, r.From, r.To, r.Content, string(r.Type), r.FromSelf, r.Placeholder,
		r.Timestamp, r.WebhookSent, r.WebhookAttempts, toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
	if err != nil {
		slog.Error("SQLiteStore SaveMessage failed", "error", err, "id", r.ID, "messageId", r.MessageID)
		return fmt.Errorf("failed to insert message %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore SaveMessage succeeded", "id", r.ID, "messageId", r.MessageID)
	return nil
}

func (s *SQLiteStore) GetMessageByID(id string) (*models.MessageRecord, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	r, err := scanMessageRow(row)
	if err != nil {
		slog.Error("SQLiteStore GetMessageByID failed", "error", err, "id", id)
	}
	return r, err
}

func (s *SQLiteStore) GetMessageByMessageID(messageID string) (*models.MessageRecord, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?
		ORDER BY created_at DESC LIMIT 1`, messageID)
	r, err := scanMessageRow(row)
	if err != nil {
		slog.Error("SQLiteStore GetMessageByMessageID failed", "error", err, "messageId", messageID)
	}
	return r, err
}

func (s *SQLiteStore) FindSentDuplicate(from, to, contentPrefix string, at time.Time, window time.Duration) (*models.MessageRecord, error) {
	lo, hi := windowBounds(at, window)
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE from_id = ? AND to_id = ? AND webhook_sent = ? AND timestamp_ms > ? AND timestamp_ms < ?
		AND substr(content, 1, ?) = ?
		ORDER BY updated_at DESC LIMIT 1`,
		from, to, true, lo, hi, prefixLength(contentPrefix), contentPrefix)
	r, err := scanMessageRow(row)
	if err != nil {
		slog.Error("SQLiteStore FindSentDuplicate failed", "error", err, "from", from, "to", to)
	}
	return r, err
}

func (s *SQLiteStore) GetPendingWebhookMessages(limit int) ([]models.MessageRecord, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE webhook_sent = ? AND webhook_attempts < ?
		ORDER BY created_at ASC LIMIT ?`, false, MaxWebhookAttempts, limit)
	if err != nil {
		slog.Error("SQLiteStore GetPendingWebhookMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	records, err := scanMessages(rows)
	if err != nil {
		slog.Error("SQLiteStore GetPendingWebhookMessages scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore GetPendingWebhookMessages succeeded", "count", len(records))
	return records, nil
}

func (s *SQLiteStore) UpdateMessageWebhookStatus(id string, sent bool, attempts int) error {
	res, err := s.db.Exec(`UPDATE messages SET webhook_sent = ?, webhook_attempts = ?, updated_at = ? WHERE id = ?`,
		sent, attempts, toMillis(s.now()), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateMessageWebhookStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update webhook status for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	slog.Debug("SQLiteStore UpdateMessageWebhookStatus succeeded", "id", id, "sent", sent, "attempts", attempts)
	return nil
}

func (s *SQLiteStore) CountMessages() (MessageCounts, error) {
	var c MessageCounts
	err := s.db.QueryRow(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN webhook_sent THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT webhook_sent AND webhook_attempts < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT webhook_sent AND webhook_attempts >= ? THEN 1 ELSE 0 END), 0)
		FROM messages`, MaxWebhookAttempts, MaxWebhookAttempts).Scan(&c.Total, &c.Sent, &c.Pending, &c.Failed)
	if err != nil {
		slog.Error("SQLiteStore CountMessages failed", "error", err)
		return c, fmt.Errorf("failed to count messages: %w", err)
	}
	return c, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
