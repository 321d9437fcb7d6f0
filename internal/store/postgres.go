// Package store provides storage backends for WhatsHook.
//
// This file implements a PostgreSQL-backed message store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/WhatsHook/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: clockOf(cfg)}, nil
}

func (s *PostgresStore) SaveMessage(r models.MessageRecord) error {
	r, err := prepareRecord(r, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.MessageID, r.AccountID, r.From, r.To, r.Content, string(r.Type), r.FromSelf, r.Placeholder,
		r.Timestamp, r.WebhookSent, r.WebhookAttempts, toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
	if err != nil {
		slog.Error("PostgresStore SaveMessage failed", "error", err, "id", r.ID, "messageId", r.MessageID)
		return fmt.Errorf("failed to insert message %s: %w", r.ID, err)
	}
	slog.Debug("PostgresStore SaveMessage succeeded", "id", r.ID, "messageId", r.MessageID)
	return nil
}

func (s *PostgresStore) GetMessageByID(id string) (*models.MessageRecord, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	r, err := scanMessageRow(row)
	if err != nil {
		slog.Error("PostgresStore GetMessageByID failed", "error", err, "id", id)
	}
	return r, err
}

func (s *PostgresStore) GetMessageByMessageID(messageID string) (*models.MessageRecord, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = $1
		ORDER BY created_at DESC LIMIT 1`, messageID)
	r, err := scanMessageRow(row)
	if err != nil {
		slog.Error("PostgresStore GetMessageByMessageID failed", "error", err, "messageId", messageID)
	}
	return r, err
}

func (s *PostgresStore) FindSentDuplicate(from, to, contentPrefix string, at time.Time, window time.Duration) (*models.MessageRecord, error) {
	lo, hi := windowBounds(at, window)
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE from_id = $1 AND to_id = $2 AND webhook_sent = TRUE AND timestamp_ms > $3 AND timestamp_ms < $4
		AND left(content, $5) = $6
		ORDER BY updated_at DESC LIMIT 1`,
		from, to, lo, hi, prefixLength(contentPrefix), contentPrefix)
	r, err := scanMessageRow(row)
	if err != nil {
		slog.Error("PostgresStore FindSentDuplicate failed", "error", err, "from", from, "to", to)
	}
	return r, err
}

func (s *PostgresStore) GetPendingWebhookMessages(limit int) ([]models.MessageRecord, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE webhook_sent = FALSE AND webhook_attempts < $1
		ORDER BY created_at ASC LIMIT $2`, MaxWebhookAttempts, limit)
	if err != nil {
		slog.Error("PostgresStore GetPendingWebhookMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	records, err := scanMessages(rows)
	if err != nil {
		slog.Error("PostgresStore GetPendingWebhookMessages scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore GetPendingWebhookMessages succeeded", "count", len(records))
	return records, nil
}

func (s *PostgresStore) UpdateMessageWebhookStatus(id string, sent bool, attempts int) error {
	res, err := s.db.Exec(`UPDATE messages SET webhook_sent = $1, webhook_attempts = $2, updated_at = $3 WHERE id = $4`,
		sent, attempts, toMillis(s.now()), id)
	if err != nil {
		slog.Error("PostgresStore UpdateMessageWebhookStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update webhook status for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	slog.Debug("PostgresStore UpdateMessageWebhookStatus succeeded", "id", id, "sent", sent, "attempts", attempts)
	return nil
}

func (s *PostgresStore) CountMessages() (MessageCounts, error) {
	var c MessageCounts
	err := s.db.QueryRow(`SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE webhook_sent),
		COUNT(*) FILTER (WHERE NOT webhook_sent AND webhook_attempts < $1),
		COUNT(*) FILTER (WHERE NOT webhook_sent AND webhook_attempts >= $1)
		FROM messages`, MaxWebhookAttempts).Scan(&c.Total, &c.Sent, &c.Pending, &c.Failed)
	if err != nil {
		slog.Error("PostgresStore CountMessages failed", "error", err)
		return c, fmt.Errorf("failed to count messages: %w", err)
	}
	return c, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	} else {
		slog.Debug("Postgres database connection closed successfully")
	}
	return err
}
