package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/WhatsHook/internal/models"
)

// messageColumns is the column list shared by every message SELECT.
const messageColumns = `id, message_id, account_id, from_id, to_id, content, type, from_self, placeholder,
	timestamp_ms, webhook_sent, webhook_attempts, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage scans a MessageRecord from a row produced by a messageColumns SELECT.
func scanMessage(row rowScanner) (models.MessageRecord, error) {
	var r models.MessageRecord
	var msgType string
	var createdAt, updatedAt int64
	err := row.Scan(
		&r.ID, &r.MessageID, &r.AccountID, &r.From, &r.To, &r.Content, &msgType, &r.FromSelf, &r.Placeholder,
		&r.Timestamp, &r.WebhookSent, &r.WebhookAttempts, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, err
	}
	r.Type = models.MessageType(msgType)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

// scanMessageRow scans a single row, mapping sql.ErrNoRows to a nil record.
func scanMessageRow(row *sql.Row) (*models.MessageRecord, error) {
	r, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message failed: %w", err)
	}
	return &r, nil
}

// scanMessages drains rows into records.
func scanMessages(rows *sql.Rows) ([]models.MessageRecord, error) {
	defer rows.Close()
	var records []models.MessageRecord
	for rows.Next() {
		r, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages failed: %w", err)
	}
	return records, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// windowBounds returns the exclusive message-timestamp range, in milliseconds, that lies
// within window of at.
func windowBounds(at time.Time, window time.Duration) (lo, hi int64) {
	ms := at.UnixMilli()
	return ms - window.Milliseconds(), ms + window.Milliseconds()
}

// prefixLength is the number of characters compared by FindSentDuplicate.
func prefixLength(prefix string) int {
	return utf8.RuneCountInString(prefix)
}

// prepareRecord fills the timestamps of a record about to be inserted.
func prepareRecord(r models.MessageRecord, now time.Time) (models.MessageRecord, error) {
	if r.ID == "" {
		return r, models.ErrEmptyMessageID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Type == "" {
		r.Type = models.MessageTypeText
	}
	return r, nil
}
