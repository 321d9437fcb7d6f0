// Package store provides storage backends for WhatsHook.
//
// Every admitted message is persisted before it is queued for delivery, and the store is the
// source of truth for whether its webhook was sent. The in-memory store is used when no
// database DSN is configured; SQLite and PostgreSQL back long-running deployments.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/models"
)

// MaxWebhookAttempts is the attempt count at which a message stops being pending.
const MaxWebhookAttempts = 5

// MessageCounts summarizes the stored messages.
type MessageCounts struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"` // unsent and out of attempts
}

// MessageStore persists admitted messages and their webhook delivery status.
type MessageStore interface {
	// SaveMessage inserts r. Saving an id that already exists is a no-op.
	SaveMessage(r models.MessageRecord) error
	// GetMessageByID returns the record with the internal id, or nil if there is none.
	GetMessageByID(id string) (*models.MessageRecord, error)
	// GetMessageByMessageID returns the newest record with the transport message id, or nil.
	GetMessageByMessageID(messageID string) (*models.MessageRecord, error)
	// FindSentDuplicate returns a delivered record between from and to whose content starts
	// with contentPrefix and whose message timestamp lies strictly within window of at, or nil.
	FindSentDuplicate(from, to, contentPrefix string, at time.Time, window time.Duration) (*models.MessageRecord, error)
	// GetPendingWebhookMessages returns up to limit undelivered records with fewer than
	// MaxWebhookAttempts attempts, oldest first.
	GetPendingWebhookMessages(limit int) ([]models.MessageRecord, error)
	// UpdateMessageWebhookStatus records the delivery outcome for the internal id.
	UpdateMessageWebhookStatus(id string, sent bool, attempts int) error
	// CountMessages summarizes the store.
	CountMessages() (MessageCounts, error)
	Close() error
}

// Compile-time checks that the backends implement MessageStore.
var (
	_ MessageStore = (*InMemoryStore)(nil)
	_ MessageStore = (*SQLiteStore)(nil)
	_ MessageStore = (*PostgresStore)(nil)
)

// InMemoryStore is a MessageStore kept in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string]models.MessageRecord
	now      func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryStore{messages: make(map[string]models.MessageRecord), now: clockOf(cfg)}
}

func (s *InMemoryStore) SaveMessage(r models.MessageRecord) error {
	if r.ID == "" {
		return models.ErrEmptyMessageID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[r.ID]; exists {
		return nil
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.messages[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetMessageByID(id string) (*models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) GetMessageByMessageID(messageID string) (*models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.MessageRecord
	for _, r := range s.messages {
		if r.MessageID != messageID {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			rec := r
			found = &rec
		}
	}
	return found, nil
}

func (s *InMemoryStore) FindSentDuplicate(from, to, contentPrefix string, at time.Time, window time.Duration) (*models.MessageRecord, error) {
	lo, hi := windowBounds(at, window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.messages {
		if r.WebhookSent && r.From == from && r.To == to &&
			strings.HasPrefix(r.Content, contentPrefix) && r.Timestamp > lo && r.Timestamp < hi {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetPendingWebhookMessages(limit int) ([]models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []models.MessageRecord
	for _, r := range s.messages {
		if !r.WebhookSent && r.WebhookAttempts < MaxWebhookAttempts {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *InMemoryStore) UpdateMessageWebhookStatus(id string, sent bool, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.messages[id]
	if !ok {
		return models.ErrMessageNotFound
	}
	r.WebhookSent = sent
	r.WebhookAttempts = attempts
	r.UpdatedAt = s.now()
	s.messages[id] = r
	return nil
}

func (s *InMemoryStore) CountMessages() (MessageCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c MessageCounts
	for _, r := range s.messages {
		c.Total++
		switch {
		case r.WebhookSent:
			c.Sent++
		case r.WebhookAttempts < MaxWebhookAttempts:
			c.Pending++
		default:
			c.Failed++
		}
	}
	return c, nil
}

// DeleteMessage removes a record. Used by tests that simulate a store losing a message.
func (s *InMemoryStore) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}

func (s *InMemoryStore) Close() error {
	return nil
}
