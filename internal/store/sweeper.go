package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/models"
)

// RetryPriority is the queue priority of swept messages; fresh traffic goes first.
const RetryPriority = 0

// Enqueuer accepts messages for delivery.
type Enqueuer interface {
	Enqueue(item models.QueuedWebhookItem, priority int) bool
}

// PendingSweeper periodically loads undelivered messages from the store and hands them back
// to the delivery queue. Messages retire once they reach MaxWebhookAttempts.
type PendingSweeper struct {
	store        MessageStore
	queue        Enqueuer
	pollInterval time.Duration
	batchLimit   int
}

// NewPendingSweeper creates a new PendingSweeper.
func NewPendingSweeper(store MessageStore, queue Enqueuer, pollInterval time.Duration) *PendingSweeper {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &PendingSweeper{
		store:        store,
		queue:        queue,
		pollInterval: pollInterval,
		batchLimit:   100,
	}
}

// Run sweeps once immediately and then on every tick. It blocks until the context is cancelled.
func (s *PendingSweeper) Run(ctx context.Context) {
	slog.Info("PendingSweeper.Run: starting pending sweeper", "pollInterval", s.pollInterval)
	s.Sweep()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("PendingSweeper.Run: stopping")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep enqueues one batch of pending messages and returns how many the queue accepted.
func (s *PendingSweeper) Sweep() int {
	records, err := s.store.GetPendingWebhookMessages(s.batchLimit)
	if err != nil {
		slog.Error("PendingSweeper.Sweep: load pending failed", "error", err)
		return 0
	}

	accepted := 0
	for _, r := range records {
		if s.queue.Enqueue(r.QueueItem(RetryPriority), RetryPriority) {
			accepted++
			slog.Debug("PendingSweeper.Sweep: re-queued message", "id", r.ID, "messageId", r.MessageID, "attempts", r.WebhookAttempts)
		}
	}
	if accepted > 0 {
		slog.Info("PendingSweeper.Sweep: re-queued pending messages", "count", accepted, "pending", len(records))
	}
	return accepted
}
