// Package queue buffers admitted messages and drives their webhook delivery.
//
// Items are drained in small priority-ordered batches on a fixed tick. Immediately before each
// delivery the persistent store is consulted again: it is the source of truth, so an item
// that vanished from it or that it already marks as delivered is never sent.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/cache"
	"github.com/BTreeMap/WhatsHook/internal/dedup"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/store"
	"github.com/BTreeMap/WhatsHook/internal/webhook"
	"github.com/dogmatiq/linger"
)

// Defaults for the delivery queue.
const (
	DefaultCapacity             = 1000
	DefaultTTL                  = time.Hour
	DefaultBatchSize            = 10
	DefaultTickInterval         = time.Second
	DefaultMaxItemFailures      = 3
	DefaultEnqueueSentWindow    = 5 * time.Second
	DefaultDrainDuplicateWindow = 30 * time.Second
	DefaultContentPrefixLength  = 50
	DefaultShutdownDrainTimeout = 10 * time.Second

	// capacityWarningRatio is the fill level at which capacity pressure is reported.
	capacityWarningRatio = 0.9
)

// Opts holds configuration options for a Queue.
type Opts struct {
	Capacity             int
	TTL                  time.Duration
	BatchSize            int
	TickInterval         time.Duration
	MaxItemFailures      int
	EnqueueSentWindow    time.Duration
	DrainDuplicateWindow time.Duration
	ContentPrefixLength  int
	ShutdownDrainTimeout time.Duration
	Claimer              store.DeliveryClaimer
	Now                  func() time.Time
}

// Option defines a configuration option for a Queue.
type Option func(*Opts)

// WithCapacity bounds the number of queued items.
func WithCapacity(n int) Option {
	return func(o *Opts) {
		o.Capacity = n
	}
}

// WithTTL sets how long an untouched item may stay queued.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.TTL = ttl
	}
}

// WithBatchSize sets the number of items delivered per drain.
func WithBatchSize(n int) Option {
	return func(o *Opts) {
		o.BatchSize = n
	}
}

// WithTickInterval sets the drain interval used by Run.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.TickInterval = d
	}
}

// WithShutdownDrainTimeout bounds the final drain performed when Run stops.
func WithShutdownDrainTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownDrainTimeout = d
	}
}

// WithClaimer enables cross-process delivery claims.
func WithClaimer(c store.DeliveryClaimer) Option {
	return func(o *Opts) {
		o.Claimer = c
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Status is what happened to one item during a drain.
type Status string

const (
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusDroppedMissing Status = "dropped_missing"
	StatusDroppedSent    Status = "dropped_sent"
	StatusDroppedDup     Status = "dropped_duplicate"
	StatusDroppedClaimed Status = "dropped_claimed"
	StatusDroppedErrors  Status = "dropped_errors"
	StatusRetained       Status = "retained"
)

// Outcome describes the processing of one item.
type Outcome struct {
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Skipped   bool      `json:"skipped"` // another drain was running
	Processed int       `json:"processed"`
	Outcomes  []Outcome `json:"outcomes,omitempty"`
}

// Stats is a snapshot of the queue.
type Stats struct {
	QueueSize      int         `json:"queueSize"`
	Capacity       int         `json:"capacity"`
	Utilization    float64     `json:"utilization"`
	Processing     bool        `json:"processing"`
	ByPriority     map[int]int `json:"byPriority"`
	OldestQueuedAt *time.Time  `json:"oldestQueuedAt,omitempty"`
	Enqueued       int64       `json:"enqueued"`
	Rejected       int64       `json:"rejected"`
	Delivered      int64       `json:"delivered"`
	Failed         int64       `json:"failed"`
	Dropped        int64       `json:"dropped"`
	Evicted        int64       `json:"evicted"`
	Drains         int64       `json:"drains"`
}

// Queue is the delivery queue. It is safe for concurrent use.
type Queue struct {
	opts   Opts
	items  *cache.Cache[string, models.QueuedWebhookItem]
	store  store.MessageStore
	dedup  *dedup.Deduplicator
	sender webhook.Sender

	// mu serializes check-then-insert in Enqueue with failure bookkeeping in Drain.
	mu       sync.Mutex
	draining atomic.Bool
	pressure atomic.Bool

	observersMu sync.RWMutex
	observers   []func(Outcome)

	enqueued  atomic.Int64
	rejected  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
	drains    atomic.Int64
}

// New creates a Queue, applying any provided options for customization.
func New(st store.MessageStore, dd *dedup.Deduplicator, sender webhook.Sender, opts ...Option) *Queue {
	cfg := Opts{
		Capacity:             DefaultCapacity,
		TTL:                  DefaultTTL,
		BatchSize:            DefaultBatchSize,
		TickInterval:         DefaultTickInterval,
		MaxItemFailures:      DefaultMaxItemFailures,
		EnqueueSentWindow:    DefaultEnqueueSentWindow,
		DrainDuplicateWindow: DefaultDrainDuplicateWindow,
		ContentPrefixLength:  DefaultContentPrefixLength,
		ShutdownDrainTimeout: DefaultShutdownDrainTimeout,
		Now:                  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	q := &Queue{
		opts: cfg,
		items: cache.New[string, models.QueuedWebhookItem](
			cache.WithCapacity(cfg.Capacity),
			cache.WithTTL(cfg.TTL),
		),
		store:  st,
		dedup:  dd,
		sender: sender,
	}
	q.items.OnEvict(q.onEvict)
	return q
}

func (q *Queue) onEvict(key string, item models.QueuedWebhookItem, reason cache.EvictionReason) {
	q.evicted.Add(1)
	slog.Warn("Queue: item evicted without delivery", "messageId", item.MessageID, "from", item.From, "to", item.To, "reason", reason)
}

// OnOutcome registers fn to be called after each item is processed.
func (q *Queue) OnOutcome(fn func(Outcome)) {
	q.observersMu.Lock()
	defer q.observersMu.Unlock()
	q.observers = append(q.observers, fn)
}

func (q *Queue) emit(o Outcome) {
	q.observersMu.RLock()
	observers := q.observers
	q.observersMu.RUnlock()
	for _, fn := range observers {
		fn(o)
	}
}

// Enqueue adds item with the given priority. It returns false, without error, when the item
// is already queued or the store or the deduplicator already record it as delivered.
func (q *Queue) Enqueue(item models.QueuedWebhookItem, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := item.IdentityKey()
	if q.items.Has(key) {
		q.rejected.Add(1)
		slog.Debug("Queue.Enqueue: already queued", "messageId", item.MessageID)
		return false
	}
	if q.sentInStore(item) {
		q.rejected.Add(1)
		slog.Debug("Queue.Enqueue: already delivered per store", "messageId", item.MessageID)
		return false
	}
	if q.dedup != nil && q.dedup.IsWebhookSent(item.Identifier()) {
		q.rejected.Add(1)
		slog.Debug("Queue.Enqueue: already delivered per deduplicator", "messageId", item.MessageID)
		return false
	}

	item.Priority = priority
	item.Attempts = 0
	item.QueuedAt = q.opts.Now()
	q.items.Set(key, item)
	q.enqueued.Add(1)
	slog.Debug("Queue.Enqueue: queued", "messageId", item.MessageID, "priority", priority)

	q.checkPressure()
	return true
}

// sentInStore reports whether the store already has the item, or a similar one sent within
// the enqueue window, marked as delivered. Store errors are logged and treated as not sent.
func (q *Queue) sentInStore(item models.QueuedWebhookItem) bool {
	if q.store == nil {
		return false
	}
	rec, err := q.lookup(item)
	if err != nil {
		slog.Warn("Queue.Enqueue: store lookup failed", "messageId", item.MessageID, "error", err)
		return false
	}
	if rec != nil && rec.WebhookSent {
		return true
	}
	dup, err := q.findSimilarSent(item, q.opts.EnqueueSentWindow)
	if err != nil {
		slog.Warn("Queue.Enqueue: duplicate lookup failed", "messageId", item.MessageID, "error", err)
		return false
	}
	return dup != nil && (rec == nil || dup.ID != rec.ID)
}

func (q *Queue) lookup(item models.QueuedWebhookItem) (*models.MessageRecord, error) {
	if item.MessageStoreID != "" {
		return q.store.GetMessageByID(item.MessageStoreID)
	}
	return q.store.GetMessageByMessageID(item.MessageID)
}

// findSimilarSent looks for a delivered message with the same route and content prefix whose
// own timestamp is within window of item's. Delivery time plays no part, so a late first
// delivery never widens the window.
func (q *Queue) findSimilarSent(item models.QueuedWebhookItem, window time.Duration) (*models.MessageRecord, error) {
	if item.Placeholder || item.Content == "" || item.Timestamp == 0 {
		return nil, nil
	}
	prefix := models.ContentPrefix(item.Content, q.opts.ContentPrefixLength)
	return q.store.FindSentDuplicate(item.From, item.To, prefix, time.UnixMilli(item.Timestamp), window)
}

func (q *Queue) checkPressure() {
	size := q.items.Len()
	if float64(size) >= capacityWarningRatio*float64(q.opts.Capacity) {
		if q.pressure.CompareAndSwap(false, true) {
			slog.Warn("Queue: capacity pressure", "size", size, "capacity", q.opts.Capacity)
		}
		return
	}
	q.pressure.Store(false)
}

// Drain delivers up to BatchSize items, highest priority first and oldest first within a
// priority. A drain that starts while another is running returns immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}
	}
	defer q.draining.Store(false)

	q.items.Prune()
	batch := q.selectBatch()
	if len(batch) == 0 {
		return DrainResult{}
	}
	q.drains.Add(1)

	res := DrainResult{Processed: len(batch)}
	for _, item := range batch {
		outcome, err := q.safeProcess(ctx, item)
		if err != nil {
			outcome = q.recordFailure(item, err)
		}
		outcome.At = q.opts.Now()
		res.Outcomes = append(res.Outcomes, outcome)
		q.emit(outcome)
	}
	slog.Debug("Queue.Drain: batch processed", "count", len(batch), "remaining", q.items.Len())
	return res
}

func (q *Queue) selectBatch() []models.QueuedWebhookItem {
	var all []models.QueuedWebhookItem
	q.items.ForEach(func(_ string, item models.QueuedWebhookItem) bool {
		all = append(all, item)
		return true
	})
	slices.SortStableFunc(all, func(a, b models.QueuedWebhookItem) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.QueuedAt.Compare(b.QueuedAt)
	})
	if len(all) > q.opts.BatchSize {
		all = all[:q.opts.BatchSize]
	}
	return all
}

// safeProcess turns a panic in per-item processing into an error so siblings still run.
func (q *Queue) safeProcess(ctx context.Context, item models.QueuedWebhookItem) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", item.MessageID, r)
		}
	}()
	return q.process(ctx, item)
}

func (q *Queue) process(ctx context.Context, item models.QueuedWebhookItem) (Outcome, error) {
	key := item.IdentityKey()
	outcome := Outcome{MessageID: item.MessageID, From: item.From, To: item.To}

	rec, err := q.lookup(item)
	if err != nil {
		return outcome, fmt.Errorf("store re-check failed: %w", err)
	}
	if rec == nil {
		q.remove(key)
		q.dropped.Add(1)
		slog.Error("Queue.Drain: CRITICAL queued message missing from store, dropping", "messageId", item.MessageID, "storeId", item.MessageStoreID, "from", item.From, "to", item.To)
		outcome.Status = StatusDroppedMissing
		return outcome, nil
	}
	if rec.WebhookSent {
		q.remove(key)
		q.dropped.Add(1)
		outcome.Status = StatusDroppedSent
		outcome.Attempts = rec.WebhookAttempts
		return outcome, nil
	}

	dup, err := q.findSimilarSent(item, q.opts.DrainDuplicateWindow)
	if err != nil {
		return outcome, fmt.Errorf("duplicate re-check failed: %w", err)
	}
	if dup != nil && dup.ID != rec.ID {
		// retire the record so the pending sweep does not bring it back
		if err := q.store.UpdateMessageWebhookStatus(rec.ID, false, store.MaxWebhookAttempts); err != nil {
			slog.Error("Queue.Drain: failed to retire duplicate", "id", rec.ID, "error", err)
		}
		if q.dedup != nil {
			q.dedup.MarkAsCompleted(item.Identifier(), false)
		}
		q.remove(key)
		q.dropped.Add(1)
		slog.Info("Queue.Drain: dropping similar message already delivered", "messageId", item.MessageID, "original", dup.MessageID)
		outcome.Status = StatusDroppedDup
		return outcome, nil
	}

	claimed := false
	if q.opts.Claimer != nil {
		ok, err := q.opts.Claimer.Claim(ctx, key)
		switch {
		case err != nil:
			slog.Warn("Queue.Drain: delivery claim unavailable, delivering unclaimed", "messageId", item.MessageID, "error", err)
		case !ok:
			q.remove(key)
			q.dropped.Add(1)
			outcome.Status = StatusDroppedClaimed
			return outcome, nil
		default:
			claimed = true
		}
	}

	result := q.sender.Send(ctx, item.Payload())
	attempts := rec.WebhookAttempts + result.Attempts
	outcome.Attempts = attempts
	outcome.StatusCode = result.StatusCode

	if result.Success {
		if err := q.store.UpdateMessageWebhookStatus(rec.ID, true, attempts); err != nil {
			slog.Error("Queue.Drain: failed to record delivery", "id", rec.ID, "messageId", item.MessageID, "error", err)
		}
		if q.dedup != nil {
			q.dedup.MarkWebhookSent(item.Identifier(), attempts)
		}
		q.remove(key)
		q.delivered.Add(1)
		slog.Info("Queue.Drain: webhook delivered", "messageId", item.MessageID, "from", item.From, "to", item.To, "attempts", attempts)
		outcome.Status = StatusDelivered
		return outcome, nil
	}

	if err := q.store.UpdateMessageWebhookStatus(rec.ID, false, attempts); err != nil {
		slog.Error("Queue.Drain: failed to record delivery failure", "id", rec.ID, "messageId", item.MessageID, "error", err)
	}
	if q.dedup != nil {
		q.dedup.MarkAsCompleted(item.Identifier(), false)
	}
	if claimed {
		releaseCtx, cancel := linger.ContextWithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := q.opts.Claimer.Release(releaseCtx, key); err != nil {
			slog.Warn("Queue.Drain: failed to release delivery claim", "messageId", item.MessageID, "error", err)
		}
		cancel()
	}
	q.remove(key)
	q.failed.Add(1)
	slog.Warn("Queue.Drain: webhook delivery failed", "messageId", item.MessageID, "attempts", attempts, "retryable", webhook.IsRetryable(result.Err), "error", result.Err)
	outcome.Status = StatusFailed
	if result.Err != nil {
		outcome.Error = result.Err.Error()
	}
	return outcome, nil
}

// recordFailure counts an unexpected processing error against item, dropping it once it has
// failed MaxItemFailures times.
func (q *Queue) recordFailure(item models.QueuedWebhookItem, cause error) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	outcome := Outcome{MessageID: item.MessageID, From: item.From, To: item.To, Error: cause.Error()}
	key := item.IdentityKey()
	current, ok := q.items.Peek(key)
	if !ok {
		outcome.Status = StatusDroppedErrors
		return outcome
	}
	current.Attempts++
	outcome.Attempts = current.Attempts
	if current.Attempts >= q.opts.MaxItemFailures {
		q.items.Delete(key)
		q.dropped.Add(1)
		slog.Warn("Queue.Drain: dropping item after repeated processing errors", "messageId", item.MessageID, "failures", current.Attempts, "error", cause)
		outcome.Status = StatusDroppedErrors
		return outcome
	}
	q.items.Set(key, current)
	slog.Warn("Queue.Drain: processing error, item kept for next drain", "messageId", item.MessageID, "failures", current.Attempts, "error", cause)
	outcome.Status = StatusRetained
	return outcome
}

func (q *Queue) remove(key string) {
	q.items.Delete(key)
}

// ForceProcess runs a drain immediately, outside the tick.
func (q *Queue) ForceProcess(ctx context.Context) DrainResult {
	slog.Info("Queue.ForceProcess: out-of-band drain requested")
	return q.Drain(ctx)
}

// Run drains on every tick until ctx is cancelled, then keeps draining until the queue is
// empty or ShutdownDrainTimeout elapses.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("Queue.Run: starting delivery queue", "tickInterval", q.opts.TickInterval, "capacity", q.opts.Capacity)

	ticker := time.NewTicker(q.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.finalDrain(ctx)
			slog.Info("Queue.Run: stopped")
			return
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

func (q *Queue) finalDrain(parent context.Context) {
	if q.items.Len() == 0 {
		return
	}
	ctx, cancel := linger.ContextWithTimeout(context.WithoutCancel(parent), q.opts.ShutdownDrainTimeout)
	defer cancel()
	slog.Info("Queue.Run: final drain before shutdown", "remaining", q.items.Len())
	for q.items.Len() > 0 && ctx.Err() == nil {
		res := q.Drain(ctx)
		if res.Skipped {
			if err := linger.Sleep(ctx, 10*time.Millisecond); err != nil {
				break
			}
			continue
		}
		if res.Processed == 0 {
			break
		}
	}
	if n := q.items.Len(); n > 0 {
		slog.Warn("Queue.Run: shutdown with undelivered items; the pending sweep will pick them up on restart", "remaining", n)
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return q.items.Len()
}

// Contains reports whether the identity of item is queued.
func (q *Queue) Contains(item models.QueuedWebhookItem) bool {
	return q.items.Has(item.IdentityKey())
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	s := Stats{
		Capacity:   q.opts.Capacity,
		Processing: q.draining.Load(),
		ByPriority: make(map[int]int),
		Enqueued:   q.enqueued.Load(),
		Rejected:   q.rejected.Load(),
		Delivered:  q.delivered.Load(),
		Failed:     q.failed.Load(),
		Dropped:    q.dropped.Load(),
		Evicted:    q.evicted.Load(),
		Drains:     q.drains.Load(),
	}
	q.items.ForEach(func(_ string, item models.QueuedWebhookItem) bool {
		s.QueueSize++
		s.ByPriority[item.Priority]++
		if s.OldestQueuedAt == nil || item.QueuedAt.Before(*s.OldestQueuedAt) {
			t := item.QueuedAt
			s.OldestQueuedAt = &t
		}
		return true
	})
	if s.Capacity > 0 {
		s.Utilization = float64(s.QueueSize) / float64(s.Capacity)
	}
	return s
}

// Clear drops every queued item.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Clear()
	q.pressure.Store(false)
	slog.Info("Queue.Clear: queue cleared")
}

// ErrNoSender is returned by Validate when the queue has nothing to deliver with.
var ErrNoSender = errors.New("queue has no webhook sender")

// Validate checks that the queue's collaborators are wired.
func (q *Queue) Validate() error {
	if q.sender == nil {
		return ErrNoSender
	}
	if q.store == nil {
		return fmt.Errorf("queue has no message store")
	}
	return nil
}
