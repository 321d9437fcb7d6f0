// Package dedup implements the two-layer message deduplicator.
//
// The first layer is keyed by identity (messageId+from+to) and holds the processing state of
// every admitted message. The second layer is keyed by a digest of from+to+normalized content
// and points back at an identity key, so a retransmit that arrives with a fresh message id but
// the same body is caught within a short window.
package dedup

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/cache"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/cespare/xxhash/v2"
)

// DefaultContentWindow is how long a content match suppresses a message with a new id.
const DefaultContentWindow = 30 * time.Second

// Opts holds configuration options for a Deduplicator.
type Opts struct {
	Capacity      int
	TTL           time.Duration
	ContentWindow time.Duration
	Now           func() time.Time
}

// Option defines a configuration option for a Deduplicator.
type Option func(*Opts)

// WithCapacity bounds each of the two caches.
func WithCapacity(n int) Option {
	return func(o *Opts) {
		o.Capacity = n
	}
}

// WithTTL sets the idle lifetime of cache entries.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.TTL = ttl
	}
}

// WithContentWindow sets the window inside which a content match counts as a duplicate.
func WithContentWindow(d time.Duration) Option {
	return func(o *Opts) {
		o.ContentWindow = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

type contentRef struct {
	identityKey string
	seenAt      time.Time
}

// Deduplicator tracks which messages have been admitted and which were delivered.
// It is safe for concurrent use.
type Deduplicator struct {
	mu            sync.Mutex
	identities    *cache.Cache[string, *models.ProcessingState]
	contents      *cache.Cache[uint64, contentRef]
	contentWindow time.Duration
	now           func() time.Time

	duplicates int64
}

// New creates a Deduplicator, applying any provided options for customization.
func New(opts ...Option) *Deduplicator {
	cfg := Opts{
		Capacity:      cache.DefaultCapacity,
		TTL:           cache.DefaultTTL,
		ContentWindow: DefaultContentWindow,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ContentWindow <= 0 {
		cfg.ContentWindow = DefaultContentWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cacheOpts := []cache.Option{cache.WithCapacity(cfg.Capacity), cache.WithTTL(cfg.TTL)}
	return &Deduplicator{
		identities:    cache.New[string, *models.ProcessingState](cacheOpts...),
		contents:      cache.New[uint64, contentRef](cacheOpts...),
		contentWindow: cfg.ContentWindow,
		now:           cfg.Now,
	}
}

func contentDigest(contentKey string) uint64 {
	return xxhash.Sum64String(contentKey)
}

// MarkAsProcessing records id as being processed. It returns false when the caller must skip
// the message: the identity is already known, or the same content from the same sender to the
// same recipient was seen within the content window and its identity record is still live.
func (d *Deduplicator) MarkAsProcessing(id models.MessageIdentifier) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id.IdentityKey()
	if d.identities.Has(key) {
		d.duplicates++
		slog.Debug("Deduplicator.MarkAsProcessing: identity duplicate", "messageId", id.MessageID, "from", id.From, "to", id.To)
		return false
	}

	now := d.now()
	contentKey := id.ContentKey()
	var digest uint64
	if contentKey != "" {
		digest = contentDigest(contentKey)
		if ref, ok := d.contents.Peek(digest); ok {
			switch {
			case !d.identities.Has(ref.identityKey):
				// orphan: the identity it pointed at has expired or was removed
				d.contents.Delete(digest)
			case now.Sub(ref.seenAt) < d.contentWindow:
				d.duplicates++
				slog.Debug("Deduplicator.MarkAsProcessing: content duplicate", "messageId", id.MessageID, "from", id.From, "to", id.To, "original", ref.identityKey)
				return false
			}
		}
	}

	d.identities.Set(key, &models.ProcessingState{IsProcessing: true, ProcessedAt: now})
	if contentKey != "" {
		d.contents.Set(digest, contentRef{identityKey: key, seenAt: now})
	}
	return true
}

// MarkAsCompleted moves id to the completed state.
func (d *Deduplicator) MarkAsCompleted(id models.MessageIdentifier, webhookSent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id.IdentityKey()
	state, ok := d.identities.Get(key)
	if !ok {
		state = &models.ProcessingState{}
	}
	state.IsProcessing = false
	state.ProcessedAt = d.now()
	// a delivered message never goes back to undelivered
	state.WebhookSent = state.WebhookSent || webhookSent
	d.identities.Set(key, state)
}

// MarkWebhookSent flags id as delivered. It is a no-op for unknown ids.
func (d *Deduplicator) MarkWebhookSent(id models.MessageIdentifier, attempts int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.identities.Get(id.IdentityKey())
	if !ok {
		return
	}
	state.IsProcessing = false
	state.WebhookSent = true
	if attempts > state.Attempts {
		state.Attempts = attempts
	}
}

// IsWebhookSent reports whether id was delivered.
func (d *Deduplicator) IsWebhookSent(id models.MessageIdentifier) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.identities.Peek(id.IdentityKey())
	return ok && state.WebhookSent
}

// IsMessageProcessed reports whether id is known at all.
func (d *Deduplicator) IsMessageProcessed(id models.MessageIdentifier) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identities.Has(id.IdentityKey())
}

// State returns a copy of the processing state for id.
func (d *Deduplicator) State(id models.MessageIdentifier) (models.ProcessingState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.identities.Peek(id.IdentityKey())
	if !ok {
		return models.ProcessingState{}, false
	}
	return *state, true
}

// RemoveMessage rolls back an admission so that a later re-delivery of the same identity is
// processed again. The content pointer is dropped with it.
func (d *Deduplicator) RemoveMessage(id models.MessageIdentifier) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := id.IdentityKey()
	d.identities.Delete(key)
	if contentKey := id.ContentKey(); contentKey != "" {
		digest := contentDigest(contentKey)
		if ref, ok := d.contents.Peek(digest); ok && ref.identityKey == key {
			d.contents.Delete(digest)
		}
	}
	slog.Debug("Deduplicator.RemoveMessage: rolled back", "messageId", id.MessageID, "from", id.From, "to", id.To)
}

// Clear drops all state.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identities.Clear()
	d.contents.Clear()
	d.duplicates = 0
	slog.Info("Deduplicator.Clear: caches cleared")
}

// Stats is a snapshot of deduplicator occupancy.
type Stats struct {
	TotalTracked      int   `json:"totalTracked"`
	Processing        int   `json:"processing"`
	Completed         int   `json:"completed"`
	WebhookSent       int   `json:"webhookSent"`
	DuplicatesBlocked int64 `json:"duplicatesBlocked"`
	IdentityCacheSize int   `json:"identityCacheSize"`
	ContentCacheSize  int   `json:"contentCacheSize"`
	CacheCapacity     int   `json:"cacheCapacity"`
}

// Stats counts tracked, in-flight and delivered messages.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		DuplicatesBlocked: d.duplicates,
		ContentCacheSize:  d.contents.Len(),
		CacheCapacity:     d.identities.Capacity(),
	}
	d.identities.ForEach(func(_ string, state *models.ProcessingState) bool {
		s.TotalTracked++
		if state.IsProcessing {
			s.Processing++
		} else {
			s.Completed++
		}
		if state.WebhookSent {
			s.WebhookSent++
		}
		return true
	})
	s.IdentityCacheSize = s.TotalTracked
	return s
}

// HealthStatus grades cache occupancy.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// SuccessQuality grades the delivered/completed ratio.
type SuccessQuality string

const (
	QualityExcellent  SuccessQuality = "excellent"
	QualityAcceptable SuccessQuality = "acceptable"
	QualityPoor       SuccessQuality = "poor"
)

// Health thresholds.
const (
	WarningOccupancy  = 0.80
	CriticalOccupancy = 0.95
	AcceptableSuccess = 0.95
	PoorSuccess       = 0.85
)

// Health is the operational health report derived from Stats.
type Health struct {
	Status       HealthStatus   `json:"status"`
	Quality      SuccessQuality `json:"quality"`
	Occupancy    float64        `json:"occupancy"`
	SuccessRatio float64        `json:"successRatio"`
	Issues       []string       `json:"issues,omitempty"`
	Stats        Stats          `json:"stats"`
}

// Health evaluates occupancy and delivery success against the thresholds.
func (d *Deduplicator) Health() Health {
	return EvaluateHealth(d.Stats())
}

// EvaluateHealth grades a Stats snapshot.
func EvaluateHealth(s Stats) Health {
	h := Health{Status: HealthHealthy, Quality: QualityExcellent, SuccessRatio: 1, Stats: s}
	if s.CacheCapacity > 0 {
		h.Occupancy = float64(s.IdentityCacheSize) / float64(s.CacheCapacity)
	}
	switch {
	case h.Occupancy > CriticalOccupancy:
		h.Status = HealthCritical
		h.Issues = append(h.Issues, "identity cache occupancy above "+percent(CriticalOccupancy))
	case h.Occupancy > WarningOccupancy:
		h.Status = HealthWarning
		h.Issues = append(h.Issues, "identity cache occupancy above "+percent(WarningOccupancy))
	}

	if s.Completed > 0 {
		h.SuccessRatio = float64(s.WebhookSent) / float64(s.Completed)
	}
	switch {
	case h.SuccessRatio < PoorSuccess:
		h.Quality = QualityPoor
		h.Issues = append(h.Issues, "webhook success ratio below "+percent(PoorSuccess))
	case h.SuccessRatio < AcceptableSuccess:
		h.Quality = QualityAcceptable
	}
	return h
}

func percent(f float64) string {
	return strconv.Itoa(int(f*100)) + "%"
}
