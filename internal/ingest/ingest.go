// Package ingest runs transport events through admission, extraction, deduplication and
// persistence, and hands the survivors to the delivery queue.
package ingest

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/admission"
	"github.com/BTreeMap/WhatsHook/internal/dedup"
	"github.com/BTreeMap/WhatsHook/internal/extract"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/store"
	"github.com/BTreeMap/WhatsHook/internal/util"
)

// Queue priorities for fresh traffic. Swept retries use store.RetryPriority.
const (
	InboundPriority = 1
	OwnSentPriority = 0
)

// ConnectionStates reports the transport connection state of an account.
type ConnectionStates interface {
	State(accountID string) models.ConnectionState
}

// Opts holds configuration options for a Processor.
type Opts struct {
	Now   func() time.Time
	NewID func() string
}

// Option defines a configuration option for a Processor.
type Option func(*Opts)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithIDGenerator replaces the generator of internal record ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *Opts) {
		o.NewID = fn
	}
}

// Summary counts what happened to the messages of one event.
type Summary struct {
	Received        int                      `json:"received"`
	Admitted        int                      `json:"admitted"`
	Rejected        map[admission.Reason]int `json:"rejected,omitempty"`
	Duplicates      int                      `json:"duplicates"`
	Persisted       int                      `json:"persisted"`
	PersistFailures int                      `json:"persistFailures"`
	Enqueued        int                      `json:"enqueued"`
	LowConfidence   int                      `json:"lowConfidence"`
}

// Processor is the admission-to-enqueue path for transport events. It is safe for
// concurrent use.
type Processor struct {
	filter    *admission.Filter
	extractor *extract.Extractor
	dedup     *dedup.Deduplicator
	store     store.MessageStore
	queue     store.Enqueuer
	states    ConnectionStates
	now       func() time.Time
	newID     func() string
}

// NewProcessor wires a Processor. states may be nil, in which case every account reads as open.
func NewProcessor(filter *admission.Filter, extractor *extract.Extractor, dd *dedup.Deduplicator, st store.MessageStore, q store.Enqueuer, states ConnectionStates, opts ...Option) *Processor {
	cfg := Opts{Now: time.Now, NewID: util.GenerateMessageRecordID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		filter:    filter,
		extractor: extractor,
		dedup:     dd,
		store:     st,
		queue:     q,
		states:    states,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
}

// HandleEvent processes one transport event received on accountID. A failure on one message
// never stops its siblings.
func (p *Processor) HandleEvent(accountID string, evt models.TransportEvent) Summary {
	state := models.ConnectionStateOpen
	if p.states != nil {
		state = p.states.State(accountID)
	}

	filtered := p.filter.FilterBatch(state, evt)
	summary := Summary{
		Received: len(evt.Messages),
		Admitted: len(filtered.Admitted),
		Rejected: filtered.Rejected,
	}
	if n := filtered.RejectedCount(); n > 0 {
		slog.Info("Processor.HandleEvent: messages not admitted", "account", accountID, "deliveryClass", evt.DeliveryClass, "rejected", n, "reasons", filtered.Rejected)
	}

	for _, msg := range filtered.Admitted {
		p.handleMessage(accountID, msg, &summary)
	}
	if summary.Enqueued > 0 {
		slog.Debug("Processor.HandleEvent: event processed", "account", accountID, "admitted", summary.Admitted, "enqueued", summary.Enqueued)
	}
	return summary
}

func (p *Processor) handleMessage(accountID string, msg models.TransportMessage, summary *Summary) {
	ex := p.extractor.Extract(msg.ID, msg.Payload)
	if ex.LowConfidence() {
		summary.LowConfidence++
		slog.Debug("Processor.handleMessage: low-confidence extraction", "messageId", msg.ID, "confidence", ex.Confidence, "type", ex.Type)
	}

	from, to := Endpoints(accountID, msg)
	id := models.MessageIdentifier{
		MessageID: msg.ID,
		From:      from,
		To:        to,
		Timestamp: msg.TimestampSeconds * 1000,
	}
	if !ex.Placeholder {
		id.Content = ex.Content
	}

	if !p.dedup.MarkAsProcessing(id) {
		summary.Duplicates++
		slog.Debug("Processor.handleMessage: duplicate skipped", "messageId", msg.ID, "from", from, "to", to)
		return
	}

	rec := models.MessageRecord{
		ID:          p.newID(),
		MessageID:   msg.ID,
		AccountID:   accountID,
		From:        from,
		To:          to,
		Content:     ex.Content,
		Type:        ex.Type,
		FromSelf:    msg.FromSelf,
		Placeholder: ex.Placeholder,
		Timestamp:   id.Timestamp,
		CreatedAt:   p.now(),
	}
	if err := p.store.SaveMessage(rec); err != nil {
		// allow a legitimate re-delivery of the same identity to be attempted again
		p.dedup.RemoveMessage(id)
		summary.PersistFailures++
		slog.Error("Processor.handleMessage: failed to persist message", "messageId", msg.ID, "from", from, "to", to, "error", err)
		return
	}
	summary.Persisted++

	priority := InboundPriority
	if msg.FromSelf {
		priority = OwnSentPriority
	}
	if p.queue.Enqueue(rec.QueueItem(priority), priority) {
		summary.Enqueued++
	}
}

// Endpoints returns the normalized (from, to) pair of msg observed on accountID. Inbound
// messages go from the sender (the group participant if present) to the account; messages
// sent by the account go from the account to the chat.
func Endpoints(accountID string, msg models.TransportMessage) (from, to string) {
	account := models.NormalizeEndpoint(accountID)
	if msg.FromSelf {
		return account, models.NormalizeEndpoint(msg.AddressingTarget)
	}
	sender := msg.AddressingTarget
	if msg.Participant != "" {
		sender = msg.Participant
	}
	return models.NormalizeEndpoint(sender), account
}
