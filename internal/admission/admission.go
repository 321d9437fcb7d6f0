// Package admission decides which transport message events represent new live traffic.
//
// The filter is a pure predicate over an event batch, the owning account's connection state
// and the current time. It rejects history and replay batches, group and broadcast traffic,
// payloads the pipeline cannot forward and messages that are too old to be live.
package admission

import (
	"time"

	"github.com/BTreeMap/WhatsHook/internal/extract"
	"github.com/BTreeMap/WhatsHook/internal/models"
)

// Defaults for the age checks.
const (
	DefaultStrictMaxAge   = 30 * time.Second
	DefaultLooseMaxAge    = 5 * time.Minute
	DefaultBatchTolerance = 2 * time.Minute
)

// Reason is why a message was rejected. The zero value means admitted.
type Reason string

const (
	Admitted              Reason = ""
	RejectedDeliveryClass Reason = "delivery_class"
	RejectedGroup         Reason = "group"
	RejectedBroadcast     Reason = "broadcast"
	RejectedNoPayload     Reason = "no_payload"
	RejectedNoTimestamp   Reason = "no_timestamp"
	RejectedTooOld        Reason = "too_old"
	RejectedStaleBatch    Reason = "stale_batch"
	RejectedConnecting    Reason = "account_connecting"
)

// Opts holds configuration options for a Filter.
type Opts struct {
	// Enabled turns the max-age check on. The strict batch tolerance applies regardless.
	Enabled        bool
	StrictMode     bool
	MaxAge         time.Duration
	BatchTolerance time.Duration
	Now            func() time.Time
	Recognizable   func(models.Payload) bool
}

// Option defines a configuration option for a Filter.
type Option func(*Opts)

// WithEnabled toggles the max-age check.
func WithEnabled(enabled bool) Option {
	return func(o *Opts) {
		o.Enabled = enabled
	}
}

// WithStrictMode toggles strict mode, which shortens the default max age and rejects whole
// batches that contain a stale member.
func WithStrictMode(strict bool) Option {
	return func(o *Opts) {
		o.StrictMode = strict
	}
}

// WithMaxAge overrides the mode's default max age.
func WithMaxAge(d time.Duration) Option {
	return func(o *Opts) {
		o.MaxAge = d
	}
}

// WithBatchTolerance overrides the strict-mode batch tolerance.
func WithBatchTolerance(d time.Duration) Option {
	return func(o *Opts) {
		o.BatchTolerance = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithRecognizer replaces the payload recognizer.
func WithRecognizer(fn func(models.Payload) bool) Option {
	return func(o *Opts) {
		o.Recognizable = fn
	}
}

// Filter is the admission predicate. It holds only configuration and is safe for concurrent use.
type Filter struct {
	opts Opts
}

// NewFilter creates a Filter. The filter is enabled and strict unless options say otherwise.
func NewFilter(opts ...Option) *Filter {
	cfg := Opts{Enabled: true, StrictMode: true, BatchTolerance: DefaultBatchTolerance, Now: time.Now, Recognizable: extract.Recognizable}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAge <= 0 {
		if cfg.StrictMode {
			cfg.MaxAge = DefaultStrictMaxAge
		} else {
			cfg.MaxAge = DefaultLooseMaxAge
		}
	}
	if cfg.BatchTolerance <= 0 {
		cfg.BatchTolerance = DefaultBatchTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Recognizable == nil {
		cfg.Recognizable = extract.Recognizable
	}
	return &Filter{opts: cfg}
}

// Options returns the effective configuration.
func (f *Filter) Options() Opts {
	return f.opts
}

// Admit reports whether msg, a member of evt, should be processed.
func (f *Filter) Admit(state models.ConnectionState, evt models.TransportEvent, msg models.TransportMessage) bool {
	return f.Decide(state, evt, msg) == Admitted
}

// Decide returns Admitted or the first rule msg violates.
func (f *Filter) Decide(state models.ConnectionState, evt models.TransportEvent, msg models.TransportMessage) Reason {
	now := f.opts.Now()
	if reason := f.batchReason(evt, now); reason != Admitted {
		return reason
	}
	return f.decide(state, msg, now)
}

func (f *Filter) batchReason(evt models.TransportEvent, now time.Time) Reason {
	if evt.DeliveryClass != models.DeliveryClassNotify {
		return RejectedDeliveryClass
	}
	if f.opts.StrictMode {
		for _, m := range evt.Messages {
			if m.TimestampSeconds > 0 && now.Sub(time.Unix(m.TimestampSeconds, 0)) > f.opts.BatchTolerance {
				return RejectedStaleBatch
			}
		}
	}
	return Admitted
}

func (f *Filter) decide(state models.ConnectionState, msg models.TransportMessage, now time.Time) Reason {
	switch {
	case models.IsGroupTarget(msg.AddressingTarget):
		return RejectedGroup
	case models.IsBroadcastTarget(msg.AddressingTarget):
		return RejectedBroadcast
	case !f.opts.Recognizable(msg.Payload):
		return RejectedNoPayload
	case msg.TimestampSeconds <= 0:
		return RejectedNoTimestamp
	case f.opts.Enabled && now.Sub(time.Unix(msg.TimestampSeconds, 0)) >= f.opts.MaxAge:
		return RejectedTooOld
	case state == models.ConnectionStateConnecting:
		return RejectedConnecting
	}
	return Admitted
}

// Result is the outcome of filtering one batch.
type Result struct {
	Admitted []models.TransportMessage
	Rejected map[Reason]int
}

// RejectedCount returns the total number of rejected messages.
func (r Result) RejectedCount() int {
	n := 0
	for _, c := range r.Rejected {
		n += c
	}
	return n
}

// FilterBatch applies the filter to every message in evt.
func (f *Filter) FilterBatch(state models.ConnectionState, evt models.TransportEvent) Result {
	res := Result{Rejected: make(map[Reason]int)}
	now := f.opts.Now()
	if reason := f.batchReason(evt, now); reason != Admitted {
		if len(evt.Messages) > 0 {
			res.Rejected[reason] = len(evt.Messages)
		}
		return res
	}
	for _, msg := range evt.Messages {
		if reason := f.decide(state, msg, now); reason != Admitted {
			res.Rejected[reason]++
			continue
		}
		res.Admitted = append(res.Admitted, msg)
	}
	return res
}
