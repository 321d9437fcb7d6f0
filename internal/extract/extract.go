// Package extract turns message payloads into the human-readable content and coarse type
// forwarded to the webhook.
package extract

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/cache"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/tidwall/gjson"
)

// Confidence tells how the content was obtained.
type Confidence string

const (
	// ConfidenceTyped means a known payload variant supplied the content.
	ConfidenceTyped Confidence = "typed"
	// ConfidenceRemembered means the side cache supplied the content.
	ConfidenceRemembered Confidence = "remembered"
	// ConfidenceScanned means a text or caption field was found by scanning an unknown payload.
	ConfidenceScanned Confidence = "scanned"
	// ConfidenceNone means nothing was extractable.
	ConfidenceNone Confidence = "none"
)

// UnsupportedPlaceholder is the content of messages nothing could be extracted from.
const UnsupportedPlaceholder = "[Unsupported message]"

// Extraction is the result of extracting one payload.
type Extraction struct {
	Content    string             `json:"content"`
	Type       models.MessageType `json:"type"`
	Confidence Confidence         `json:"confidence"`
	// Placeholder is set when Content is a generic caption like "[Image]" rather than text
	// the sender wrote.
	Placeholder bool `json:"placeholder"`
}

// LowConfidence reports whether the content came from the best-effort scan or is missing.
func (e Extraction) LowConfidence() bool {
	return e.Confidence == ConfidenceScanned || e.Confidence == ConfidenceNone
}

// Opts holds configuration options for an Extractor.
type Opts struct {
	SideCacheCapacity int
	SideCacheTTL      time.Duration
}

// Option defines a configuration option for an Extractor.
type Option func(*Opts)

// WithSideCache bounds the message id → content side cache.
func WithSideCache(capacity int, ttl time.Duration) Option {
	return func(o *Opts) {
		o.SideCacheCapacity = capacity
		o.SideCacheTTL = ttl
	}
}

// Extractor extracts content from payloads. It is safe for concurrent use.
type Extractor struct {
	side *cache.Cache[string, Extraction]
}

// New creates an Extractor, applying any provided options for customization.
func New(opts ...Option) *Extractor {
	cfg := Opts{SideCacheCapacity: cache.DefaultCapacity, SideCacheTTL: cache.DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Extractor{
		side: cache.New[string, Extraction](
			cache.WithCapacity(cfg.SideCacheCapacity),
			cache.WithTTL(cfg.SideCacheTTL),
		),
	}
}

// Extract returns the content and type of payload. It never fails: anything that cannot be
// interpreted degrades to UnsupportedPlaceholder with type unknown.
func (x *Extractor) Extract(messageID string, payload models.Payload) Extraction {
	if ext, ok := Typed(payload); ok {
		if !ext.Placeholder && messageID != "" {
			x.side.Set(messageID, ext)
		}
		return ext
	}

	if messageID != "" {
		if ext, ok := x.side.Get(messageID); ok {
			ext.Confidence = ConfidenceRemembered
			slog.Debug("Extractor.Extract: content taken from side cache", "messageId", messageID)
			return ext
		}
	}

	if unknown, ok := payload.(models.UnknownPayload); ok {
		if ext, ok := Scan(unknown.Raw); ok {
			slog.Debug("Extractor.Extract: low-confidence content from payload scan", "messageId", messageID, "type", ext.Type)
			return ext
		}
	}

	slog.Debug("Extractor.Extract: nothing extractable", "messageId", messageID)
	return Extraction{Content: UnsupportedPlaceholder, Type: models.MessageTypeUnknown, Confidence: ConfidenceNone, Placeholder: true}
}

// Remember records content observed for messageID through a side channel, so a later payload
// for the same message that cannot be interpreted still yields it.
func (x *Extractor) Remember(messageID, content string, msgType models.MessageType) {
	if messageID == "" || strings.TrimSpace(content) == "" {
		return
	}
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	x.side.Set(messageID, Extraction{Content: content, Type: msgType, Confidence: ConfidenceTyped})
}

// Clear empties the side cache.
func (x *Extractor) Clear() {
	x.side.Clear()
}

// SideCacheSize returns the number of remembered messages.
func (x *Extractor) SideCacheSize() int {
	return x.side.Len()
}

// Recognizable reports whether payload is a kind the pipeline forwards: any typed variant,
// or an unknown payload in which a text or caption field can be found.
func Recognizable(payload models.Payload) bool {
	switch p := payload.(type) {
	case nil:
		return false
	case models.UnknownPayload:
		_, ok := Scan(p.Raw)
		return ok
	case models.TextPayload:
		return strings.TrimSpace(p.Text) != ""
	case models.ExtendedTextPayload:
		return strings.TrimSpace(p.Text) != ""
	default:
		return true
	}
}

// Typed extracts content from a known payload variant. It reports false for UnknownPayload
// and for text payloads with no text.
func Typed(payload models.Payload) (Extraction, bool) {
	typed := func(content string, t models.MessageType) (Extraction, bool) {
		return Extraction{Content: content, Type: t, Confidence: ConfidenceTyped}, true
	}
	withDefault := func(content, fallback string, t models.MessageType) (Extraction, bool) {
		if strings.TrimSpace(content) != "" {
			return typed(content, t)
		}
		return Extraction{Content: fallback, Type: t, Confidence: ConfidenceTyped, Placeholder: true}, true
	}

	switch p := payload.(type) {
	case models.TextPayload:
		if strings.TrimSpace(p.Text) == "" {
			return Extraction{}, false
		}
		return typed(p.Text, models.MessageTypeText)
	case models.ExtendedTextPayload:
		if strings.TrimSpace(p.Text) == "" {
			return Extraction{}, false
		}
		return typed(p.Text, models.MessageTypeText)
	case models.ImagePayload:
		return withDefault(p.Caption, "[Image]", models.MessageTypeImage)
	case models.VideoPayload:
		return withDefault(p.Caption, "[Video]", models.MessageTypeVideo)
	case models.AudioPayload:
		if p.PTT {
			return withDefault("", "[Voice message]", models.MessageTypeAudio)
		}
		return withDefault("", "[Audio]", models.MessageTypeAudio)
	case models.DocumentPayload:
		if strings.TrimSpace(p.Caption) == "" && p.FileName != "" {
			return Extraction{Content: "[Document: " + p.FileName + "]", Type: models.MessageTypeDocument, Confidence: ConfidenceTyped, Placeholder: true}, true
		}
		return withDefault(p.Caption, "[Document]", models.MessageTypeDocument)
	case models.StickerPayload:
		return withDefault("", "[Sticker]", models.MessageTypeSticker)
	case models.ContactPayload:
		if p.DisplayName != "" {
			return Extraction{Content: "[Contact: " + p.DisplayName + "]", Type: models.MessageTypeContact, Confidence: ConfidenceTyped, Placeholder: true}, true
		}
		return withDefault("", "[Contact]", models.MessageTypeContact)
	case models.LocationPayload:
		return withDefault(locationText(p), "[Location]", models.MessageTypeLocation)
	case models.PollPayload:
		if p.Name == "" {
			return withDefault("", "[Poll]", models.MessageTypePoll)
		}
		text := "[Poll] " + p.Name
		if len(p.Options) > 0 {
			text += " (" + strings.Join(p.Options, " / ") + ")"
		}
		return typed(text, models.MessageTypePoll)
	case models.ButtonPayload:
		return withDefault(p.Text, "[Button]", models.MessageTypeButton)
	case models.TemplatePayload:
		return withDefault(p.Text, "[Template]", models.MessageTypeTemplate)
	case models.ListPayload:
		return withDefault(p.Text, "[List]", models.MessageTypeList)
	default:
		return Extraction{}, false
	}
}

func locationText(p models.LocationPayload) string {
	parts := make([]string, 0, 2)
	if p.Name != "" {
		parts = append(parts, p.Name)
	}
	if p.Address != "" {
		parts = append(parts, p.Address)
	}
	if len(parts) == 0 {
		if p.Latitude == 0 && p.Longitude == 0 {
			return ""
		}
		return fmt.Sprintf("[Location] %.6f,%.6f", p.Latitude, p.Longitude)
	}
	return "[Location] " + strings.Join(parts, ", ")
}

// Scan looks for a text or caption string anywhere in a serialized payload. The type is taken
// from the payload's first top-level key with any "Message" suffix removed, so
// {"reactionMessage":{"text":"👍"}} yields type "reaction".
func Scan(raw []byte) (Extraction, bool) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return Extraction{}, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Extraction{}, false
	}

	msgType := models.MessageTypeUnknown
	root.ForEach(func(key, _ gjson.Result) bool {
		if name := strings.TrimSuffix(key.String(), "Message"); name != "" {
			msgType = models.MessageType(name)
		}
		return false
	})

	content, ok := findText(root)
	if !ok {
		return Extraction{}, false
	}
	return Extraction{Content: content, Type: msgType, Confidence: ConfidenceScanned}, true
}

func findText(node gjson.Result) (string, bool) {
	if !node.IsObject() && !node.IsArray() {
		return "", false
	}
	var found string
	node.ForEach(func(key, value gjson.Result) bool {
		if node.IsObject() && value.Type == gjson.String && strings.TrimSpace(value.String()) != "" {
			switch key.String() {
			case "text", "caption", "conversation":
				found = value.String()
				return false
			}
		}
		if text, ok := findText(value); ok {
			found = text
			return false
		}
		return true
	})
	return found, found != ""
}
