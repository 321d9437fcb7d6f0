// Package models defines the core data structures for WhatsHook.
//
// It includes the message identity used for deduplication, the records persisted by the
// store, the items buffered by the delivery queue and the webhook payload sent downstream.
package models

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// MessageType is the coarse type tag attached to every forwarded message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeContact  MessageType = "contact"
	MessageTypeLocation MessageType = "location"
	MessageTypePoll     MessageType = "poll"
	MessageTypeButton   MessageType = "button"
	MessageTypeTemplate MessageType = "template"
	MessageTypeList     MessageType = "list"
	MessageTypeUnknown  MessageType = "unknown"
)

// ConnectionState describes the transport connection of one account.
type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateOpen       ConnectionState = "open"
	ConnectionStateClosed     ConnectionState = "closed"
	ConnectionStateLoggedOut  ConnectionState = "logged_out"
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessageID  = errors.New("message id cannot be empty")
	ErrMessageNotFound = errors.New("message not found")
)

// MessageIdentifier is the logical identity of one message instance.
type MessageIdentifier struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`   // only used for similarity hashing
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
}

// IdentityKey returns messageId+from+to, the primary deduplication key.
func (m MessageIdentifier) IdentityKey() string {
	return IdentityKey(m.MessageID, m.From, m.To)
}

// ContentKey returns from+to+normalized(content). It is empty when there is no content.
func (m MessageIdentifier) ContentKey() string {
	normalized := NormalizeContent(m.Content)
	if normalized == "" {
		return ""
	}
	return m.From + "|" + m.To + "|" + normalized
}

// IdentityKey builds the identity key from its parts.
func IdentityKey(messageID, from, to string) string {
	return messageID + "|" + from + "|" + to
}

// NormalizeContent lowercases content and collapses all whitespace runs to a single space.
func NormalizeContent(content string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(content), unicode.IsSpace), " ")
}

// ContentPrefix returns at most n runes of content, used for store-side similarity lookups.
func ContentPrefix(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n])
}

// ProcessingState is the deduplicator's record for one identity key.
type ProcessingState struct {
	IsProcessing bool      `json:"isProcessing"`
	ProcessedAt  time.Time `json:"processedAt"`
	WebhookSent  bool      `json:"webhookSent"`
	Attempts     int       `json:"attempts"`
}

// QueuedWebhookItem is a message owned by the delivery queue until it is delivered or dropped.
type QueuedWebhookItem struct {
	MessageID      string      `json:"messageId"`
	MessageStoreID string      `json:"messageStoreId"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	Content        string      `json:"content"`
	Timestamp      int64       `json:"timestamp"` // milliseconds since epoch
	Type           MessageType `json:"type"`
	Priority       int         `json:"priority"`
	Attempts       int         `json:"attempts"`
	QueuedAt       time.Time   `json:"queuedAt"`
	// Placeholder content such as "[Image]" is never used for similarity checks.
	Placeholder bool `json:"placeholder,omitempty"`
}

// IdentityKey returns the identity key of the queued message.
func (q QueuedWebhookItem) IdentityKey() string {
	return IdentityKey(q.MessageID, q.From, q.To)
}

// Identifier returns the deduplication identity of the queued message.
func (q QueuedWebhookItem) Identifier() MessageIdentifier {
	id := MessageIdentifier{MessageID: q.MessageID, From: q.From, To: q.To, Timestamp: q.Timestamp}
	if !q.Placeholder {
		id.Content = q.Content
	}
	return id
}

// Payload builds the webhook body for the queued message.
func (q QueuedWebhookItem) Payload() WebhookPayload {
	return NewWebhookPayload(q.MessageID, q.From, q.To, q.Content, q.Type, q.Timestamp)
}

// MessageRecord is a message as persisted by the store.
type MessageRecord struct {
	ID              string      `json:"id"`
	MessageID       string      `json:"messageId"`
	AccountID       string      `json:"accountId"`
	From            string      `json:"from"`
	To              string      `json:"to"`
	Content         string      `json:"content"`
	Type            MessageType `json:"type"`
	FromSelf        bool        `json:"fromSelf"`
	Placeholder     bool        `json:"placeholder"`
	Timestamp       int64       `json:"timestamp"` // milliseconds since epoch
	WebhookSent     bool        `json:"webhookSent"`
	WebhookAttempts int         `json:"webhookAttempts"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Identifier returns the deduplication identity of the record. Placeholder content is left out
// of the similarity key.
func (r MessageRecord) Identifier() MessageIdentifier {
	id := MessageIdentifier{MessageID: r.MessageID, From: r.From, To: r.To, Timestamp: r.Timestamp}
	if !r.Placeholder {
		id.Content = r.Content
	}
	return id
}

// QueueItem converts a stored record into a queue item with the given priority.
func (r MessageRecord) QueueItem(priority int) QueuedWebhookItem {
	return QueuedWebhookItem{
		MessageID:      r.MessageID,
		MessageStoreID: r.ID,
		From:           r.From,
		To:             r.To,
		Content:        r.Content,
		Timestamp:      r.Timestamp,
		Type:           r.Type,
		Priority:       priority,
		Placeholder:    r.Placeholder,
	}
}

// WebhookPayload is the JSON body POSTed to the configured webhook URL.
type WebhookPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // unix seconds
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// NewWebhookPayload builds a payload, converting a millisecond timestamp to unix seconds.
func NewWebhookPayload(messageID, from, to, content string, msgType MessageType, timestampMillis int64) WebhookPayload {
	return WebhookPayload{
		From:      from,
		To:        to,
		Message:   content,
		Timestamp: formatUnixSeconds(timestampMillis),
		Type:      string(msgType),
		MessageID: messageID,
	}
}

func formatUnixSeconds(millis int64) string {
	return strconv.FormatInt(millis/1000, 10)
}

// API Response types for consistent JSON responses

// APIStatus is the status field of every API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
