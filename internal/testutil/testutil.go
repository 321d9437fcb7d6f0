// Package testutil provides common test utilities and helpers for WhatsHook tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/models"
)

// Clock is a manually advanced clock for TTL and window tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time. It has the signature of time.Now.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RecordedRequest is one request captured by a WebhookRecorder.
type RecordedRequest struct {
	Payload models.WebhookPayload
	Header  http.Header
}

// WebhookRecorder is an httptest server standing in for the downstream webhook.
// Each request receives the next scripted status code; once the script is exhausted
// every request is answered with 200.
type WebhookRecorder struct {
	Server *httptest.Server

	mu       sync.Mutex
	statuses []int
	requests []RecordedRequest
}

// NewWebhookRecorder starts a recorder that answers with the given status codes in order.
func NewWebhookRecorder(t *testing.T, statuses ...int) *WebhookRecorder {
	t.Helper()
	rec := &WebhookRecorder{statuses: statuses}
	rec.Server = httptest.NewServer(http.HandlerFunc(rec.handle))
	t.Cleanup(rec.Server.Close)
	return rec
}

// URL returns the recorder's endpoint.
func (r *WebhookRecorder) URL() string {
	return r.Server.URL
}

func (r *WebhookRecorder) handle(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()
	var payload models.WebhookPayload
	_ = json.NewDecoder(req.Body).Decode(&payload)

	r.mu.Lock()
	r.requests = append(r.requests, RecordedRequest{Payload: payload, Header: req.Header.Clone()})
	status := http.StatusOK
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		r.statuses = r.statuses[1:]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

// Requests returns a copy of every request received so far.
func (r *WebhookRecorder) Requests() []RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

// Count returns how many requests were received.
func (r *WebhookRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// TextMessage builds a live one-to-one text message timestamped at now.
func TextMessage(id, from, text string, now time.Time) models.TransportMessage {
	return models.TransportMessage{
		ID:               id,
		AddressingTarget: from + models.UserServerSuffix,
		Payload:          models.TextPayload{Text: text},
		TimestampSeconds: now.Unix(),
	}
}

// NotifyEvent wraps messages in a live notification batch.
func NotifyEvent(msgs ...models.TransportMessage) models.TransportEvent {
	return models.TransportEvent{DeliveryClass: models.DeliveryClassNotify, Messages: msgs}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
