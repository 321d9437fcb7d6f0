// Package webhook delivers message payloads to the downstream HTTP webhook with bounded retry
// and exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/dogmatiq/linger"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Defaults for the delivery configuration.
const (
	DefaultTimeout         = 10 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = time.Second
	DefaultRetryMultiplier = 2.0
	MaxRetryDelay          = 30 * time.Second
	DefaultUserAgent       = "WhatsHook/1.0"

	// maxJitterFraction bounds the random delay added on top of each backoff.
	maxJitterFraction = 0.10
	// maxErrorBody bounds how much of a failed response is kept in StatusError.
	maxErrorBody = 512
)

// ErrNoURL is returned when no webhook URL is configured.
var ErrNoURL = errors.New("webhook url not configured")

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook responded with status %d", e.Code)
	}
	return fmt.Sprintf("webhook responded with status %d: %s", e.Code, e.Body)
}

// IsRetryable reports whether a delivery error may succeed on a later attempt. Client errors
// other than 429 are terminal; server errors, 429 and transport failures are retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNoURL) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusTooManyRequests {
			return true
		}
		return statusErr.Code < 400 || statusErr.Code >= 500
	}
	return true
}

// Config is the runtime-adjustable delivery configuration.
type Config struct {
	URL        string        `json:"url"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"maxRetries"`
	RetryDelay time.Duration `json:"retryDelay"`
	Multiplier float64       `json:"multiplier"`
	UserAgent  string        `json:"userAgent"`
}

// DefaultConfig returns the default configuration with no URL.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		Multiplier: DefaultRetryMultiplier,
		UserAgent:  DefaultUserAgent,
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}

// BackoffDelay returns the delay before retry number attempt (1-based), without jitter:
// RetryDelay * Multiplier^(attempt-1), capped at MaxRetryDelay.
func BackoffDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.RetryDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(delay)
}

func jitter(delay time.Duration) time.Duration {
	limit := int64(float64(delay) * maxJitterFraction)
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(limit + 1))
}

// Result is the outcome of one Send.
type Result struct {
	Success    bool          `json:"success"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"statusCode,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Sender delivers one payload. The delivery queue depends on this.
type Sender interface {
	Send(ctx context.Context, payload models.WebhookPayload) Result
}

// Client is the HTTP webhook client. It is safe for concurrent use; the configuration may be
// replaced at any time and takes effect for the next Send.
type Client struct {
	httpClient *http.Client

	mu  sync.RWMutex
	cfg Config

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Sender = (*Client)(nil)

// NewClient creates a Client with cfg, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg.withDefaults(),
		sleep: func(ctx context.Context, d time.Duration) error {
			return linger.Sleep(ctx, d)
		},
	}
}

// Config returns the current configuration.
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig replaces the configuration.
func (c *Client) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	slog.Info("Client.SetConfig: webhook configuration updated", "url", cfg.URL, "timeout", cfg.Timeout, "maxRetries", cfg.MaxRetries, "retryDelay", cfg.RetryDelay, "multiplier", cfg.Multiplier)
}

// UpdateConfig applies fn to a copy of the configuration and installs the result.
func (c *Client) UpdateConfig(fn func(*Config)) {
	cfg := c.Config()
	fn(&cfg)
	c.SetConfig(cfg)
}

// Send POSTs payload, retrying retryable failures up to MaxRetries attempts in total.
func (c *Client) Send(ctx context.Context, payload models.WebhookPayload) Result {
	cfg := c.Config()
	start := time.Now()
	res := Result{}
	if strings.TrimSpace(cfg.URL) == "" {
		res.Err = ErrNoURL
		return res
	}

	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = fmt.Errorf("failed to encode webhook payload: %w", err)
		return res
	}
	correlationID := uuid.NewString()

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt
		status, err := c.post(ctx, cfg, body, correlationID)
		res.StatusCode = status
		if err == nil {
			res.Success = true
			res.Err = nil
			res.Duration = time.Since(start)
			slog.Debug("Client.Send: webhook delivered", "messageId", payload.MessageID, "attempts", attempt, "status", status, "correlationId", correlationID)
			return res
		}
		res.Err = err

		if !IsRetryable(err) {
			slog.Warn("Client.Send: terminal webhook failure", "messageId", payload.MessageID, "attempts", attempt, "error", err)
			break
		}
		if attempt == cfg.MaxRetries {
			slog.Warn("Client.Send: webhook retries exhausted", "messageId", payload.MessageID, "attempts", attempt, "error", err)
			break
		}

		delay := BackoffDelay(cfg, attempt)
		delay += jitter(delay)
		if delay > MaxRetryDelay {
			delay = MaxRetryDelay
		}
		slog.Debug("Client.Send: retrying webhook", "messageId", payload.MessageID, "attempt", attempt, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			res.Err = fmt.Errorf("webhook retry interrupted: %w", err)
			break
		}
	}
	res.Duration = time.Since(start)
	return res
}

func (c *Client) post(ctx context.Context, cfg Config, body []byte, correlationID string) (int, error) {
	ctx, cancel := linger.ContextWithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("X-Correlation-Id", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
}

// SendBatch delivers payloads one at a time, in order.
func (c *Client) SendBatch(ctx context.Context, payloads []models.WebhookPayload) []Result {
	results := make([]Result, 0, len(payloads))
	for _, p := range payloads {
		results = append(results, c.Send(ctx, p))
	}
	return results
}
