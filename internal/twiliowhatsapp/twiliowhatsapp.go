// Package twiliowhatsapp receives WhatsApp messages through Twilio's inbound message webhook.
package twiliowhatsapp

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/models"
	twilioclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's HMAC of the request URL and form parameters.
const SignatureHeader = "X-Twilio-Signature"

// EventSink receives converted inbound events for the Twilio number they were sent to.
type EventSink func(accountID string, evt models.TransportEvent)

// Opts holds configuration options for the inbound handler.
type Opts struct {
	AuthToken string
	PublicURL string // externally visible URL Twilio posts to; used for signature checks
	Now       func() time.Time
}

// Option defines a configuration option for the inbound handler.
type Option func(*Opts)

// WithAuthToken sets the auth token used to validate request signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithPublicURL sets the URL Twilio is configured to call.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = u }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// InboundHandler is the http.Handler for Twilio's inbound WhatsApp webhook.
type InboundHandler struct {
	validator *twilioclient.RequestValidator
	publicURL string
	sink      EventSink
	now       func() time.Time
}

// NewInboundHandler creates the handler. Without an auth token signatures are not checked,
// which is only appropriate for local testing.
func NewInboundHandler(sink EventSink, opts ...Option) *InboundHandler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &InboundHandler{publicURL: strings.TrimRight(cfg.PublicURL, "/"), sink: sink, now: cfg.Now}
	if cfg.AuthToken != "" {
		v := twilioclient.NewRequestValidator(cfg.AuthToken)
		h.validator = &v
	} else {
		slog.Warn("InboundHandler: TWILIO_AUTH_TOKEN not set, inbound signatures will not be validated")
	}
	return h
}

func (h *InboundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("InboundHandler.ServeHTTP: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	if h.validator != nil {
		if !h.validator.Validate(h.requestURL(r), params, r.Header.Get(SignatureHeader)) {
			slog.Warn("InboundHandler.ServeHTTP: invalid Twilio signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	account, msg, ok := ConvertForm(params, h.now())
	if !ok {
		slog.Warn("InboundHandler.ServeHTTP: missing required fields", "messageSid", params["MessageSid"], "from", params["From"])
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	slog.Debug("InboundHandler.ServeHTTP: inbound message", "messageSid", msg.ID, "from", msg.AddressingTarget, "account", account)

	h.sink(account, models.TransportEvent{
		DeliveryClass: models.DeliveryClassNotify,
		Messages:      []models.TransportMessage{msg},
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}

func (h *InboundHandler) requestURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// ConvertForm maps Twilio's inbound form fields onto a transport message, returning the
// receiving account as well. Twilio sends no message timestamp, so receipt time is used.
func ConvertForm(params map[string]string, received time.Time) (string, models.TransportMessage, bool) {
	sid := params["MessageSid"]
	from := params["From"]
	to := params["To"]
	if sid == "" || from == "" || to == "" {
		return "", models.TransportMessage{}, false
	}
	return models.NormalizeEndpoint(to), models.TransportMessage{
		ID:               sid,
		AddressingTarget: models.NormalizeEndpoint(from) + models.UserServerSuffix,
		Payload:          formPayload(params),
		TimestampSeconds: received.Unix(),
	}, true
}

func formPayload(params map[string]string) models.Payload {
	body := params["Body"]
	if lat, lon, ok := coordinates(params); ok {
		return models.LocationPayload{Name: params["Label"], Address: params["Address"], Latitude: lat, Longitude: lon}
	}
	if n, _ := strconv.Atoi(params["NumMedia"]); n > 0 {
		contentType := params["MediaContentType0"]
		switch {
		case strings.HasPrefix(contentType, "image/webp"):
			return models.StickerPayload{}
		case strings.HasPrefix(contentType, "image/"):
			return models.ImagePayload{Caption: body}
		case strings.HasPrefix(contentType, "video/"):
			return models.VideoPayload{Caption: body}
		case strings.HasPrefix(contentType, "audio/"):
			return models.AudioPayload{PTT: strings.Contains(contentType, "ogg")}
		case contentType == "text/vcard" || contentType == "text/x-vcard":
			return models.ContactPayload{}
		default:
			return models.DocumentPayload{Caption: body}
		}
	}
	if payload := params["ButtonPayload"]; payload != "" || params["ButtonText"] != "" {
		return models.ButtonPayload{Text: firstNonEmpty(params["ButtonText"], body)}
	}
	return models.TextPayload{Text: body}
}

func coordinates(params map[string]string) (float64, float64, bool) {
	if params["Latitude"] == "" || params["Longitude"] == "" {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(params["Latitude"], 64)
	lon, err2 := strconv.ParseFloat(params["Longitude"], 64)
	return lat, lon, err1 == nil && err2 == nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
