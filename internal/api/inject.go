package api

import (
	"bytes"
	_ "embed"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/util"
	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// maxInjectBody bounds POST /events/inject bodies.
const maxInjectBody = 1 << 20

const injectSchemaURL = "https://whatshook.local/schemas/inject.json"

//go:embed inject_schema.json
var injectSchemaJSON []byte

func compileInjectSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(injectSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(injectSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(injectSchemaURL)
}

// InjectRequest is the body of POST /events/inject.
type InjectRequest struct {
	AccountID     string               `json:"accountId"`
	DeliveryClass models.DeliveryClass `json:"deliveryClass,omitempty"`
	Messages      []InjectMessage      `json:"messages"`
}

// InjectMessage is one synthetic message. A missing id is generated and a missing timestamp
// means "now".
type InjectMessage struct {
	ID               string        `json:"id,omitempty"`
	AddressingTarget string        `json:"addressingTarget"`
	Participant      string        `json:"participant,omitempty"`
	FromSelf         bool          `json:"fromSelf,omitempty"`
	TimestampSeconds *int64        `json:"timestampSeconds,omitempty"`
	Payload          InjectPayload `json:"payload"`
}

// InjectPayload is the tagged JSON form of models.Payload.
type InjectPayload struct {
	Type        string              `json:"type"`
	Text        string              `json:"text,omitempty"`
	Caption     string              `json:"caption,omitempty"`
	FileName    string              `json:"fileName,omitempty"`
	PTT         bool                `json:"ptt,omitempty"`
	DisplayName string              `json:"displayName,omitempty"`
	Name        string              `json:"name,omitempty"`
	Address     string              `json:"address,omitempty"`
	Latitude    float64             `json:"latitude,omitempty"`
	Longitude   float64             `json:"longitude,omitempty"`
	Options     []string            `json:"options,omitempty"`
	Raw         jsoniter.RawMessage `json:"raw,omitempty"`
}

// Payload converts p to its model variant.
func (p InjectPayload) Payload() models.Payload {
	switch p.Type {
	case "text":
		return models.TextPayload{Text: p.Text}
	case "extendedText":
		return models.ExtendedTextPayload{Text: p.Text}
	case "image":
		return models.ImagePayload{Caption: p.Caption}
	case "video":
		return models.VideoPayload{Caption: p.Caption}
	case "audio":
		return models.AudioPayload{PTT: p.PTT}
	case "document":
		return models.DocumentPayload{Caption: p.Caption, FileName: p.FileName}
	case "sticker":
		return models.StickerPayload{}
	case "contact":
		return models.ContactPayload{DisplayName: p.DisplayName}
	case "location":
		return models.LocationPayload{Name: p.Name, Address: p.Address, Latitude: p.Latitude, Longitude: p.Longitude}
	case "poll":
		return models.PollPayload{Name: p.Name, Options: p.Options}
	case "button":
		return models.ButtonPayload{Text: p.Text}
	case "template":
		return models.TemplatePayload{Text: p.Text}
	case "list":
		return models.ListPayload{Text: p.Text}
	case "unknown":
		return models.UnknownPayload{Raw: []byte(p.Raw)}
	}
	return nil
}

// Event converts the request into a transport event stamped relative to now.
func (req InjectRequest) Event(nowUnix int64) models.TransportEvent {
	class := req.DeliveryClass
	if class == "" {
		class = models.DeliveryClassNotify
	}
	evt := models.TransportEvent{DeliveryClass: class, Messages: make([]models.TransportMessage, 0, len(req.Messages))}
	for _, m := range req.Messages {
		id := m.ID
		if id == "" {
			id = util.GenerateInjectedMessageID()
		}
		ts := nowUnix
		if m.TimestampSeconds != nil {
			ts = *m.TimestampSeconds
		}
		evt.Messages = append(evt.Messages, models.TransportMessage{
			ID:               id,
			AddressingTarget: m.AddressingTarget,
			Participant:      m.Participant,
			FromSelf:         m.FromSelf,
			Payload:          m.Payload.Payload(),
			TimestampSeconds: ts,
		})
	}
	return evt
}

func (s *Server) injectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost, "injectHandler") {
		return
	}
	if !s.opts.EnableInject {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Event injection is disabled"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBody+1))
	if err != nil {
		slog.Warn("Server.injectHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if len(body) > maxInjectBody {
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
		return
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		slog.Warn("Server.injectHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.schema.Validate(inst); err != nil {
		slog.Warn("Server.injectHandler: schema validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var req InjectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	summary := s.processor.HandleEvent(req.AccountID, req.Event(s.opts.Now().Unix()))
	slog.Info("Server.injectHandler: event injected", "account", req.AccountID, "messages", len(req.Messages), "admitted", summary.Admitted)
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}
