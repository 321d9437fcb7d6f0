package whatsapp

import (
	"log/slog"

	"github.com/BTreeMap/WhatsHook/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// maxUnwrapDepth bounds nested ephemeral/view-once wrappers.
const maxUnwrapDepth = 4

// ConvertMessage turns a whatsmeow message event into a transport message.
func ConvertMessage(evt *events.Message) models.TransportMessage {
	msg := models.TransportMessage{
		ID:               evt.Info.ID,
		AddressingTarget: evt.Info.Chat.String(),
		FromSelf:         evt.Info.IsFromMe,
		Payload:          ConvertPayload(evt.Message),
	}
	if evt.Info.IsGroup && !evt.Info.Sender.IsEmpty() {
		msg.Participant = evt.Info.Sender.String()
	}
	if !evt.Info.Timestamp.IsZero() {
		msg.TimestampSeconds = evt.Info.Timestamp.Unix()
	}
	return msg
}

// ConvertPayload maps a waE2E message onto the payload union. Protocol noise (reactions, key
// distribution, edits, poll votes) yields nil, which admission never accepts. Anything else
// without a typed variant becomes an UnknownPayload holding its protojson form.
func ConvertPayload(m *waE2E.Message) models.Payload {
	m = unwrap(m)
	if m == nil {
		return nil
	}
	switch {
	case m.Conversation != nil:
		return models.TextPayload{Text: m.GetConversation()}
	case m.ExtendedTextMessage != nil:
		return models.ExtendedTextPayload{Text: m.GetExtendedTextMessage().GetText()}
	case m.ImageMessage != nil:
		return models.ImagePayload{Caption: m.GetImageMessage().GetCaption()}
	case m.VideoMessage != nil:
		return models.VideoPayload{Caption: m.GetVideoMessage().GetCaption()}
	case m.PtvMessage != nil:
		return models.VideoPayload{Caption: m.GetPtvMessage().GetCaption()}
	case m.AudioMessage != nil:
		return models.AudioPayload{PTT: m.GetAudioMessage().GetPTT()}
	case m.DocumentMessage != nil:
		doc := m.GetDocumentMessage()
		return models.DocumentPayload{Caption: doc.GetCaption(), FileName: doc.GetFileName()}
	case m.StickerMessage != nil:
		return models.StickerPayload{}
	case m.ContactMessage != nil:
		return models.ContactPayload{DisplayName: m.GetContactMessage().GetDisplayName()}
	case m.LocationMessage != nil:
		loc := m.GetLocationMessage()
		return models.LocationPayload{
			Name:      loc.GetName(),
			Address:   loc.GetAddress(),
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
		}
	case m.LiveLocationMessage != nil:
		loc := m.GetLiveLocationMessage()
		return models.LocationPayload{Name: loc.GetCaption(), Latitude: loc.GetDegreesLatitude(), Longitude: loc.GetDegreesLongitude()}
	case m.PollCreationMessage != nil:
		return pollPayload(m.GetPollCreationMessage())
	case m.PollCreationMessageV2 != nil:
		return pollPayload(m.GetPollCreationMessageV2())
	case m.PollCreationMessageV3 != nil:
		return pollPayload(m.GetPollCreationMessageV3())
	case m.ButtonsResponseMessage != nil:
		return models.ButtonPayload{Text: m.GetButtonsResponseMessage().GetSelectedDisplayText()}
	case m.ButtonsMessage != nil:
		return models.ButtonPayload{Text: m.GetButtonsMessage().GetContentText()}
	case m.TemplateButtonReplyMessage != nil:
		return models.TemplatePayload{Text: m.GetTemplateButtonReplyMessage().GetSelectedDisplayText()}
	case m.TemplateMessage != nil:
		return models.TemplatePayload{Text: m.GetTemplateMessage().GetHydratedTemplate().GetHydratedContentText()}
	case m.ListResponseMessage != nil:
		return models.ListPayload{Text: m.GetListResponseMessage().GetTitle()}
	case m.ListMessage != nil:
		return models.ListPayload{Text: m.GetListMessage().GetDescription()}
	case isNoise(m):
		return nil
	}
	return unknownPayload(m)
}

// ConvertEdit returns the id of the message an edit targets together with the edited payload.
// ok is false unless m is a message edit.
func ConvertEdit(m *waE2E.Message) (targetID string, payload models.Payload, ok bool) {
	if inner := m.GetEditedMessage().GetMessage(); inner != nil {
		m = inner
	}
	pm := m.GetProtocolMessage()
	if pm.GetType() != waE2E.ProtocolMessage_MESSAGE_EDIT || pm.GetEditedMessage() == nil || pm.GetKey().GetID() == "" {
		return "", nil, false
	}
	return pm.GetKey().GetID(), ConvertPayload(pm.GetEditedMessage()), true
}

func pollPayload(p *waE2E.PollCreationMessage) models.Payload {
	out := models.PollPayload{Name: p.GetName()}
	for _, opt := range p.GetOptions() {
		out.Options = append(out.Options, opt.GetOptionName())
	}
	return out
}

func unwrap(m *waE2E.Message) *waE2E.Message {
	for i := 0; m != nil && i < maxUnwrapDepth; i++ {
		switch {
		case m.EphemeralMessage != nil:
			m = m.GetEphemeralMessage().GetMessage()
		case m.ViewOnceMessage != nil:
			m = m.GetViewOnceMessage().GetMessage()
		case m.ViewOnceMessageV2 != nil:
			m = m.GetViewOnceMessageV2().GetMessage()
		case m.DocumentWithCaptionMessage != nil:
			m = m.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return m
		}
	}
	return m
}

func isNoise(m *waE2E.Message) bool {
	return m.ReactionMessage != nil ||
		m.EncReactionMessage != nil ||
		m.ProtocolMessage != nil ||
		m.SenderKeyDistributionMessage != nil ||
		m.PollUpdateMessage != nil ||
		m.KeepInChatMessage != nil ||
		m.PinInChatMessage != nil
}

func unknownPayload(m *waE2E.Message) models.Payload {
	clone := proto.Clone(m).(*waE2E.Message)
	// context info would otherwise shadow the real top-level key
	clone.MessageContextInfo = nil
	raw, err := protojson.Marshal(clone)
	if err != nil {
		slog.Debug("whatsapp.ConvertPayload: failed to serialize unknown message", "error", err)
		return models.UnknownPayload{}
	}
	return models.UnknownPayload{Raw: raw}
}

// WebMessageParser parses history-sync messages; *whatsmeow.Client implements it.
type WebMessageParser interface {
	ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

// ConvertHistorySync returns every message of a history sync blob as a history event.
func ConvertHistorySync(parser WebMessageParser, evt *events.HistorySync) models.TransportEvent {
	out := models.TransportEvent{DeliveryClass: models.DeliveryClassHistory}
	for _, conv := range evt.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			slog.Debug("whatsapp.ConvertHistorySync: bad chat id", "id", conv.GetID(), "error", err)
			continue
		}
		for _, hm := range conv.GetMessages() {
			parsed, err := parser.ParseWebMessage(chat, hm.GetMessage())
			if err != nil {
				slog.Debug("whatsapp.ConvertHistorySync: failed to parse message", "chat", chat.String(), "error", err)
				continue
			}
			out.Messages = append(out.Messages, ConvertMessage(parsed))
		}
	}
	return out
}
