package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/WhatsHook/internal/extract"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppConn is the part of *whatsapp.Client the service drives.
type WhatsAppConn interface {
	AddEventHandler(fn func(evt any))
	Connect(ctx context.Context) error
	Disconnect()
	AccountID() string
}

var _ WhatsAppConn = (*whatsapp.Client)(nil)

// ContentMemory keeps content for a message id that was learned outside the message itself,
// such as from an edit that arrives before the original can be read.
type ContentMemory interface {
	Remember(messageID, content string, msgType models.MessageType)
}

var _ ContentMemory = (*extract.Extractor)(nil)

// WhatsAppOpts holds optional collaborators of a WhatsAppService.
type WhatsAppOpts struct {
	Memory ContentMemory
}

// WhatsAppOption defines a configuration option for a WhatsAppService.
type WhatsAppOption func(*WhatsAppOpts)

// WithContentMemory records edited content so a later unreadable copy of the edited message
// still yields text.
func WithContentMemory(m ContentMemory) WhatsAppOption {
	return func(o *WhatsAppOpts) {
		o.Memory = m
	}
}

// WhatsAppService feeds whatsmeow events into an EventHandler and keeps the account registry
// in step with the connection.
type WhatsAppService struct {
	conn     WhatsAppConn
	parser   whatsapp.WebMessageParser
	handler  EventHandler
	registry *AccountRegistry
	memory   ContentMemory

	mu      sync.Mutex
	account string
	offline bool // between OfflineSyncPreview and OfflineSyncCompleted
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates the service. parser is usually conn.GetClient().
func NewWhatsAppService(conn WhatsAppConn, parser whatsapp.WebMessageParser, handler EventHandler, registry *AccountRegistry, opts ...WhatsAppOption) *WhatsAppService {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &WhatsAppService{conn: conn, parser: parser, handler: handler, registry: registry, memory: cfg.Memory}
	conn.AddEventHandler(s.Dispatch)
	return s
}

// Start connects to WhatsApp. The account is marked connecting until the server confirms.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.setAccount(s.conn.AccountID())
	if acc := s.accountID(); acc != "" {
		s.registry.SetState(acc, models.ConnectionStateConnecting)
	}
	if err := s.conn.Connect(ctx); err != nil {
		if acc := s.accountID(); acc != "" {
			s.registry.SetState(acc, models.ConnectionStateClosed)
		}
		return fmt.Errorf("failed to start WhatsApp service: %w", err)
	}
	return nil
}

// Stop disconnects from WhatsApp.
func (s *WhatsAppService) Stop() error {
	s.conn.Disconnect()
	if acc := s.accountID(); acc != "" {
		s.registry.SetState(acc, models.ConnectionStateClosed)
	}
	slog.Info("WhatsAppService.Stop: disconnected")
	return nil
}

// Dispatch handles one whatsmeow event.
func (s *WhatsAppService) Dispatch(evt any) {
	switch v := evt.(type) {
	case *events.QR:
		if acc := s.accountID(); acc != "" {
			s.registry.SetState(acc, models.ConnectionStateConnecting)
		}
	case *events.PairSuccess:
		s.setAccount(v.ID.User)
		s.registry.SetState(v.ID.User, models.ConnectionStateConnecting)
	case *events.Connected:
		s.setAccount(s.conn.AccountID())
		if acc := s.accountID(); acc != "" {
			s.registry.SetState(acc, models.ConnectionStateOpen)
		}
	case *events.Disconnected:
		s.transition(models.ConnectionStateClosed)
	case *events.StreamReplaced:
		s.transition(models.ConnectionStateClosed)
	case *events.LoggedOut:
		slog.Warn("WhatsAppService.Dispatch: logged out", "reason", v.Reason.String(), "onConnect", v.OnConnect)
		s.transition(models.ConnectionStateLoggedOut)
	case *events.OfflineSyncPreview:
		slog.Info("WhatsAppService.Dispatch: offline sync started", "messages", v.Messages, "total", v.Total)
		s.setOffline(true)
	case *events.OfflineSyncCompleted:
		slog.Info("WhatsAppService.Dispatch: offline sync completed", "count", v.Count)
		s.setOffline(false)
	case *events.UndecryptableMessage:
		slog.Debug("WhatsAppService.Dispatch: undecryptable message, awaiting retry", "messageId", v.Info.ID, "unavailable", v.IsUnavailable)
	case *events.Message:
		if target, payload, ok := whatsapp.ConvertEdit(v.Message); ok {
			s.rememberEdit(target, payload)
			return
		}
		class := models.DeliveryClassNotify
		if s.isOffline() {
			class = models.DeliveryClassAppend
		}
		s.forward(models.TransportEvent{DeliveryClass: class, Messages: []models.TransportMessage{whatsapp.ConvertMessage(v)}})
	case *events.HistorySync:
		if s.parser == nil {
			slog.Debug("WhatsAppService.Dispatch: no parser, history sync ignored")
			return
		}
		s.forward(whatsapp.ConvertHistorySync(s.parser, v))
	}
}

func (s *WhatsAppService) forward(evt models.TransportEvent) {
	acc := s.accountID()
	if acc == "" {
		acc = s.conn.AccountID()
		s.setAccount(acc)
	}
	if acc == "" {
		slog.Warn("WhatsAppService.forward: event before pairing dropped", "messages", len(evt.Messages))
		return
	}
	s.handler.HandleEvent(acc, evt)
}

func (s *WhatsAppService) rememberEdit(target string, payload models.Payload) {
	if s.memory == nil {
		return
	}
	ext, ok := extract.Typed(payload)
	if !ok || ext.Placeholder {
		return
	}
	s.memory.Remember(target, ext.Content, ext.Type)
	slog.Debug("WhatsAppService.Dispatch: edited content remembered", "messageId", target, "type", ext.Type)
}

func (s *WhatsAppService) transition(state models.ConnectionState) {
	if acc := s.accountID(); acc != "" {
		s.registry.SetState(acc, state)
	}
	s.setOffline(false)
}

func (s *WhatsAppService) setAccount(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.account = id
	s.mu.Unlock()
}

func (s *WhatsAppService) accountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *WhatsAppService) setOffline(v bool) {
	s.mu.Lock()
	s.offline = v
	s.mu.Unlock()
}

func (s *WhatsAppService) isOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}
