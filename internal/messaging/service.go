// Package messaging connects transports to the ingestion pipeline.
//
// Transports deliver batches of messages as models.TransportEvent values together with the
// id of the account that observed them. The account registry tracks each account's
// connection state, which admission consults.
package messaging

import (
	"context"

	"github.com/BTreeMap/WhatsHook/internal/models"
)

// EventHandler consumes transport events; *ingest.Processor satisfies it through HandlerFunc.
type EventHandler interface {
	HandleEvent(accountID string, evt models.TransportEvent)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(accountID string, evt models.TransportEvent)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(accountID string, evt models.TransportEvent) {
	f(accountID, evt)
}

// Service is a transport producing events.
type Service interface {
	// Start connects the transport and begins delivering events.
	Start(ctx context.Context) error
	// Stop disconnects the transport.
	Stop() error
}
