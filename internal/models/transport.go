package models

import "strings"

// DeliveryClass tells whether a transport event batch is live traffic or a replay.
type DeliveryClass string

const (
	// DeliveryClassNotify is a live notification of new traffic.
	DeliveryClassNotify DeliveryClass = "notify"
	// DeliveryClassAppend is backlog appended while the account was offline.
	DeliveryClassAppend DeliveryClass = "append"
	// DeliveryClassHistory is a history sync batch.
	DeliveryClassHistory DeliveryClass = "history"
)

// Addressing suffixes used by WhatsApp identifiers.
const (
	UserServerSuffix       = "@s.whatsapp.net"
	GroupServerSuffix      = "@g.us"
	BroadcastServerSuffix  = "@broadcast"
	NewsletterServerSuffix = "@newsletter"
	StatusBroadcastID      = "status@broadcast"
)

// TransportEvent is one batch of message notifications produced by a transport.
type TransportEvent struct {
	DeliveryClass DeliveryClass      `json:"deliveryClass"`
	Messages      []TransportMessage `json:"messages"`
}

// TransportMessage is a single message inside a transport event.
type TransportMessage struct {
	ID               string  `json:"id"`
	AddressingTarget string  `json:"addressingTarget"`      // chat the message belongs to
	Participant      string  `json:"participant,omitempty"` // sender inside a group chat
	FromSelf         bool    `json:"fromSelf"`
	Payload          Payload `json:"-"`
	TimestampSeconds int64   `json:"timestampSeconds"` // zero when the transport gave no timestamp
}

// IsGroupTarget reports whether target addresses a group conversation.
func IsGroupTarget(target string) bool {
	return strings.HasSuffix(target, GroupServerSuffix)
}

// IsBroadcastTarget reports whether target addresses a status, broadcast-list or newsletter channel.
func IsBroadcastTarget(target string) bool {
	return target == StatusBroadcastID ||
		strings.HasSuffix(target, BroadcastServerSuffix) ||
		strings.HasSuffix(target, NewsletterServerSuffix)
}

// NormalizeEndpoint strips the server and device parts of a WhatsApp identifier so that
// "15551234567:12@s.whatsapp.net" and "+15551234567" both become "15551234567".
func NormalizeEndpoint(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "whatsapp:")
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	if colon := strings.IndexByte(id, ':'); colon >= 0 {
		id = id[:colon]
	}
	return strings.TrimPrefix(id, "+")
}
