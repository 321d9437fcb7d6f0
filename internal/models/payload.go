package models

// Payload is the closed set of message payload kinds a transport can deliver.
// Transports map their native message shape onto exactly one variant; anything they
// cannot classify becomes UnknownPayload with its serialized form attached.
type Payload interface {
	Kind() MessageType
	isPayload()
}

// TextPayload is a plain conversation message.
type TextPayload struct {
	Text string
}

// ExtendedTextPayload is a quoted, linked or otherwise decorated text message.
type ExtendedTextPayload struct {
	Text string
}

// ImagePayload is an image with an optional caption.
type ImagePayload struct {
	Caption string
}

// VideoPayload is a video with an optional caption.
type VideoPayload struct {
	Caption string
}

// AudioPayload is a voice note or audio file.
type AudioPayload struct {
	PTT bool
}

// DocumentPayload is a document with an optional caption and file name.
type DocumentPayload struct {
	Caption  string
	FileName string
}

// StickerPayload is a sticker.
type StickerPayload struct{}

// ContactPayload is a shared contact card.
type ContactPayload struct {
	DisplayName string
}

// LocationPayload is a shared location.
type LocationPayload struct {
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
}

// PollPayload is a poll creation.
type PollPayload struct {
	Name    string
	Options []string
}

// ButtonPayload is a reply to, or a message carrying, quick-reply buttons.
type ButtonPayload struct {
	Text string
}

// TemplatePayload is a template message or a reply to one.
type TemplatePayload struct {
	Text string
}

// ListPayload is a list message or a reply to one.
type ListPayload struct {
	Text string
}

// UnknownPayload carries a payload no other variant matched, serialized as JSON.
type UnknownPayload struct {
	Raw []byte
}

func (TextPayload) Kind() MessageType         { return MessageTypeText }
func (ExtendedTextPayload) Kind() MessageType { return MessageTypeText }
func (ImagePayload) Kind() MessageType        { return MessageTypeImage }
func (VideoPayload) Kind() MessageType        { return MessageTypeVideo }
func (AudioPayload) Kind() MessageType        { return MessageTypeAudio }
func (DocumentPayload) Kind() MessageType     { return MessageTypeDocument }
func (StickerPayload) Kind() MessageType      { return MessageTypeSticker }
func (ContactPayload) Kind() MessageType      { return MessageTypeContact }
func (LocationPayload) Kind() MessageType     { return MessageTypeLocation }
func (PollPayload) Kind() MessageType         { return MessageTypePoll }
func (ButtonPayload) Kind() MessageType       { return MessageTypeButton }
func (TemplatePayload) Kind() MessageType     { return MessageTypeTemplate }
func (ListPayload) Kind() MessageType         { return MessageTypeList }
func (UnknownPayload) Kind() MessageType      { return MessageTypeUnknown }

func (TextPayload) isPayload()         {}
func (ExtendedTextPayload) isPayload() {}
func (ImagePayload) isPayload()        {}
func (VideoPayload) isPayload()        {}
func (AudioPayload) isPayload()        {}
func (DocumentPayload) isPayload()     {}
func (StickerPayload) isPayload()      {}
func (ContactPayload) isPayload()      {}
func (LocationPayload) isPayload()     {}
func (PollPayload) isPayload()         {}
func (ButtonPayload) isPayload()       {}
func (TemplatePayload) isPayload()     {}
func (ListPayload) isPayload()         {}
func (UnknownPayload) isPayload()      {}
