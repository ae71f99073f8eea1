package domain

import "fmt"

// ChannelType identifies a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelWhatsApp ChannelType = "whatsapp"
)

// DirectionInbound marks messages that originated at the provider.
const DirectionInbound = "inbound"

// MaxAttachmentSize caps attachment downloads at 15 MiB. Base64 inflation
// makes anything larger too expensive to hold in memory as a data URL.
const MaxAttachmentSize = 15 * 1024 * 1024

// AttachmentType classifies an attachment for the consumer.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
)

// Attachment references a piece of media carried by a message. URL is an
// opaque provider-specific reference; it is only fetchable through the
// owning adapter's DownloadFile.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Filename string         `json:"filename,omitempty"`
}

// Sender identifies the author of an inbound message. Username and
// DisplayName are best-effort enrichments and may be filled in by a later
// re-emission of the same message ID.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Target identifies the conversation a reply must be sent to.
type Target struct {
	ID string `json:"id"`
}

// MessageContent holds the text and media of a message.
type MessageContent struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageMetadata carries context the consumer needs to decide whether to
// respond, mostly in group chats.
type MessageMetadata struct {
	ChatType      string `json:"chatType"`
	IsGroupChat   bool   `json:"isGroupChat"`
	HasBotMention bool   `json:"hasBotMention"`
	HasBotCommand bool   `json:"hasBotCommand"`
}

// ChannelMessage is the normalized inbound message every adapter produces.
// Immutable once constructed; enrichment replaces the whole message under
// the same ID.
type ChannelMessage struct {
	ID          string          `json:"id"`
	ChannelType ChannelType     `json:"channelType"`
	AccountID   string          `json:"channelAccountId"`
	ExternalID  string          `json:"externalMessageId"`
	Direction   string          `json:"direction"`
	From        Sender          `json:"from"`
	To          Target          `json:"to"`
	Content     MessageContent  `json:"content"`
	ThreadID    string          `json:"threadId,omitempty"`
	Timestamp   int64           `json:"timestamp"` // epoch milliseconds
	Metadata    MessageMetadata `json:"metadata"`
}

// MessageID derives the globally unique message ID. It is deterministic so
// consumers can detect re-delivery of the same provider message.
func MessageID(ct ChannelType, accountID, externalID string) string {
	return fmt.Sprintf("%s:%s:%s", ct, accountID, externalID)
}

// OutboundMessage is a reply the consumer wants delivered.
type OutboundMessage struct {
	To       Target `json:"to"`
	Text     string `json:"text"`
	ThreadID string `json:"threadId,omitempty"`
}

// SendResult reports the outcome of a single send. Failures are always
// captured here, never surfaced as panics or out-of-band errors.
type SendResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"externalId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FileData is a resolved attachment: inline bytes as a base64 data URL.
type FileData struct {
	DataURL  string `json:"dataUrl"`
	MimeType string `json:"mimeType"`
}
