// Package bus decouples chat channels from the agent. Channels publish
// inbound messages; the agent consumes them one at a time and publishes
// replies, which the outbound dispatcher routes back to the channel
// that owns them.
package bus

import "time"

// Message types carried in [OutboundMessage.MessageType].
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
	TypeFile  = "file"
)

// MediaAttachment is a file or link delivered alongside a reply.
type MediaAttachment struct {
	Type     string `json:"type"` // image, video or file
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// InboundMessage is a message received from a chat channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	// Media holds local paths of downloaded attachments.
	Media    []string
	Metadata map[string]any
}

// SessionKey identifies the conversation this message belongs to.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// MetadataString returns a metadata value as a string, or "" when the
// key is missing or not a string.
func (m InboundMessage) MetadataString(key string) string {
	s, _ := m.Metadata[key].(string)
	return s
}

// OutboundMessage is a message to send to a chat channel.
type OutboundMessage struct {
	Channel     string
	ChatID      string
	Content     string
	MessageType string
	ReplyTo     string
	Attachments []MediaAttachment
	Metadata    map[string]any
}
