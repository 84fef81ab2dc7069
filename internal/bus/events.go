package bus

import (
	"time"
)

// Telegram chat types carried in InboundMessage.ChatType.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

type InboundMessage struct {
	Channel   string
	SenderID  string
	Username  string
	ChatID    string
	ChatType  string
	MessageID int
	Content   string
	Timestamp time.Time
	// Photos holds file ids of the attached photo sizes, largest last.
	Photos []string
	// ReplyPhotos holds the photo file ids of the message being replied to.
	ReplyPhotos []string
	IsReply     bool
	// Voice is the file id of an attached voice note.
	Voice    string
	Metadata map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// IsCommand reports whether the text starts with a slash.
func (m *InboundMessage) IsCommand() bool {
	return len(m.Content) > 0 && m.Content[0] == '/'
}

// LargestPhoto returns the biggest attached photo, or "" if there is none.
func (m *InboundMessage) LargestPhoto() string {
	if len(m.Photos) == 0 {
		return ""
	}
	return m.Photos[len(m.Photos)-1]
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string
	// Media holds photo URLs to deliver. Content becomes the caption of the first.
	Media    []string
	Metadata map[string]any
}
