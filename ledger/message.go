// ABOUTME: Conversation message model for the transcript ledger.
// ABOUTME: Defines Message, Role, and File types plus constructors with ULID ids.

package ledger

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// File describes an attachment carried by a user message. The ledger never
// reads file contents; it only records what was attached.
type File struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Message is a single transcript entry. A message is mutable only while
// IsStreaming is true; once the stream finishes it is immutable.
type Message struct {
	ID              string            `json:"id"`
	Role            Role              `json:"role"`
	Content         string            `json:"content"`
	Timestamp       time.Time         `json:"timestamp"`
	IsStreaming     bool              `json:"is_streaming"`
	StreamingStatus string            `json:"streaming_status,omitempty"`
	Processed       bool              `json:"processed"`
	Files           []File            `json:"files,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewID generates a lexically sortable message id using crypto/rand entropy.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewUserMessage builds an unprocessed user message with a fresh id.
func NewUserMessage(content string, files []File) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		Files:     files,
	}
}

// NewAssistantMessage builds a finalized assistant message with a fresh id.
// Used for error surfacing and widget artifacts; streamed replies are created
// through Ledger.BeginStreaming instead.
func NewAssistantMessage(content string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// clone returns a copy of the message with its own Files and Metadata so
// snapshot consumers cannot mutate ledger state through aliasing.
func (m Message) clone() Message {
	c := m
	if m.Files != nil {
		c.Files = make([]File, len(m.Files))
		copy(c.Files, m.Files)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
