package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types with special meaning to peers.
const (
	MessageGeneric    = "generic"
	MessageBroadcast  = "broadcast"
	MessagePing       = "ping"
	MessageDisconnect = "disconnect"
)

// Message is the envelope exchanged between agents over a mediator. An empty
// RecipientID marks a broadcast. Messages are not modified after creation.
type Message struct {
	ID            string         `json:"id"`
	SenderID      string         `json:"sender_id"`
	RecipientID   string         `json:"recipient_id,omitempty"`
	Type          string         `json:"type"`
	Content       any            `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	TTL           time.Duration  `json:"ttl,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// NewMessageID returns a fresh id: creation time in milliseconds plus a
// random suffix. Ids are unique enough to correlate replies but carry no
// global order.
func NewMessageID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), suffix)
}

// NewMessage builds a message from sender to recipient. The message type is
// taken from a "type" string field when content is a map, else fallbackType.
func NewMessage(senderID, recipientID string, content any, fallbackType string) Message {
	return Message{
		ID:          NewMessageID(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Type:        MessageType(content, fallbackType),
		Content:     content,
		Timestamp:   time.Now(),
	}
}

// MessageType extracts the "type" field of a map payload.
func MessageType(content any, fallback string) string {
	if m, ok := content.(map[string]any); ok {
		if t, ok := m["type"].(string); ok && t != "" {
			return t
		}
	}
	return fallback
}

// IsBroadcast reports whether the message has no single recipient.
func (m Message) IsBroadcast() bool { return m.RecipientID == "" }

// Expired reports whether the message TTL has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.Timestamp.Add(m.TTL))
}

// Reply is the response a peer sends back for a delivered message.
type Reply struct {
	MessageID string `json:"message_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}
