package mediator

import (
	"time"

	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/protocol"
)

// Options extends the shared options with message routing settings.
type Options struct {
	coordination.Options `mapstructure:",squash"`

	// QueueSize bounds the message history. Zero selects 100.
	QueueSize int `mapstructure:"queue_size"`
	// HeartbeatInterval runs a periodic connection check. Zero disables it.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// MessageExpiration is the TTL stamped on every message. Zero means
	// messages never expire.
	MessageExpiration time.Duration `mapstructure:"message_expiration"`
}

const defaultQueueSize = 100

// Filter selects broadcast recipients. A nil Filter selects every agent.
type Filter func(protocol.AgentRecord) bool

// WithCapability selects agents declaring capability.
func WithCapability(capability string) Filter {
	return func(r protocol.AgentRecord) bool { return r.HasCapability(capability) }
}

// CommunicationResult is the per-pair outcome of a mediated fan-out.
type CommunicationResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Response  any       `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BroadcastSummary reports a best-effort broadcast.
type BroadcastSummary struct {
	MessageID string            `json:"message_id"`
	Delivered []string          `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}
