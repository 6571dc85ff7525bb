package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a payload moved by a bridge onto a NATS subject.
type Envelope struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	DataType     string `json:"data_type,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Payload      any    `json:"payload"`
}

// NewEnvelope creates an Envelope with a generated ID and current timestamp.
func NewEnvelope(connectionID, source, target string, payload any) Envelope {
	return Envelope{
		ID:           "xfr_" + uuid.NewString(),
		ConnectionID: connectionID,
		Source:       source,
		Target:       target,
		Timestamp:    time.Now().Unix(),
		Payload:      payload,
	}
}
