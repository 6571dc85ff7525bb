package bridge

import (
	"maps"
	"time"

	"github.com/sekia-ai/relay/pkg/coordination"
)

// Supported endpoint types.
const (
	TypeRESTAPI      = "rest-api"
	TypeDatabase     = "database"
	TypeMessageQueue = "message-queue"
	TypeFileSystem   = "file-system"
)

// SystemEndpoint describes one external system a bridge can connect to.
type SystemEndpoint struct {
	ID          string            `json:"id" mapstructure:"id"`
	Type        string            `json:"type" mapstructure:"type"`
	URI         string            `json:"uri" mapstructure:"uri"`
	Credentials map[string]string `json:"credentials,omitempty" mapstructure:"credentials"`
	Options     map[string]any    `json:"options,omitempty" mapstructure:"options"`
}

// Redacted returns a copy of the endpoint without credentials.
func (e SystemEndpoint) Redacted() SystemEndpoint {
	e.Credentials = nil
	e.Options = maps.Clone(e.Options)
	return e
}

// State is the lifecycle state of a Connection.
type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateError    State = "error"
)

// Connection is an open link between two endpoints. Handle holds the
// transport object of the concrete bridge and is never serialized.
type Connection struct {
	ID        string         `json:"id"`
	Source    SystemEndpoint `json:"source"`
	Target    SystemEndpoint `json:"target"`
	Status    State          `json:"status"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Handle any `json:"-"`
}

// Redacted returns a snapshot safe to hand to callers: no credentials on
// either endpoint and no transport handle.
func (c Connection) Redacted() Connection {
	c.Source = c.Source.Redacted()
	c.Target = c.Target.Redacted()
	c.Metadata = maps.Clone(c.Metadata)
	c.Handle = nil
	return c
}

// TransferResult is the outcome of one transfer or synchronization.
type TransferResult struct {
	Success          bool           `json:"success"`
	Data             any            `json:"data,omitempty"`
	Error            string         `json:"error,omitempty"`
	BytesTransferred int64          `json:"bytes_transferred,omitempty"`
	ItemsTransferred int            `json:"items_transferred,omitempty"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time"`
	Duration         time.Duration  `json:"duration"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Options extends the shared options with transfer limits.
type Options struct {
	coordination.Options `mapstructure:",squash"`

	// BufferSize caps the JSON-encoded payload size of a transfer in bytes.
	// Zero means unlimited.
	BufferSize int `mapstructure:"buffer_size"`
	// TransactionTimeout bounds a single transfer or synchronization.
	// Zero leaves the caller's context as is.
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
}
