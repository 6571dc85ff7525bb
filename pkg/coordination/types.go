// Package coordination defines the contract shared by every relay agent role:
// identity, options, connection health, the uniform Result shape, the retry
// primitive and fan-out aggregation.
package coordination

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Kind names one of the four agent roles.
type Kind string

const (
	KindAdapter  Kind = "adapter"
	KindBridge   Kind = "bridge"
	KindMediator Kind = "mediator"
	KindRegistry Kind = "registry"
)

// Identity is the immutable description of an agent.
type Identity struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Options holds the settings shared by all roles.
//
// In Merge a zero field means "not set" and keeps the base value. Timeout
// and RetryDelay accept a negative value to set them to zero explicitly:
// no per-attempt timeout and no delay between attempts.
type Options struct {
	Timeout       time.Duration  `mapstructure:"timeout"`
	MaxRetries    int            `mapstructure:"max_retries"`
	RetryDelay    time.Duration  `mapstructure:"retry_delay"`
	Parallelism   int            `mapstructure:"parallelism"`
	ServiceConfig map[string]any `mapstructure:"service_config"`
}

// NoDuration explicitly disables a Timeout or RetryDelay in Merge.
const NoDuration time.Duration = -1

// DefaultOptions returns the baseline every agent starts from.
func DefaultOptions() Options {
	return Options{
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		RetryDelay:  time.Second,
		Parallelism: 1,
	}
}

// Merge returns o with every non-zero field of override applied.
// ServiceConfig entries are merged key by key.
func (o Options) Merge(override Options) Options {
	out := o
	out.Timeout = mergeDuration(o.Timeout, override.Timeout)
	if override.MaxRetries != 0 {
		out.MaxRetries = override.MaxRetries
	}
	out.RetryDelay = mergeDuration(o.RetryDelay, override.RetryDelay)
	if override.Parallelism != 0 {
		out.Parallelism = override.Parallelism
	}
	if len(o.ServiceConfig) > 0 || len(override.ServiceConfig) > 0 {
		out.ServiceConfig = make(map[string]any, len(o.ServiceConfig)+len(override.ServiceConfig))
		maps.Copy(out.ServiceConfig, o.ServiceConfig)
		maps.Copy(out.ServiceConfig, override.ServiceConfig)
	}
	return out
}

func mergeDuration(base, override time.Duration) time.Duration {
	switch {
	case override < 0:
		return 0
	case override > 0:
		return override
	}
	return base
}

func (o Options) clone() Options {
	out := o
	if o.ServiceConfig != nil {
		out.ServiceConfig = maps.Clone(o.ServiceConfig)
	}
	return out
}

// ServiceStatus is the health of one service, connection or peer.
type ServiceStatus struct {
	Connected   bool      `json:"connected"`
	LastChecked time.Time `json:"last_checked"`
	Error       string    `json:"error,omitempty"`
}

// ConnectionStatus is an agent's view of everything it talks to.
type ConnectionStatus struct {
	Connected   bool                     `json:"connected"`
	Services    map[string]ServiceStatus `json:"services,omitempty"`
	LastChecked time.Time                `json:"last_checked"`
}

func (s ConnectionStatus) clone() ConnectionStatus {
	out := s
	if s.Services != nil {
		out.Services = maps.Clone(s.Services)
	}
	return out
}

// Result is the uniform return of every Coordinate call.
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Metadata keys stamped on every Result.
const (
	MetaTimestamp = "timestamp"
	MetaAgentID   = "agent_id"
	MetaErrorName = "error_name"
	MetaResults   = "results"
)

// Agent is the surface every role exposes to orchestrating callers.
type Agent interface {
	Identity() Identity
	Coordinate(ctx context.Context, sources, targets []string, payload any) Result
	CanHandle(serviceType string) bool
	SupportedServices() []string
	CheckConnectionStatus(ctx context.Context) (ConnectionStatus, error)
	Status() ConnectionStatus
	Initialize(ctx context.Context, opts ...Options) error
	Shutdown(ctx context.Context)
}

// Lifecycle is implemented by each role and driven by Base.
type Lifecycle interface {
	CheckConnections(ctx context.Context) (ConnectionStatus, error)
	CloseConnections(ctx context.Context) error
}

// Transformer is implemented by agents or hooks that can reshape a payload.
// It is optional; callers discover it with a type assertion.
type Transformer interface {
	TransformData(ctx context.Context, data any) (any, error)
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return slices.Clone(in)
}
