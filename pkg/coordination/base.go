package coordination

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Base carries the state and behaviour common to every role. Roles embed a
// *Base and hand it their Lifecycle; Base never knows which role it serves.
type Base struct {
	identity  Identity
	lifecycle Lifecycle
	logger    zerolog.Logger

	mu     sync.RWMutex
	opts   Options
	status ConnectionStatus

	now func() time.Time
}

// NewBase creates a Base for identity, merging opts over DefaultOptions.
func NewBase(identity Identity, opts Options, lc Lifecycle, logger zerolog.Logger) *Base {
	identity.Capabilities = copyStrings(identity.Capabilities)
	return &Base{
		identity:  identity,
		lifecycle: lc,
		logger: logger.With().
			Str("agent", identity.ID).
			Str("kind", string(identity.Kind)).
			Logger(),
		opts: DefaultOptions().Merge(opts),
		now:  time.Now,
	}
}

// Identity returns a copy of the agent's identity.
func (b *Base) Identity() Identity {
	id := b.identity
	id.Capabilities = copyStrings(b.identity.Capabilities)
	return id
}

// ID returns the agent id.
func (b *Base) ID() string { return b.identity.ID }

// Logger returns the agent-scoped logger.
func (b *Base) Logger() *zerolog.Logger { return &b.logger }

// Options returns a copy of the current options.
func (b *Base) Options() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts.clone()
}

// CanHandle reports whether serviceType is a declared capability.
func (b *Base) CanHandle(serviceType string) bool {
	return slices.Contains(b.identity.Capabilities, serviceType)
}

// SupportedServices returns the declared capabilities.
func (b *Base) SupportedServices() []string {
	return copyStrings(b.identity.Capabilities)
}

// Status returns the last cached connection status.
func (b *Base) Status() ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.clone()
}

// CheckConnectionStatus checks the role's connections and replaces the cached
// status. On failure the cached status becomes disconnected and the error is
// returned wrapped.
func (b *Base) CheckConnectionStatus(ctx context.Context) (ConnectionStatus, error) {
	status, err := b.lifecycle.CheckConnections(ctx)
	if err != nil {
		b.mu.Lock()
		b.status = ConnectionStatus{Connected: false, LastChecked: b.now()}
		b.mu.Unlock()
		return ConnectionStatus{}, fmt.Errorf("check connections of %s: %w", b.identity.ID, err)
	}
	if status.LastChecked.IsZero() {
		status.LastChecked = b.now()
	}

	b.mu.Lock()
	b.status = status.clone()
	b.mu.Unlock()
	return status, nil
}

// Initialize merges opts into the current options and runs a best-effort
// connection check. A failed check is logged; the agent starts disconnected.
func (b *Base) Initialize(ctx context.Context, opts ...Options) error {
	b.mu.Lock()
	for _, o := range opts {
		b.opts = b.opts.Merge(o)
	}
	b.mu.Unlock()

	if _, err := b.CheckConnectionStatus(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("initial connection check failed, starting disconnected")
		return nil
	}
	b.logger.Info().Msg("agent initialized")
	return nil
}

// Shutdown closes the role's connections and resets the cached status.
// Close errors are logged and never returned.
func (b *Base) Shutdown(ctx context.Context) {
	if err := b.lifecycle.CloseConnections(ctx); err != nil {
		b.logger.Error().Err(err).Msg("close connections")
	}
	b.mu.Lock()
	b.status = ConnectionStatus{Connected: false}
	b.mu.Unlock()
	b.logger.Info().Msg("agent shut down")
}

// SuccessResult builds a successful Result stamped with timestamp and agent id.
func (b *Base) SuccessResult(data any, message string, metadata map[string]any) Result {
	return Result{
		Success:  true,
		Data:     data,
		Message:  message,
		Metadata: b.stamp(metadata),
	}
}

// ErrorResult builds a failed Result. The error text is never empty and the
// metadata also carries the error's taxonomy name.
func (b *Base) ErrorResult(err error, metadata map[string]any) Result {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}
	md := b.stamp(metadata)
	if _, ok := md[MetaErrorName]; !ok {
		md[MetaErrorName] = ErrorName(err)
	}
	return Result{
		Success:  false,
		Error:    err.Error(),
		Metadata: md,
	}
}

// Finalize stamps a Result built elsewhere (by a hook or Aggregate) so it
// satisfies the same invariants as SuccessResult and ErrorResult.
func (b *Base) Finalize(r Result) Result {
	md := b.stamp(r.Metadata)
	if !r.Success {
		if r.Error == "" {
			r.Error = "unknown error"
		}
		if _, ok := md[MetaErrorName]; !ok {
			md[MetaErrorName] = "Error"
		}
	}
	r.Metadata = md
	return r
}

func (b *Base) stamp(metadata map[string]any) map[string]any {
	md := make(map[string]any, len(metadata)+3)
	md[MetaTimestamp] = b.now().UTC().Format(time.RFC3339Nano)
	md[MetaAgentID] = b.identity.ID
	maps.Copy(md, metadata)
	return md
}
