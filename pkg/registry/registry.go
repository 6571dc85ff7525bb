// Package registry implements the registry role: a discoverable catalogue
// of agents and coordination across resolved agent sets.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/protocol"
)

// DefaultOperation names the operation when the payload does not carry one.
const DefaultOperation = "coordinate"

// Hooks are supplied by a concrete registry.
type Hooks interface {
	Register(ctx context.Context, agent protocol.AgentRecord, metadata map[string]any) (string, error)
	Discover(ctx context.Context, criteria Criteria) ([]protocol.AgentRecord, error)
	RefreshCache(ctx context.Context) error
	// GetAgentByID returns nil when the id is unknown.
	GetAgentByID(ctx context.Context, id string) (*protocol.AgentRecord, error)
	IsRegistryAvailable(ctx context.Context) (bool, error)
	CoordinateAgents(ctx context.Context, sources, targets []protocol.AgentRecord, operation string, payload any) (coordination.Result, error)
}

// Options extends the shared options with cache refresh settings.
type Options struct {
	coordination.Options `mapstructure:",squash"`

	AutoRefresh     bool          `mapstructure:"auto_refresh"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Registry resolves agent ids before delegating multi-agent operations.
type Registry struct {
	*coordination.Base

	hooks Hooks

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Registry. With AutoRefresh and a positive RefreshInterval,
// a background loop refreshes the cache until shutdown.
func New(identity coordination.Identity, opts Options, hooks Hooks, logger zerolog.Logger) *Registry {
	identity.Kind = coordination.KindRegistry
	r := &Registry{hooks: hooks}
	r.Base = coordination.NewBase(identity, opts.Options, r, logger)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if opts.AutoRefresh && opts.RefreshInterval > 0 {
		r.wg.Add(1)
		go r.refreshLoop(ctx, opts.RefreshInterval)
	}
	return r
}

func (r *Registry) refreshLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.hooks.RefreshCache(ctx); err != nil {
				r.Logger().Warn().Err(err).Msg("cache refresh failed")
			}
		}
	}
}

// Register records agent in the catalogue and returns its id.
func (r *Registry) Register(ctx context.Context, agent protocol.AgentRecord, metadata map[string]any) (string, error) {
	if agent.ID == "" && agent.Name == "" {
		return "", fmt.Errorf("%w: agent id or name is required", coordination.ErrValidation)
	}
	id, err := r.hooks.Register(ctx, agent, metadata)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", agent.ID, err)
	}
	r.Logger().Info().Str("peer", id).Msg("agent catalogued")
	return id, nil
}

// Discover returns every catalogued agent matching criteria.
func (r *Registry) Discover(ctx context.Context, criteria Criteria) ([]protocol.AgentRecord, error) {
	agents, err := r.hooks.Discover(ctx, criteria)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	return agents, nil
}

// Coordinate resolves every source and target id, then hands both agent
// sets to the CoordinateAgents hook. The first id that does not resolve
// fails the whole call and the hook is not called.
// A panicking hook is reported as an error result.
func (r *Registry) Coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	return r.Guard(func() coordination.Result {
		return r.coordinate(ctx, sources, targets, payload)
	})
}

func (r *Registry) coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	if err := coordination.ValidateRequest(sources, targets, payload); err != nil {
		return r.ErrorResult(err, nil)
	}

	sourceAgents, err := r.resolveAll(ctx, sources)
	if err != nil {
		return r.resolutionError(err)
	}
	targetAgents, err := r.resolveAll(ctx, targets)
	if err != nil {
		return r.resolutionError(err)
	}

	operation := OperationOf(payload)
	res, err := r.hooks.CoordinateAgents(ctx, sourceAgents, targetAgents, operation, payload)
	if err != nil {
		return r.ErrorResult(fmt.Errorf("%s: %w", operation, err), map[string]any{"operation": operation})
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	if _, ok := res.Metadata["operation"]; !ok {
		res.Metadata["operation"] = operation
	}
	return r.Finalize(res)
}

// OperationOf returns payload["operation"] for map payloads, else
// DefaultOperation.
func OperationOf(payload any) string {
	if m, ok := payload.(map[string]any); ok {
		if op, ok := m["operation"].(string); ok && op != "" {
			return op
		}
	}
	return DefaultOperation
}

type unresolvedError struct {
	id  string
	err error
}

func (e *unresolvedError) Error() string { return e.err.Error() }
func (e *unresolvedError) Unwrap() error { return e.err }

func (r *Registry) resolutionError(err error) coordination.Result {
	md := map[string]any{}
	if ue, ok := err.(*unresolvedError); ok {
		md["unresolved_id"] = ue.id
	}
	return r.ErrorResult(err, md)
}

func (r *Registry) resolveAll(ctx context.Context, ids []string) ([]protocol.AgentRecord, error) {
	out := make([]protocol.AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := coordination.WithRetry(ctx, r.Base, func(ctx context.Context) (*protocol.AgentRecord, error) {
			rec, err := r.hooks.GetAgentByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, fmt.Errorf("%w: agent %s", coordination.ErrResolution, id)
			}
			return rec, nil
		})
		if err != nil {
			return nil, &unresolvedError{id: id, err: fmt.Errorf("resolve %s: %w", id, err)}
		}
		out = append(out, *rec)
	}
	return out, nil
}

// CheckConnections checks catalogue reachability once. The single service
// entry is "registry".
func (r *Registry) CheckConnections(ctx context.Context) (coordination.ConnectionStatus, error) {
	ok, err := r.hooks.IsRegistryAvailable(ctx)
	svc := coordination.ServiceStatus{Connected: ok && err == nil, LastChecked: time.Now()}
	if err != nil {
		svc.Error = err.Error()
	}
	return coordination.ConnectionStatus{
		Connected: svc.Connected,
		Services:  map[string]coordination.ServiceStatus{"registry": svc},
	}, nil
}

// CloseConnections stops the refresh loop.
func (r *Registry) CloseConnections(context.Context) error {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
	return nil
}
