// Package adapter implements the adapter role: payload conversion between
// named formats and a per-service client cache.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sekia-ai/relay/pkg/coordination"
)

// Hooks are supplied by a concrete adapter.
type Hooks interface {
	// CreateServiceClient builds the client for a handled service name.
	CreateServiceClient(ctx context.Context, name string) (any, error)
	// Adapt converts payload from the source format to the target format.
	Adapt(ctx context.Context, payload any, source, target string) (any, error)
	// CheckCompatibility reports whether source can be converted to target.
	CheckCompatibility(source, target string) bool
}

// Decoder is implemented by hooks that can parse a payload of the source
// format once, ahead of conversion. Coordinate then runs any transform on
// the decoded value and hands it to Adapt wrapped in Decoded.
type Decoder interface {
	Decode(ctx context.Context, payload any, source string) (any, error)
}

// Decoded carries a payload that has already been decoded from its source
// format. Adapt hooks must not decode it again.
type Decoded struct {
	Value any
}

// Pinger is implemented by clients that can be pinged for health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Adapter converts payloads and caches service clients keyed by name.
type Adapter struct {
	*coordination.Base

	hooks   Hooks
	clients *coordination.Table[string, any]
	group   singleflight.Group
}

// New creates an Adapter. The identity kind is always adapter.
func New(identity coordination.Identity, opts coordination.Options, hooks Hooks, logger zerolog.Logger) *Adapter {
	identity.Kind = coordination.KindAdapter
	a := &Adapter{
		hooks:   hooks,
		clients: coordination.NewTable[string, any](),
	}
	a.Base = coordination.NewBase(identity, opts, a, logger)
	return a
}

// CheckCompatibility reports whether source can be converted to target.
func (a *Adapter) CheckCompatibility(source, target string) bool {
	return a.hooks.CheckCompatibility(source, target)
}

// Adapt converts payload after checking the pair is compatible.
func (a *Adapter) Adapt(ctx context.Context, payload any, source, target string) (any, error) {
	if !a.hooks.CheckCompatibility(source, target) {
		return nil, fmt.Errorf("%w: %s to %s", coordination.ErrIncompatibleFormats, source, target)
	}
	return a.hooks.Adapt(ctx, payload, source, target)
}

// Client returns the cached client for name, creating it on first use.
// Concurrent first calls for the same name share one creation.
func (a *Adapter) Client(ctx context.Context, name string) (any, error) {
	if !a.CanHandle(name) {
		return nil, fmt.Errorf("%w: %s", coordination.ErrUnsupportedService, name)
	}
	if c, ok := a.clients.Get(name); ok {
		return c, nil
	}

	v, err, _ := a.group.Do(name, func() (any, error) {
		if c, ok := a.clients.Get(name); ok {
			return c, nil
		}
		c, err := a.hooks.CreateServiceClient(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create client %s: %w", name, err)
		}
		a.clients.Set(name, c)
		a.Logger().Debug().Str("service", name).Msg("service client created")
		return c, nil
	})
	return v, err
}

// Coordinate converts payload from sources[0] into every target format.
// Conversion is all-or-nothing: one incompatible pair or one failed
// conversion fails the whole call and no partial results are returned.
// A panicking hook is reported as an error result.
func (a *Adapter) Coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	return a.Guard(func() coordination.Result {
		return a.coordinate(ctx, sources, targets, payload)
	})
}

func (a *Adapter) coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	if err := coordination.ValidateRequest(sources, targets, payload); err != nil {
		return a.ErrorResult(err, nil)
	}
	source := sources[0]

	for _, target := range targets {
		if !a.hooks.CheckCompatibility(source, target) {
			return a.ErrorResult(
				fmt.Errorf("%w: %s to %s", coordination.ErrIncompatibleFormats, source, target),
				map[string]any{"source": source, "target": target})
		}
	}

	dec, decodes := a.hooks.(Decoder)
	if decodes {
		value, err := dec.Decode(ctx, payload, source)
		if err != nil {
			return a.ErrorResult(fmt.Errorf("decode %s payload: %w", source, err), map[string]any{"source": source})
		}
		payload = value
	}

	if tr, ok := a.hooks.(coordination.Transformer); ok {
		transformed, err := tr.TransformData(ctx, payload)
		if err != nil {
			return a.ErrorResult(fmt.Errorf("transform payload: %w", err), map[string]any{"source": source})
		}
		payload = transformed
	}

	input := payload
	if decodes {
		input = Decoded{Value: payload}
	}

	results := make(map[string]any, len(targets))
	for _, target := range targets {
		if _, done := results[target]; done {
			continue
		}
		out, err := coordination.WithRetry(ctx, a.Base, func(ctx context.Context) (any, error) {
			return a.hooks.Adapt(ctx, input, source, target)
		})
		if err != nil {
			return a.ErrorResult(fmt.Errorf("adapt %s to %s: %w", source, target, err),
				map[string]any{"source": source, "target": target})
		}
		results[target] = out
	}

	return a.SuccessResult(results,
		fmt.Sprintf("adapted %s into %d formats", source, len(results)),
		map[string]any{"source": source})
}

// CheckConnections reports one service entry per cached client. Clients
// implementing Pinger are pinged; the rest are assumed connected.
func (a *Adapter) CheckConnections(ctx context.Context) (coordination.ConnectionStatus, error) {
	clients := a.clients.Snapshot()
	status := coordination.ConnectionStatus{
		Connected: true,
		Services:  make(map[string]coordination.ServiceStatus, len(clients)),
	}
	for name, c := range clients {
		svc := coordination.ServiceStatus{Connected: true}
		if p, ok := c.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				svc.Connected = false
				svc.Error = err.Error()
				status.Connected = false
			}
		}
		status.Services[name] = svc
	}
	return status, nil
}

// CloseConnections drops every cached client, closing those that implement
// io.Closer. Every client is attempted.
func (a *Adapter) CloseConnections(context.Context) error {
	var errs []error
	for name, c := range a.clients.Drain() {
		closer, ok := c.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
