// Package endpoints is the concrete bridge used by relayd. It moves
// payloads between configured systems over HTTP, core NATS, JetStream and
// the local file system.
package endpoints

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/bridge"
	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/protocol"
)

// Transport schemes recognized in endpoint URIs.
const (
	SchemeHTTP      = "http"
	SchemeHTTPS     = "https"
	SchemeNATS      = "nats"
	SchemeJetStream = "jetstream"
	SchemeFile      = "file"
)

// Config wires the transports available to endpoints.
type Config struct {
	Systems []bridge.SystemEndpoint

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// NATS backs nats: endpoints; JetStream backs jetstream: endpoints.
	NATS      *nats.Conn
	JetStream jetstream.JetStream
}

// sink receives envelopes on the target side of a connection.
type sink interface {
	Send(ctx context.Context, env protocol.Envelope) (int64, error)
	Ping(ctx context.Context) error
}

// source provides data on the source side of a synchronization.
type source interface {
	Fetch(ctx context.Context, dataType string) (any, error)
}

// link is the Handle of connections opened by Endpoints.
type link struct {
	sink   sink
	scheme string
}

// Endpoints implements bridge.Hooks over the configured systems.
type Endpoints struct {
	systems map[string]bridge.SystemEndpoint
	http    *http.Client
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  zerolog.Logger
}

var _ bridge.Hooks = (*Endpoints)(nil)

// New validates the configured systems and returns Endpoints.
func New(cfg Config, logger zerolog.Logger) (*Endpoints, error) {
	e := &Endpoints{
		systems: make(map[string]bridge.SystemEndpoint, len(cfg.Systems)),
		http:    cfg.HTTPClient,
		nc:      cfg.NATS,
		js:      cfg.JetStream,
		logger:  logger.With().Str("component", "endpoints").Logger(),
	}
	if e.http == nil {
		e.http = &http.Client{Timeout: 30 * time.Second}
	}
	for _, sys := range cfg.Systems {
		if sys.ID == "" {
			return nil, fmt.Errorf("system without id (uri %q)", sys.URI)
		}
		if _, dup := e.systems[sys.ID]; dup {
			return nil, fmt.Errorf("duplicate system id %q", sys.ID)
		}
		if _, err := parseURI(sys.URI); err != nil {
			return nil, fmt.Errorf("system %s: %w", sys.ID, err)
		}
		e.systems[sys.ID] = sys
	}
	e.logger.Info().Int("systems", len(e.systems)).Msg("endpoints loaded")
	return e, nil
}

func parseURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeNATS, SchemeJetStream, SchemeFile:
		return u, nil
	case "":
		return nil, fmt.Errorf("uri %q has no scheme", raw)
	}
	return nil, fmt.Errorf("%w: scheme %q", coordination.ErrUnsupportedService, u.Scheme)
}

// Systems returns the ids of every configured system.
func (e *Endpoints) Systems() []string {
	ids := make([]string, 0, len(e.systems))
	for id := range e.systems {
		ids = append(ids, id)
	}
	return ids
}

func (e *Endpoints) ResolveSystemEndpoint(_ context.Context, id string) (bridge.SystemEndpoint, error) {
	sys, ok := e.systems[id]
	if !ok {
		return bridge.SystemEndpoint{}, fmt.Errorf("%w: system %s", coordination.ErrResolution, id)
	}
	return sys, nil
}

// Connect checks that target accepts data and returns an open connection.
func (e *Endpoints) Connect(ctx context.Context, src, tgt bridge.SystemEndpoint) (bridge.Connection, error) {
	u, err := parseURI(tgt.URI)
	if err != nil {
		return bridge.Connection{}, err
	}
	s, err := e.sinkFor(u, tgt)
	if err != nil {
		return bridge.Connection{}, err
	}
	if err := s.Ping(ctx); err != nil {
		return bridge.Connection{}, fmt.Errorf("reach %s: %w", tgt.ID, err)
	}
	return bridge.Connection{
		Source:   src,
		Target:   tgt,
		Status:   bridge.StateActive,
		Metadata: map[string]any{"transport": u.Scheme},
		Handle:   &link{sink: s, scheme: u.Scheme},
	}, nil
}

func (e *Endpoints) sinkFor(u *url.URL, sys bridge.SystemEndpoint) (sink, error) {
	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return newHTTPEndpoint(e.http, u, sys), nil
	case SchemeNATS:
		if e.nc == nil {
			return nil, fmt.Errorf("%w: no nats connection configured", coordination.ErrUnavailable)
		}
		return newNATSSink(e.nc, u)
	case SchemeJetStream:
		if e.js == nil {
			return nil, fmt.Errorf("%w: jetstream is not enabled", coordination.ErrUnavailable)
		}
		return newJetStreamSink(e.js, u)
	case SchemeFile:
		return newFileEndpoint(u), nil
	}
	return nil, fmt.Errorf("%w: %s cannot receive data", coordination.ErrUnsupportedService, u.Scheme)
}

func (e *Endpoints) sourceFor(u *url.URL, sys bridge.SystemEndpoint) (source, error) {
	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return newHTTPEndpoint(e.http, u, sys), nil
	case SchemeFile:
		return newFileEndpoint(u), nil
	}
	return nil, fmt.Errorf("%w: %s cannot be read for synchronization", coordination.ErrUnsupportedService, u.Scheme)
}

// Transfer wraps data in an envelope and sends it to the connection target.
// The envelope takes the logical transfer id from ctx when the bridge set
// one, so every retry of a transfer carries the same envelope id.
func (e *Endpoints) Transfer(ctx context.Context, conn bridge.Connection, data any) (bridge.TransferResult, error) {
	l, ok := conn.Handle.(*link)
	if !ok {
		return bridge.TransferResult{}, fmt.Errorf("connection %s has no transport", conn.ID)
	}
	env := protocol.NewEnvelope(conn.ID, conn.Source.ID, conn.Target.ID, data)
	if id, ok := bridge.TransferID(ctx); ok {
		env.ID = id
	}
	n, err := l.sink.Send(ctx, env)
	if err != nil {
		return bridge.TransferResult{}, err
	}
	return bridge.TransferResult{
		Success:          true,
		BytesTransferred: n,
		ItemsTransferred: countItems(data),
		Metadata:         map[string]any{"envelope_id": env.ID, "transport": l.scheme},
	}, nil
}

// Synchronize fetches every data type from src and sends it to tgt. Each
// data type is attempted; the result fails if any did.
func (e *Endpoints) Synchronize(ctx context.Context, src, tgt bridge.SystemEndpoint, dataTypes []string) (bridge.TransferResult, error) {
	if len(dataTypes) == 0 {
		return bridge.TransferResult{}, fmt.Errorf("%w: no data types given", coordination.ErrValidation)
	}
	su, err := parseURI(src.URI)
	if err != nil {
		return bridge.TransferResult{}, err
	}
	from, err := e.sourceFor(su, src)
	if err != nil {
		return bridge.TransferResult{}, err
	}
	tu, err := parseURI(tgt.URI)
	if err != nil {
		return bridge.TransferResult{}, err
	}
	to, err := e.sinkFor(tu, tgt)
	if err != nil {
		return bridge.TransferResult{}, err
	}

	res := bridge.TransferResult{Success: true}
	perType := make(map[string]string, len(dataTypes))
	var errs []error
	for _, dt := range dataTypes {
		data, err := from.Fetch(ctx, dt)
		if err == nil {
			env := protocol.NewEnvelope("", src.ID, tgt.ID, data)
			env.DataType = dt
			var n int64
			n, err = to.Send(ctx, env)
			res.BytesTransferred += n
		}
		if err != nil {
			perType[dt] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", dt, err))
			continue
		}
		perType[dt] = "ok"
		res.ItemsTransferred += countItems(data)
	}
	res.Data = perType
	if err := errors.Join(errs...); err != nil {
		res.Success = false
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// OnCloseConnection releases idle transport resources.
func (e *Endpoints) OnCloseConnection(_ context.Context, conn bridge.Connection) error {
	if l, ok := conn.Handle.(*link); ok {
		if c, ok := l.sink.(interface{ Close() }); ok {
			c.Close()
		}
	}
	return nil
}

// ValidateConnection pings the connection target.
func (e *Endpoints) ValidateConnection(ctx context.Context, conn bridge.Connection) error {
	l, ok := conn.Handle.(*link)
	if !ok {
		return fmt.Errorf("connection %s has no transport", conn.ID)
	}
	return l.sink.Ping(ctx)
}

func countItems(data any) int {
	switch v := data.(type) {
	case nil:
		return 0
	case []any:
		return len(v)
	case []map[string]any:
		return len(v)
	}
	return 1
}
