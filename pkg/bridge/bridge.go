// Package bridge implements the bridge role: connections between pairs of
// external system endpoints and payload transfer over them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sekia-ai/relay/pkg/coordination"
)

// Hooks are supplied by a concrete bridge.
type Hooks interface {
	ResolveSystemEndpoint(ctx context.Context, id string) (SystemEndpoint, error)
	Connect(ctx context.Context, source, target SystemEndpoint) (Connection, error)
	Transfer(ctx context.Context, conn Connection, data any) (TransferResult, error)
	Synchronize(ctx context.Context, source, target SystemEndpoint, dataTypes []string) (TransferResult, error)
	OnCloseConnection(ctx context.Context, conn Connection) error
	ValidateConnection(ctx context.Context, conn Connection) error
}

// ErrNotActive is returned when a transfer targets a connection whose status
// is not active. It is a validation error and is not retried.
var ErrNotActive = fmt.Errorf("%w: connection not active", coordination.ErrValidation)

// Bridge tracks open connections and moves payloads across them.
type Bridge struct {
	*coordination.Base

	hooks       Hooks
	bufferSize  int
	txTimeout   time.Duration
	connections *coordination.Table[string, Connection]

	// pairConns maps PairKey(source, target) to the connection Coordinate
	// reuses for that pair.
	pairConns *coordination.Table[string, string]
	opening   singleflight.Group
}

type transferIDKey struct{}

// WithTransferID returns a context carrying id as the logical transfer id.
// Every attempt of one transfer runs under the same id.
func WithTransferID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, transferIDKey{}, id)
}

// TransferID returns the logical transfer id carried by ctx.
func TransferID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(transferIDKey{}).(string)
	return id, ok && id != ""
}

func ensureTransferID(ctx context.Context) (context.Context, string) {
	if id, ok := TransferID(ctx); ok {
		return ctx, id
	}
	id := "xfr_" + uuid.NewString()
	return WithTransferID(ctx, id), id
}

// New creates a Bridge. The identity kind is always bridge.
func New(identity coordination.Identity, opts Options, hooks Hooks, logger zerolog.Logger) *Bridge {
	identity.Kind = coordination.KindBridge
	b := &Bridge{
		hooks:       hooks,
		bufferSize:  opts.BufferSize,
		txTimeout:   opts.TransactionTimeout,
		connections: coordination.NewTable[string, Connection](),
		pairConns:   coordination.NewTable[string, string](),
	}
	b.Base = coordination.NewBase(identity, opts.Options, b, logger)
	return b
}

// Bridge resolves both system ids, opens a connection with retry and tracks
// it. The returned data carries the connection id and a redacted snapshot.
func (b *Bridge) Bridge(ctx context.Context, sourceID, targetID string, config map[string]any) coordination.Result {
	if sourceID == "" || targetID == "" {
		return b.ErrorResult(fmt.Errorf("%w: source and target system ids are required", coordination.ErrValidation), nil)
	}
	source, target, err := b.resolvePair(ctx, sourceID, targetID)
	if err != nil {
		return b.ErrorResult(err, map[string]any{"source": sourceID, "target": targetID})
	}
	conn, err := b.open(ctx, source, target, config)
	if err != nil {
		return b.ErrorResult(err, map[string]any{"source": sourceID, "target": targetID})
	}

	return b.SuccessResult(map[string]any{
		"connection_id": conn.ID,
		"connection":    conn.Redacted(),
	}, fmt.Sprintf("bridge %s established between %s and %s", conn.ID, sourceID, targetID),
		map[string]any{"connection_id": conn.ID})
}

// Connect opens a connection between two resolved endpoints through the hook
// without tracking it.
func (b *Bridge) Connect(ctx context.Context, source, target SystemEndpoint) (Connection, error) {
	return b.hooks.Connect(ctx, source, target)
}

// Transfer sends data over the tracked connection with the given id. The
// connection must be active. A transfer id already carried by ctx is kept,
// so a caller retrying one logical transfer can pass the same context.
func (b *Bridge) Transfer(ctx context.Context, connectionID string, data any) (TransferResult, error) {
	conn, ok := b.connections.Get(connectionID)
	if !ok {
		return TransferResult{}, fmt.Errorf("%w: connection %s", coordination.ErrResolution, connectionID)
	}
	return b.transfer(ctx, conn, data)
}

// Synchronize resolves both system ids and runs the synchronize hook for
// the given data types.
func (b *Bridge) Synchronize(ctx context.Context, sourceID, targetID string, dataTypes []string) (TransferResult, error) {
	source, target, err := b.resolvePair(ctx, sourceID, targetID)
	if err != nil {
		return TransferResult{}, err
	}
	ctx, cancel := b.transactionContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := b.hooks.Synchronize(ctx, source, target, dataTypes)
	fillTiming(&res, start)
	if err != nil {
		return res, fmt.Errorf("synchronize %s to %s: %w", sourceID, targetID, err)
	}
	return res, nil
}

// Coordinate transfers payload across every (source, target) pair. Each
// pair is resolved, connected and transferred independently with retry.
// One connection per pair is opened and reused by later calls while it
// stays active. Partial failure is reported as success with the failure
// ratio; only a fan-out where every pair failed is an error. A panicking
// hook is reported as an error result.
func (b *Bridge) Coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	return b.Guard(func() coordination.Result {
		return b.coordinate(ctx, sources, targets, payload)
	})
}

func (b *Bridge) coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	if err := coordination.ValidateRequest(sources, targets, payload); err != nil {
		return b.ErrorResult(err, nil)
	}

	results, failed := coordination.FanOut(ctx, sources, targets, b.Options().Parallelism,
		func(ctx context.Context, sourceID, targetID string) (TransferResult, bool) {
			res := b.coordinatePair(ctx, sourceID, targetID, payload)
			return res, res.Success
		},
		func(sourceID, targetID string, err error) TransferResult {
			b.Logger().Error().Err(err).Str("source", sourceID).Str("target", targetID).Msg("transfer panicked")
			now := time.Now()
			return TransferResult{Success: false, Error: err.Error(), StartTime: now, EndTime: now}
		})

	return b.Finalize(coordination.Aggregate("transfers", results, failed))
}

func (b *Bridge) coordinatePair(ctx context.Context, sourceID, targetID string, payload any) TransferResult {
	start := time.Now()
	fail := func(err error) TransferResult {
		b.Logger().Warn().Err(err).Str("source", sourceID).Str("target", targetID).Msg("transfer failed")
		res := TransferResult{Success: false, Error: err.Error()}
		fillTiming(&res, start)
		return res
	}

	source, target, err := b.resolvePair(ctx, sourceID, targetID)
	if err != nil {
		return fail(err)
	}
	conn, err := b.pairConnection(ctx, source, target)
	if err != nil {
		return fail(err)
	}
	ctx, _ = ensureTransferID(ctx)
	res, err := coordination.WithRetry(ctx, b.Base, func(ctx context.Context) (TransferResult, error) {
		return b.transfer(ctx, conn, payload)
	})
	if err != nil {
		return fail(err)
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any, 1)
	}
	res.Metadata["connection_id"] = conn.ID
	return res
}

func (b *Bridge) resolvePair(ctx context.Context, sourceID, targetID string) (SystemEndpoint, SystemEndpoint, error) {
	source, err := b.hooks.ResolveSystemEndpoint(ctx, sourceID)
	if err != nil {
		return SystemEndpoint{}, SystemEndpoint{}, fmt.Errorf("resolve source %s: %w", sourceID, err)
	}
	target, err := b.hooks.ResolveSystemEndpoint(ctx, targetID)
	if err != nil {
		return SystemEndpoint{}, SystemEndpoint{}, fmt.Errorf("resolve target %s: %w", targetID, err)
	}
	return source, target, nil
}

// pairConnection returns the active connection Coordinate keeps for the
// pair, replacing one that has gone inactive or failed. Concurrent callers
// for the same pair share one open.
func (b *Bridge) pairConnection(ctx context.Context, source, target SystemEndpoint) (Connection, error) {
	key := coordination.PairKey(source.ID, target.ID)
	v, err, _ := b.opening.Do(key, func() (any, error) {
		if id, ok := b.pairConns.Get(key); ok {
			if conn, ok := b.connections.Get(id); ok && conn.Status == StateActive {
				return conn, nil
			}
			b.CloseConnection(ctx, id)
		}
		conn, err := b.open(ctx, source, target, nil)
		if err != nil {
			return nil, err
		}
		b.pairConns.Set(key, conn.ID)
		return conn, nil
	})
	if err != nil {
		return Connection{}, err
	}
	return v.(Connection), nil
}

// open connects with retry and tracks the connection until it is closed.
func (b *Bridge) open(ctx context.Context, source, target SystemEndpoint, config map[string]any) (Connection, error) {
	conn, err := coordination.WithRetry(ctx, b.Base, func(ctx context.Context) (Connection, error) {
		return b.hooks.Connect(ctx, source, target)
	})
	if err != nil {
		return Connection{}, fmt.Errorf("connect %s to %s: %w", source.ID, target.ID, err)
	}

	now := time.Now()
	if conn.ID == "" {
		conn.ID = "conn_" + uuid.NewString()
	}
	if conn.Source.ID == "" {
		conn.Source = source
	}
	if conn.Target.ID == "" {
		conn.Target = target
	}
	if conn.Status == "" {
		conn.Status = StateActive
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if len(config) > 0 {
		md := make(map[string]any, len(conn.Metadata)+len(config))
		maps.Copy(md, conn.Metadata)
		maps.Copy(md, config)
		conn.Metadata = md
	}

	b.connections.Set(conn.ID, conn)
	b.Logger().Info().
		Str("connection", conn.ID).
		Str("source", source.ID).
		Str("target", target.ID).
		Msg("connection opened")
	return conn, nil
}

func (b *Bridge) transfer(ctx context.Context, conn Connection, data any) (TransferResult, error) {
	if cur, ok := b.connections.Get(conn.ID); ok {
		conn = cur
	}
	if conn.Status != StateActive {
		return TransferResult{}, fmt.Errorf("%w: %s is %s", ErrNotActive, conn.ID, conn.Status)
	}
	ctx, transferID := ensureTransferID(ctx)

	if b.bufferSize > 0 {
		encoded, err := json.Marshal(data)
		if err != nil {
			return TransferResult{}, fmt.Errorf("%w: payload is not encodable: %v", coordination.ErrValidation, err)
		}
		if len(encoded) > b.bufferSize {
			return TransferResult{}, fmt.Errorf("%w: payload of %d bytes exceeds buffer size %d",
				coordination.ErrValidation, len(encoded), b.bufferSize)
		}
	}

	ctx, cancel := b.transactionContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := b.hooks.Transfer(ctx, conn, data)
	fillTiming(&res, start)
	if err == nil && !res.Success {
		err = errors.New(res.Error)
		if res.Error == "" {
			err = errors.New("transfer reported failure")
		}
	}
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res, fmt.Errorf("transfer over %s: %w", conn.ID, err)
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any, 1)
	}
	res.Metadata["transfer_id"] = transferID

	b.connections.Replace(conn.ID, func(cur Connection) Connection {
		cur.UpdatedAt = res.EndTime
		return cur
	})
	return res, nil
}

func (b *Bridge) transactionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.txTimeout > 0 {
		return context.WithTimeout(ctx, b.txTimeout)
	}
	return context.WithCancel(ctx)
}

func fillTiming(res *TransferResult, start time.Time) {
	if res.StartTime.IsZero() {
		res.StartTime = start
	}
	if res.EndTime.IsZero() {
		res.EndTime = time.Now()
	}
	res.Duration = res.EndTime.Sub(res.StartTime)
}

// CloseConnection stops tracking the connection and runs the close hook.
// Unknown ids are ignored and hook errors are logged.
func (b *Bridge) CloseConnection(ctx context.Context, id string) {
	conn, ok := b.connections.Delete(id)
	if !ok {
		return
	}
	b.close(ctx, conn)
}

func (b *Bridge) close(ctx context.Context, conn Connection) {
	if err := b.hooks.OnCloseConnection(ctx, conn); err != nil {
		b.Logger().Error().Err(err).Str("connection", conn.ID).Msg("close connection")
		return
	}
	b.Logger().Info().Str("connection", conn.ID).Msg("connection closed")
}

// CloseConnections closes every tracked connection. Each one is attempted
// regardless of earlier failures; errors are logged and never returned.
func (b *Bridge) CloseConnections(ctx context.Context) error {
	b.pairConns.Drain()
	for _, conn := range b.connections.Drain() {
		b.close(ctx, conn)
	}
	return nil
}

// CheckConnections validates every tracked connection independently and
// records the outcome on the connection.
func (b *Bridge) CheckConnections(ctx context.Context) (coordination.ConnectionStatus, error) {
	conns := b.connections.Values()
	status := coordination.ConnectionStatus{
		Connected: true,
		Services:  make(map[string]coordination.ServiceStatus, len(conns)),
	}
	for _, conn := range conns {
		err := b.hooks.ValidateConnection(ctx, conn)
		now := time.Now()
		svc := coordination.ServiceStatus{Connected: err == nil, LastChecked: now}
		if err != nil {
			svc.Error = err.Error()
			status.Connected = false
		}
		status.Services[conn.ID] = svc

		b.connections.Replace(conn.ID, func(cur Connection) Connection {
			cur.UpdatedAt = now
			if err != nil {
				cur.Status, cur.Error = StateError, err.Error()
			} else {
				cur.Status, cur.Error = StateActive, ""
			}
			return cur
		})
	}
	return status, nil
}

// Connections returns redacted snapshots of every tracked connection,
// oldest first.
func (b *Bridge) Connections() []Connection {
	conns := b.connections.Values()
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Redacted())
	}
	slices.SortFunc(out, func(x, y Connection) int { return x.CreatedAt.Compare(y.CreatedAt) })
	return out
}

// Connection returns a redacted snapshot of one tracked connection.
func (b *Bridge) Connection(id string) (Connection, bool) {
	c, ok := b.connections.Get(id)
	if !ok {
		return Connection{}, false
	}
	return c.Redacted(), true
}
