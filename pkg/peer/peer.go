// Package peer is the SDK for agents that take part in relay coordination:
// a peer announces itself, heartbeats, and answers messages on its inbox.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/protocol"
)

// Config holds connection options for a peer.
type Config struct {
	NATSUrl  string
	NATSOpts []nats.Option

	// MessageSecret verifies incoming messages when non-empty.
	MessageSecret string
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	// OnDisconnect is called when a mediator tells the peer it was
	// deregistered.
	OnDisconnect func(msg protocol.Message)
}

// Handler answers one delivered message. The returned value becomes the
// reply's response.
type Handler func(ctx context.Context, msg protocol.Message) (any, error)

// Peer is a relay participant connected over NATS.
type Peer struct {
	reg          protocol.Registration
	secret       string
	handler      Handler
	onDisconnect func(protocol.Message)

	nc     *nats.Conn
	sub    *nats.Subscription
	logger zerolog.Logger
	cancel context.CancelFunc

	busy        atomic.Bool
	handled     atomic.Int64
	errors      atomic.Int64
	lastMessage atomic.Value // stores time.Time
}

// New connects to NATS, subscribes the inbox, registers, and starts
// heartbeating.
func New(cfg Config, reg protocol.Registration, handler Handler, logger zerolog.Logger) (*Peer, error) {
	if reg.ID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	peerLogger := logger.With().Str("peer", reg.ID).Logger()

	// Resilience: infinite reconnect with logging on state changes.
	resilienceOpts := []nats.Option{
		nats.Name(reg.ID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				peerLogger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			peerLogger.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			peerLogger.Warn().Msg("NATS connection closed")
		}),
	}

	opts := append(resilienceOpts, cfg.NATSOpts...)
	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		reg:          reg,
		secret:       cfg.MessageSecret,
		handler:      handler,
		onDisconnect: cfg.OnDisconnect,
		nc:           nc,
		logger:       peerLogger,
	}
	p.lastMessage.Store(time.Time{})

	sub, err := nc.Subscribe(protocol.SubjectInbox(reg.ID), p.handleInbox)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	p.sub = sub

	if err := p.register(); err != nil {
		nc.Close()
		return nil, err
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.heartbeatLoop(ctx, interval)

	return p, nil
}

func (p *Peer) register() error {
	data, err := json.Marshal(p.reg)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(protocol.SubjectRegistry, data); err != nil {
		return err
	}
	return p.nc.Flush()
}

func (p *Peer) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Send an initial heartbeat immediately.
	p.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sendHeartbeat()
		}
	}
}

func (p *Peer) sendHeartbeat() {
	status := protocol.StatusActive
	if p.busy.Load() {
		status = protocol.StatusBusy
	}
	hb := protocol.Heartbeat{
		ID:          p.reg.ID,
		Status:      status,
		LastMessage: p.lastMessage.Load().(time.Time),
		Handled:     p.handled.Load(),
		Errors:      p.errors.Load(),
	}
	data, _ := json.Marshal(hb)
	if err := p.nc.Publish(protocol.SubjectHeartbeat(p.reg.ID), data); err != nil {
		p.logger.Error().Err(err).Msg("failed to send heartbeat")
	}
}

func (p *Peer) handleInbox(m *nats.Msg) {
	var msg protocol.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		p.logger.Error().Err(err).Msg("bad inbox message")
		p.errors.Add(1)
		p.respond(m, protocol.Reply{Error: "malformed message"})
		return
	}
	if !protocol.VerifyMessage(&msg, p.secret) {
		p.logger.Warn().Str("message", msg.ID).Str("sender", msg.SenderID).Msg("rejected message with invalid signature")
		p.errors.Add(1)
		p.respond(m, protocol.Reply{MessageID: msg.ID, Error: "invalid signature"})
		return
	}
	if msg.Expired(time.Now()) {
		p.logger.Debug().Str("message", msg.ID).Msg("dropping expired message")
		p.respond(m, protocol.Reply{MessageID: msg.ID, Error: "message expired"})
		return
	}

	switch msg.Type {
	case protocol.MessagePing:
		p.respond(m, protocol.Reply{MessageID: msg.ID, Response: "pong"})
		return
	case protocol.MessageDisconnect:
		p.logger.Info().Str("sender", msg.SenderID).Msg("deregistered by mediator")
		if p.onDisconnect != nil {
			p.onDisconnect(msg)
		}
		p.respond(m, protocol.Reply{MessageID: msg.ID})
		return
	}

	p.busy.Store(true)
	defer p.busy.Store(false)

	reply := protocol.Reply{MessageID: msg.ID}
	resp, err := p.handler(context.Background(), msg)
	if err != nil {
		p.errors.Add(1)
		reply.Error = err.Error()
	} else {
		reply.Response = resp
	}
	p.handled.Add(1)
	p.lastMessage.Store(time.Now())
	p.respond(m, reply)
}

// respond answers request/reply deliveries; plain publishes have no reply subject.
func (p *Peer) respond(m *nats.Msg, reply protocol.Reply) {
	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		p.logger.Error().Err(err).Msg("marshal reply")
		return
	}
	if err := m.Respond(data); err != nil {
		p.logger.Error().Err(err).Msg("send reply")
	}
}

// ID returns the peer id.
func (p *Peer) ID() string { return p.reg.ID }

// Conn returns the underlying NATS connection for custom subscriptions.
func (p *Peer) Conn() *nats.Conn { return p.nc }

// Handled returns the number of messages answered.
func (p *Peer) Handled() int64 { return p.handled.Load() }

// Close stops heartbeating and disconnects.
func (p *Peer) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.nc.Drain()
}
