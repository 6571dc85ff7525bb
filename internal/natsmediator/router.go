// Package natsmediator delivers mediator messages over NATS request/reply
// to peer inboxes.
package natsmediator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/mediator"
	"github.com/sekia-ai/relay/pkg/peer"
	"github.com/sekia-ai/relay/pkg/protocol"
)

// Presence reports when an agent was last heard from.
type Presence interface {
	LastSeen(id string) (time.Time, bool)
}

// Config for a Router.
type Config struct {
	// SenderID signs control messages (ping, disconnect).
	SenderID      string
	MessageSecret string
	// Presence, when set, lets a recent heartbeat stand in for a ping.
	Presence Presence
	// FreshWithin is how recent a heartbeat must be. Defaults to 90s.
	FreshWithin time.Duration
	// PingTimeout bounds a liveness ping. Defaults to 2s.
	PingTimeout time.Duration
}

// Router implements mediator.Hooks on a NATS connection.
type Router struct {
	nc     *nats.Conn
	cfg    Config
	logger zerolog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

var _ mediator.Hooks = (*Router)(nil)

// New creates a Router.
func New(nc *nats.Conn, cfg Config, logger zerolog.Logger) *Router {
	if cfg.FreshWithin <= 0 {
		cfg.FreshWithin = 90 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.SenderID == "" {
		cfg.SenderID = "mediator"
	}
	return &Router{
		nc:     nc,
		cfg:    cfg,
		logger: logger.With().Str("component", "natsmediator").Logger(),
	}
}

func (r *Router) AddAgentRegistration(_ context.Context, agent protocol.AgentRecord) error {
	r.logger.Debug().Str("agent", agent.ID).Str("inbox", protocol.SubjectInbox(agent.ID)).Msg("routing enabled")
	return nil
}

func (r *Router) UpdateAgentRegistration(_ context.Context, agent protocol.AgentRecord) error {
	r.logger.Debug().Str("agent", agent.ID).Msg("routing refreshed")
	return nil
}

// CheckAgentConnection treats a fresh heartbeat as proof of life and falls
// back to a ping request.
func (r *Router) CheckAgentConnection(ctx context.Context, agent protocol.AgentRecord) (bool, error) {
	if !r.nc.IsConnected() {
		return false, fmt.Errorf("nats connection %s", r.nc.Status())
	}
	if r.cfg.Presence != nil {
		if seen, ok := r.cfg.Presence.LastSeen(agent.ID); ok && time.Since(seen) <= r.cfg.FreshWithin {
			return true, nil
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.PingTimeout)
	defer cancel()
	msg := protocol.NewMessage(r.cfg.SenderID, agent.ID, nil, protocol.MessagePing)
	if _, err := peer.Request(pingCtx, r.nc, msg, r.cfg.MessageSecret); err != nil {
		return false, err
	}
	return true, nil
}

// DisconnectAgent notifies the agent without waiting for an answer.
func (r *Router) DisconnectAgent(_ context.Context, agent protocol.AgentRecord) error {
	msg := protocol.NewMessage(r.cfg.SenderID, agent.ID, nil, protocol.MessageDisconnect)
	return peer.Publish(r.nc, msg, agent.ID, r.cfg.MessageSecret)
}

// DeliverMessage sends msg to its recipient and returns the recipient's
// response.
func (r *Router) DeliverMessage(ctx context.Context, msg protocol.Message) (any, error) {
	resp, err := peer.Request(ctx, r.nc, msg, r.cfg.MessageSecret)
	if err != nil {
		r.failed.Add(1)
		return nil, err
	}
	r.delivered.Add(1)
	return resp, nil
}

// DeliverBroadcast publishes a copy of msg to one recipient's inbox.
func (r *Router) DeliverBroadcast(_ context.Context, msg protocol.Message, recipient protocol.AgentRecord) error {
	if err := peer.Publish(r.nc, msg, recipient.ID, r.cfg.MessageSecret); err != nil {
		r.failed.Add(1)
		return err
	}
	r.delivered.Add(1)
	return nil
}

// Stats returns delivered and failed message counts.
func (r *Router) Stats() (delivered, failed int64) {
	return r.delivered.Load(), r.failed.Load()
}
