// Package mediator implements the mediator role: a registry of peer agents
// and unicast or broadcast message routing between them.
package mediator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/protocol"
)

// Hooks are supplied by a concrete mediator.
type Hooks interface {
	AddAgentRegistration(ctx context.Context, agent protocol.AgentRecord) error
	UpdateAgentRegistration(ctx context.Context, agent protocol.AgentRecord) error
	CheckAgentConnection(ctx context.Context, agent protocol.AgentRecord) (bool, error)
	DisconnectAgent(ctx context.Context, agent protocol.AgentRecord) error
	DeliverMessage(ctx context.Context, msg protocol.Message) (any, error)
	DeliverBroadcast(ctx context.Context, msg protocol.Message, recipient protocol.AgentRecord) error
}

// Mediator routes messages between registered agents.
type Mediator struct {
	*coordination.Base

	hooks      Hooks
	expiration time.Duration
	agents     *coordination.Table[string, protocol.AgentRecord]
	history    *history

	regMu sync.Mutex

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Mediator. When opts.HeartbeatInterval is set, a background
// loop checks connection status at that interval until shutdown.
func New(identity coordination.Identity, opts Options, hooks Hooks, logger zerolog.Logger) *Mediator {
	identity.Kind = coordination.KindMediator
	m := &Mediator{
		hooks:      hooks,
		expiration: opts.MessageExpiration,
		agents:     coordination.NewTable[string, protocol.AgentRecord](),
		history:    newHistory(opts.QueueSize),
	}
	m.Base = coordination.NewBase(identity, opts.Options, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if opts.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop(ctx, opts.HeartbeatInterval)
	}
	return m
}

func (m *Mediator) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckConnectionStatus(ctx); err != nil {
				m.Logger().Warn().Err(err).Msg("heartbeat check failed")
			}
		}
	}
}

// Register adds agent, or updates it in place when the id is already known.
func (m *Mediator) Register(ctx context.Context, agent protocol.AgentRecord) error {
	if agent.ID == "" {
		return fmt.Errorf("%w: agent id is required", coordination.ErrValidation)
	}
	if agent.Status == "" {
		agent.Status = protocol.StatusActive
	}
	agent.Capabilities = slices.Clone(agent.Capabilities)

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if m.agents.Has(agent.ID) {
		if err := m.hooks.UpdateAgentRegistration(ctx, agent); err != nil {
			return fmt.Errorf("update registration of %s: %w", agent.ID, err)
		}
		m.agents.Set(agent.ID, agent)
		m.Logger().Debug().Str("peer", agent.ID).Msg("agent registration updated")
		return nil
	}

	if err := m.hooks.AddAgentRegistration(ctx, agent); err != nil {
		return fmt.Errorf("add registration of %s: %w", agent.ID, err)
	}
	m.agents.Set(agent.ID, agent)
	m.Logger().Info().Str("peer", agent.ID).Str("type", agent.Type).Msg("agent registered")
	return nil
}

// Deregister disconnects and forgets the agent. It reports whether the
// agent was known. Disconnect errors are logged.
func (m *Mediator) Deregister(ctx context.Context, id string) bool {
	m.regMu.Lock()
	agent, ok := m.agents.Delete(id)
	m.regMu.Unlock()
	if !ok {
		return false
	}
	m.disconnect(ctx, agent)
	return true
}

func (m *Mediator) disconnect(ctx context.Context, agent protocol.AgentRecord) {
	if err := m.hooks.DisconnectAgent(ctx, agent); err != nil {
		m.Logger().Error().Err(err).Str("peer", agent.ID).Msg("disconnect agent")
		return
	}
	m.Logger().Info().Str("peer", agent.ID).Msg("agent disconnected")
}

// Agents returns every registered agent ordered by id.
func (m *Mediator) Agents() []protocol.AgentRecord {
	agents := m.agents.Values()
	slices.SortFunc(agents, func(a, b protocol.AgentRecord) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return agents
}

// Agent returns one registered agent.
func (m *Mediator) Agent(id string) (protocol.AgentRecord, bool) {
	return m.agents.Get(id)
}

// History returns the recent unexpired messages, oldest first.
func (m *Mediator) History() []protocol.Message {
	return m.history.snapshot(time.Now())
}

// Communicate delivers content from one registered agent to another and
// returns the recipient's response. Unknown ids fail before any delivery.
func (m *Mediator) Communicate(ctx context.Context, fromID, toID string, content any) (any, error) {
	res, err := m.send(ctx, fromID, toID, content)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

func (m *Mediator) send(ctx context.Context, fromID, toID string, content any) (CommunicationResult, error) {
	for _, id := range []string{fromID, toID} {
		if !m.agents.Has(id) {
			return CommunicationResult{}, fmt.Errorf("%w: agent %s is not registered", coordination.ErrResolution, id)
		}
	}

	msg := m.newMessage(fromID, toID, content, protocol.MessageGeneric)
	resp, err := coordination.WithRetry(ctx, m.Base, func(ctx context.Context) (any, error) {
		return m.hooks.DeliverMessage(ctx, msg)
	})
	if err != nil {
		return CommunicationResult{MessageID: msg.ID},
			fmt.Errorf("deliver message %s from %s to %s: %w", msg.ID, fromID, toID, err)
	}
	return CommunicationResult{
		Success:   true,
		MessageID: msg.ID,
		Response:  resp,
		Timestamp: time.Now(),
	}, nil
}

func (m *Mediator) newMessage(fromID, toID string, content any, fallbackType string) protocol.Message {
	msg := protocol.NewMessage(fromID, toID, content, fallbackType)
	msg.TTL = m.expiration
	m.history.add(msg)
	return msg
}

// Broadcast sends one message to every registered agent selected by filter,
// all recipients concurrently. Delivery is best effort: failures are logged
// and reported in the summary, and never stop other deliveries.
func (m *Mediator) Broadcast(ctx context.Context, content any, filter Filter) BroadcastSummary {
	msg := m.newMessage(m.ID(), "", content, protocol.MessageBroadcast)
	summary := BroadcastSummary{MessageID: msg.ID, Delivered: []string{}}

	var mu sync.Mutex
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			summary.Delivered = append(summary.Delivered, id)
			return
		}
		if summary.Failed == nil {
			summary.Failed = make(map[string]string)
		}
		summary.Failed[id] = err.Error()
	}

	p := pool.New()
	for _, agent := range m.agents.Values() {
		if filter != nil && !filter(agent) {
			continue
		}
		p.Go(func() {
			var err error
			if perr := coordination.Safely(func() { err = m.hooks.DeliverBroadcast(ctx, msg, agent) }); perr != nil {
				err = perr
			}
			if err != nil {
				m.Logger().Warn().Err(err).Str("peer", agent.ID).Str("message", msg.ID).Msg("broadcast delivery failed")
			}
			record(agent.ID, err)
		})
	}
	p.Wait()

	slices.Sort(summary.Delivered)
	m.Logger().Info().
		Str("message", msg.ID).
		Int("delivered", len(summary.Delivered)).
		Int("failed", len(summary.Failed)).
		Msg("broadcast complete")
	return summary
}

// Coordinate sends payload from every source to every target. Partial
// failure is reported as success with the failure ratio; only a fan-out
// where every pair failed is an error. A panicking hook is reported as an
// error result.
func (m *Mediator) Coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	return m.Guard(func() coordination.Result {
		return m.coordinate(ctx, sources, targets, payload)
	})
}

func (m *Mediator) coordinate(ctx context.Context, sources, targets []string, payload any) coordination.Result {
	if err := coordination.ValidateRequest(sources, targets, payload); err != nil {
		return m.ErrorResult(err, nil)
	}

	results, failed := coordination.FanOut(ctx, sources, targets, m.Options().Parallelism,
		func(ctx context.Context, from, to string) (CommunicationResult, bool) {
			res, err := m.send(ctx, from, to, payload)
			if err != nil {
				m.Logger().Warn().Err(err).Str("from", from).Str("to", to).Msg("communication failed")
				res.Success = false
				res.Error = err.Error()
				res.Timestamp = time.Now()
			}
			return res, res.Success
		},
		func(from, to string, err error) CommunicationResult {
			return CommunicationResult{Success: false, Error: err.Error(), Timestamp: time.Now()}
		})

	return m.Finalize(coordination.Aggregate("communications", results, failed))
}

// CheckConnections checks every registered agent independently. Agents
// that fail the check are marked inactive.
func (m *Mediator) CheckConnections(ctx context.Context) (coordination.ConnectionStatus, error) {
	agents := m.agents.Values()
	status := coordination.ConnectionStatus{
		Connected: true,
		Services:  make(map[string]coordination.ServiceStatus, len(agents)),
	}
	for _, agent := range agents {
		ok, err := m.hooks.CheckAgentConnection(ctx, agent)
		svc := coordination.ServiceStatus{Connected: ok && err == nil, LastChecked: time.Now()}
		if err != nil {
			svc.Error = err.Error()
		}
		if !svc.Connected {
			status.Connected = false
		}
		status.Services[agent.ID] = svc

		m.agents.Replace(agent.ID, func(cur protocol.AgentRecord) protocol.AgentRecord {
			switch {
			case !svc.Connected:
				cur.Status = protocol.StatusInactive
			case cur.Status == protocol.StatusInactive:
				cur.Status = protocol.StatusActive
			}
			return cur
		})
	}
	return status, nil
}

// CloseConnections stops the heartbeat loop, disconnects every agent and
// clears the registry and message history. Every agent is attempted.
func (m *Mediator) CloseConnections(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})

	m.regMu.Lock()
	agents := m.agents.Drain()
	m.regMu.Unlock()
	for _, agent := range agents {
		m.disconnect(ctx, agent)
	}
	m.history.clear()
	return nil
}
