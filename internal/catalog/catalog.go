// Package catalog is the NATS-backed agent catalogue behind relayd's
// registry role. Peers announce themselves on relay.registry and keep their
// entries fresh with heartbeats.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/peer"
	"github.com/sekia-ai/relay/pkg/protocol"
	"github.com/sekia-ai/relay/pkg/registry"
)

// Config tunes staleness handling and outbound requests.
type Config struct {
	// StaleAfter marks an agent inactive when no heartbeat arrived for this
	// long. Defaults to 90s.
	StaleAfter time.Duration
	// PruneAfter removes an agent after this long without a heartbeat.
	// Defaults to 5m.
	PruneAfter time.Duration
	// Parallelism bounds concurrent requests in CoordinateAgents.
	Parallelism int
	// RequestTimeout bounds each request in CoordinateAgents. Defaults to 10s.
	RequestTimeout time.Duration
	// MessageSecret signs coordination requests when non-empty.
	MessageSecret string

	// OnAdd is called when an agent first appears; OnRemove when it is pruned.
	OnAdd    func(protocol.AgentRecord)
	OnRemove func(id string)
}

func (c *Config) defaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * time.Second
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 5 * time.Minute
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// agentState holds the combined registration + last heartbeat data.
type agentState struct {
	Record        protocol.AgentRecord
	RegisteredAt  time.Time
	LastHeartbeat protocol.Heartbeat
	LastSeen      time.Time
	// Static entries were registered through the API and are never pruned.
	Static bool
}

// OperationResult is the per-pair outcome of CoordinateAgents.
type OperationResult struct {
	Success  bool   `json:"success"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Catalog tracks agents announced over NATS and implements registry.Hooks.
type Catalog struct {
	cfg Config

	mu     sync.RWMutex
	agents map[string]*agentState
	nc     *nats.Conn
	logger zerolog.Logger
	subs   []*nats.Subscription
}

var _ registry.Hooks = (*Catalog)(nil)

// New creates a Catalog and subscribes to NATS subjects.
func New(nc *nats.Conn, cfg Config, logger zerolog.Logger) (*Catalog, error) {
	cfg.defaults()
	c := &Catalog{
		cfg:    cfg,
		agents: make(map[string]*agentState),
		nc:     nc,
		logger: logger.With().Str("component", "catalog").Logger(),
	}

	regSub, err := nc.Subscribe(protocol.SubjectRegistry, c.handleRegistration)
	if err != nil {
		return nil, err
	}
	hbSub, err := nc.Subscribe(protocol.SubjectHeartbeatAll, c.handleHeartbeat)
	if err != nil {
		regSub.Unsubscribe()
		return nil, err
	}
	c.subs = []*nats.Subscription{regSub, hbSub}

	c.logger.Info().Msg("agent catalogue started")
	return c, nil
}

func (c *Catalog) handleRegistration(msg *nats.Msg) {
	var reg protocol.Registration
	if err := json.Unmarshal(msg.Data, &reg); err != nil {
		c.logger.Error().Err(err).Msg("bad registration message")
		return
	}
	if reg.ID == "" {
		c.logger.Warn().Str("name", reg.Name).Msg("registration without id ignored")
		return
	}
	c.upsert(reg.Record(), false)
	c.logger.Info().Str("agent", reg.ID).Str("version", reg.Version).Msg("agent registered")
}

func (c *Catalog) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		c.logger.Error().Err(err).Msg("bad heartbeat message")
		return
	}
	if hb.ID == "" {
		return
	}
	now := time.Now()
	status := hb.Status
	if status == "" {
		status = protocol.StatusActive
	}

	c.mu.Lock()
	state, ok := c.agents[hb.ID]
	if ok {
		state.LastHeartbeat = hb
		state.LastSeen = now
		state.Record.Status = status
	} else {
		state = &agentState{
			Record:        protocol.AgentRecord{ID: hb.ID, Name: hb.ID, Status: status},
			RegisteredAt:  now,
			LastHeartbeat: hb,
			LastSeen:      now,
		}
		c.agents[hb.ID] = state
	}
	record := cloneRecord(state.Record)
	c.mu.Unlock()

	if !ok && c.cfg.OnAdd != nil {
		c.cfg.OnAdd(record)
	}
}

// upsert stores record and fires OnAdd for new or re-announced agents.
func (c *Catalog) upsert(record protocol.AgentRecord, static bool) {
	now := time.Now()
	c.mu.Lock()
	if existing, ok := c.agents[record.ID]; ok {
		existing.Record = record
		existing.LastSeen = now
		existing.Static = existing.Static || static
	} else {
		c.agents[record.ID] = &agentState{
			Record:       record,
			RegisteredAt: now,
			LastSeen:     now,
			Static:       static,
		}
	}
	c.mu.Unlock()

	// Re-announcements are forwarded too so that listeners can refresh
	// capabilities.
	if c.cfg.OnAdd != nil {
		c.cfg.OnAdd(cloneRecord(record))
	}
}

// Register stores agent as a static entry. An empty id is generated from
// the name.
func (c *Catalog) Register(_ context.Context, agent protocol.AgentRecord, metadata map[string]any) (string, error) {
	if agent.ID == "" {
		agent.ID = slug(agent.Name) + "-" + uuid.NewString()[:8]
	}
	if agent.Status == "" {
		agent.Status = protocol.StatusActive
	}
	if len(metadata) > 0 {
		md := maps.Clone(agent.Metadata)
		if md == nil {
			md = make(map[string]any, len(metadata))
		}
		maps.Copy(md, metadata)
		agent.Metadata = md
	}
	c.upsert(agent, true)
	return agent.ID, nil
}

func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Join(strings.Fields(s), "-")
	if s == "" {
		return "agent"
	}
	return s
}

// Discover returns matching agents ordered by id.
func (c *Catalog) Discover(_ context.Context, criteria registry.Criteria) ([]protocol.AgentRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.AgentRecord, 0, len(c.agents))
	for _, s := range c.agents {
		if criteria.Matches(s.Record) {
			out = append(out, cloneRecord(s.Record))
		}
	}
	slices.SortFunc(out, func(x, y protocol.AgentRecord) int { return strings.Compare(x.ID, y.ID) })
	return out, nil
}

// RefreshCache marks silent agents inactive and prunes those silent for
// longer than PruneAfter. Static entries are left alone.
func (c *Catalog) RefreshCache(context.Context) error {
	now := time.Now()
	var pruned []string

	c.mu.Lock()
	for id, s := range c.agents {
		if s.Static {
			continue
		}
		silent := now.Sub(s.LastSeen)
		switch {
		case silent > c.cfg.PruneAfter:
			delete(c.agents, id)
			pruned = append(pruned, id)
		case silent > c.cfg.StaleAfter:
			s.Record.Status = protocol.StatusInactive
		}
	}
	c.mu.Unlock()

	for _, id := range pruned {
		c.logger.Info().Str("agent", id).Msg("pruned silent agent")
		if c.cfg.OnRemove != nil {
			c.cfg.OnRemove(id)
		}
	}
	return nil
}

// GetAgentByID returns nil for unknown ids.
func (c *Catalog) GetAgentByID(_ context.Context, id string) (*protocol.AgentRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.agents[id]
	if !ok {
		return nil, nil
	}
	rec := cloneRecord(s.Record)
	return &rec, nil
}

// IsRegistryAvailable reports whether the NATS connection is up.
func (c *Catalog) IsRegistryAvailable(context.Context) (bool, error) {
	if !c.nc.IsConnected() {
		return false, fmt.Errorf("%w: nats connection %s", coordination.ErrUnavailable, c.nc.Status())
	}
	return true, nil
}

// CoordinateAgents asks every target to run operation on behalf of every
// source. Each pair is one request to the target's inbox.
func (c *Catalog) CoordinateAgents(ctx context.Context, sources, targets []protocol.AgentRecord, operation string, payload any) (coordination.Result, error) {
	byID := make(map[string]protocol.AgentRecord, len(targets))
	sourceIDs := make([]string, 0, len(sources))
	targetIDs := make([]string, 0, len(targets))
	for _, s := range sources {
		sourceIDs = append(sourceIDs, s.ID)
	}
	for _, t := range targets {
		byID[t.ID] = t
		targetIDs = append(targetIDs, t.ID)
	}

	results, failed := coordination.FanOut(ctx, sourceIDs, targetIDs, c.cfg.Parallelism,
		func(ctx context.Context, source, target string) (OperationResult, bool) {
			if byID[target].Status == protocol.StatusInactive {
				return OperationResult{Error: fmt.Sprintf("agent %s is inactive", target)}, false
			}
			content := map[string]any{"type": operation, "operation": operation, "payload": payload}
			msg := protocol.NewMessage(source, target, content, operation)

			reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
			resp, err := peer.Request(reqCtx, c.nc, msg, c.cfg.MessageSecret)
			if err != nil {
				return OperationResult{Error: err.Error()}, false
			}
			return OperationResult{Success: true, Response: resp}, true
		},
		func(_, _ string, err error) OperationResult { return OperationResult{Error: err.Error()} })

	return coordination.Aggregate("operations", results, failed), nil
}

// Agents returns a snapshot of all known agents ordered by id.
func (c *Catalog) Agents() []protocol.AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]protocol.AgentInfo, 0, len(c.agents))
	for _, s := range c.agents {
		result = append(result, protocol.AgentInfo{
			AgentRecord:   cloneRecord(s.Record),
			RegisteredAt:  s.RegisteredAt,
			LastHeartbeat: s.LastSeen,
			Handled:       s.LastHeartbeat.Handled,
			Errors:        s.LastHeartbeat.Errors,
		})
	}
	slices.SortFunc(result, func(x, y protocol.AgentInfo) int { return strings.Compare(x.ID, y.ID) })
	return result
}

// LastSeen returns when the agent last registered or heartbeated.
func (c *Catalog) LastSeen(id string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.agents[id]
	if !ok {
		return time.Time{}, false
	}
	return s.LastSeen, true
}

// Count returns the number of known agents.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// Close unsubscribes from NATS.
func (c *Catalog) Close() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
}

func cloneRecord(r protocol.AgentRecord) protocol.AgentRecord {
	r.Capabilities = slices.Clone(r.Capabilities)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}
