package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/bridge"
	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/mediator"
	"github.com/sekia-ai/relay/pkg/protocol"
	"github.com/sekia-ai/relay/pkg/registry"
)

// Catalog lists known agents.
type Catalog interface {
	Agents() []protocol.AgentInfo
	Count() int
}

// ConnectionLister lists open bridge connections.
type ConnectionLister interface {
	Connections() []bridge.Connection
}

// Broadcaster sends one message to many agents.
type Broadcaster interface {
	Broadcast(ctx context.Context, content any, filter mediator.Filter) mediator.BroadcastSummary
}

// Deps are the daemon subsystems the API reads from.
type Deps struct {
	Catalog     Catalog
	Roles       []coordination.Agent
	Connections ConnectionLister
	Broadcaster Broadcaster
	NATSRunning func() bool
	StartedAt   time.Time
}

// Server serves the relayd control API over a Unix socket.
type Server struct {
	socketPath string
	deps       Deps
	roles      map[string]coordination.Agent
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates an API server. Roles are addressed by their kind in
// coordinate requests.
func New(socketPath string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		deps:       deps,
		roles:      make(map[string]coordination.Agent, len(deps.Roles)),
		logger:     logger.With().Str("component", "api").Logger(),
	}
	for _, r := range deps.Roles {
		s.roles[string(r.Identity().Kind)] = r
	}

	s.httpServer = &http.Server{Handler: s.routes()}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/agents", s.handleAgents)
	mux.HandleFunc("GET /api/v1/connections", s.handleConnections)
	mux.HandleFunc("POST /api/v1/coordinate", s.handleCoordinate)
	mux.HandleFunc("POST /api/v1/broadcast", s.handleBroadcast)
	return mux
}

// Start begins listening on the Unix socket. Blocks until Shutdown.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	os.Chmod(s.socketPath, 0600)

	s.logger.Info().Str("socket", s.socketPath).Msg("API server listening")
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := protocol.StatusResponse{
		Status:    "ok",
		Uptime:    time.Since(s.deps.StartedAt).Truncate(time.Second).String(),
		StartedAt: s.deps.StartedAt,
		Roles:     []string{},
	}
	if s.deps.NATSRunning != nil {
		resp.NATSRunning = s.deps.NATSRunning()
	}
	if s.deps.Catalog != nil {
		resp.AgentCount = s.deps.Catalog.Count()
	}
	if s.deps.Connections != nil {
		resp.ConnectionCount = len(s.deps.Connections.Connections())
	}
	for kind := range s.roles {
		resp.Roles = append(resp.Roles, kind)
	}
	slices.Sort(resp.Roles)
	writeJSON(w, http.StatusOK, resp)
}

// handleAgents accepts name, type, status and capability (repeatable)
// query filters.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := registry.Criteria{
		Name:         q.Get("name"),
		Type:         q.Get("type"),
		Status:       protocol.AgentStatus(q.Get("status")),
		Capabilities: q["capability"],
	}
	agents := []protocol.AgentInfo{}
	if s.deps.Catalog != nil {
		for _, a := range s.deps.Catalog.Agents() {
			if criteria.Matches(a.AgentRecord) {
				agents = append(agents, a)
			}
		}
	}
	writeJSON(w, http.StatusOK, protocol.AgentsResponse{Agents: agents})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	resp := protocol.ConnectionsResponse{
		Roles:       []protocol.RoleHealth{},
		Connections: []protocol.BridgeConnection{},
	}
	for _, role := range s.deps.Roles {
		id := role.Identity()
		st := role.Status()
		resp.Roles = append(resp.Roles, protocol.RoleHealth{
			ID:          id.ID,
			Kind:        string(id.Kind),
			Connected:   st.Connected,
			LastChecked: st.LastChecked,
			Services:    len(st.Services),
		})
	}
	if s.deps.Connections != nil {
		for _, c := range s.deps.Connections.Connections() {
			resp.Connections = append(resp.Connections, protocol.BridgeConnection{
				ID:         c.ID,
				SourceID:   c.Source.ID,
				SourceType: c.Source.Type,
				TargetID:   c.Target.ID,
				TargetType: c.Target.Type,
				Status:     string(c.Status),
				Error:      c.Error,
				CreatedAt:  c.CreatedAt,
				UpdatedAt:  c.UpdatedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	var req protocol.CoordinateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	role, ok := s.roles[strings.ToLower(req.Role)]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown role: "+req.Role)
		return
	}

	res := role.Coordinate(r.Context(), req.Sources, req.Targets, req.Payload)
	s.logger.Info().
		Str("role", req.Role).
		Strs("sources", req.Sources).
		Strs("targets", req.Targets).
		Bool("success", res.Success).
		Msg("coordinate request")

	status := http.StatusOK
	if !res.Success && res.Metadata[coordination.MetaErrorName] == "ValidationError" {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "mediator not enabled")
		return
	}
	var req protocol.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == nil {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	var filter mediator.Filter
	if req.Capability != "" {
		filter = mediator.WithCapability(req.Capability)
	}
	summary := s.deps.Broadcaster.Broadcast(r.Context(), req.Content, filter)
	writeJSON(w, http.StatusOK, protocol.BroadcastResponse{
		MessageID: summary.MessageID,
		Delivered: len(summary.Delivered),
		Failed:    summary.Failed,
	})
}
