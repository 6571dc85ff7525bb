package registry

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/protocol"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
}

type fakeHooks struct {
	mu         sync.Mutex
	agents     map[string]protocol.AgentRecord
	refreshes  atomic.Int32
	refreshErr error
	available  bool
	lookupErr  error
	lookups    int

	coordinated bool
	gotOp       string
	gotSources  []protocol.AgentRecord
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		agents: map[string]protocol.AgentRecord{
			"b1": {ID: "b1", Name: "Schema Generator", Type: "generator", Status: protocol.StatusActive, Capabilities: []string{"prisma"}},
			"b2": {ID: "b2", Name: "SEO Auditor", Type: "analyzer", Status: protocol.StatusBusy, Capabilities: []string{"seo", "html"}},
		},
		available: true,
	}
}

func (h *fakeHooks) Register(_ context.Context, a protocol.AgentRecord, _ map[string]any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a.ID == "" {
		a.ID = strings.ToLower(a.Name)
	}
	h.agents[a.ID] = a
	return a.ID, nil
}

func (h *fakeHooks) Discover(_ context.Context, c Criteria) ([]protocol.AgentRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.AgentRecord
	for _, a := range h.agents {
		if c.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (h *fakeHooks) RefreshCache(context.Context) error {
	h.refreshes.Add(1)
	return h.refreshErr
}

func (h *fakeHooks) GetAgentByID(_ context.Context, id string) (*protocol.AgentRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookups++
	if h.lookupErr != nil {
		return nil, h.lookupErr
	}
	a, ok := h.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (h *fakeHooks) IsRegistryAvailable(context.Context) (bool, error) {
	return h.available, nil
}

func (h *fakeHooks) CoordinateAgents(_ context.Context, sources, targets []protocol.AgentRecord, op string, _ any) (coordination.Result, error) {
	h.coordinated = true
	h.gotOp = op
	h.gotSources = sources
	return coordination.Result{Success: true, Message: "delegated", Data: len(sources) * len(targets)}, nil
}

func newTestRegistry(hooks Hooks, opts Options) *Registry {
	opts.RetryDelay = time.Millisecond
	return New(coordination.Identity{ID: "registry-1", Name: "Test Registry", Version: "0.1.0"}, opts, hooks, testLogger())
}

func TestCoordinate_UnresolvedIDFailsWhole(t *testing.T) {
	hooks := newFakeHooks()
	r := newTestRegistry(hooks, Options{})

	res := r.Coordinate(context.Background(), []string{"a1"}, []string{"b1"}, map[string]any{"operation": "generate"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "a1") {
		t.Errorf("error = %q, want it to name a1", res.Error)
	}
	if res.Metadata["unresolved_id"] != "a1" {
		t.Errorf("unresolved_id = %v", res.Metadata["unresolved_id"])
	}
	if res.Metadata[coordination.MetaErrorName] != "ResolutionError" {
		t.Errorf("error_name = %v", res.Metadata[coordination.MetaErrorName])
	}
	if hooks.coordinated {
		t.Fatal("CoordinateAgents called despite unresolved id")
	}
	if hooks.lookups != 1 {
		t.Errorf("lookups = %d, want 1 (unknown ids are not retried)", hooks.lookups)
	}
}

func TestCoordinate_UnresolvedTarget(t *testing.T) {
	hooks := newFakeHooks()
	r := newTestRegistry(hooks, Options{})
	res := r.Coordinate(context.Background(), []string{"b1"}, []string{"b2", "zz"}, "p")
	if res.Success || res.Metadata["unresolved_id"] != "zz" || hooks.coordinated {
		t.Fatalf("result = %+v", res)
	}
}

func TestCoordinate_Delegates(t *testing.T) {
	hooks := newFakeHooks()
	r := newTestRegistry(hooks, Options{})

	res := r.Coordinate(context.Background(), []string{"b1"}, []string{"b1", "b2"}, map[string]any{"operation": "generate"})
	if !res.Success || res.Data != 2 {
		t.Fatalf("result = %+v", res)
	}
	if hooks.gotOp != "generate" || len(hooks.gotSources) != 1 || hooks.gotSources[0].ID != "b1" {
		t.Errorf("delegate got op=%q sources=%v", hooks.gotOp, hooks.gotSources)
	}
	if res.Metadata[coordination.MetaAgentID] != "registry-1" || res.Metadata["operation"] != "generate" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestCoordinate_DefaultOperation(t *testing.T) {
	hooks := newFakeHooks()
	r := newTestRegistry(hooks, Options{})
	r.Coordinate(context.Background(), []string{"b1"}, []string{"b2"}, "plain payload")
	if hooks.gotOp != DefaultOperation {
		t.Errorf("operation = %q, want %q", hooks.gotOp, DefaultOperation)
	}
}

func TestCoordinate_LookupErrorRetried(t *testing.T) {
	hooks := newFakeHooks()
	hooks.lookupErr = errors.New("catalogue timeout")
	r := newTestRegistry(hooks, Options{Options: coordination.Options{MaxRetries: 3}})

	res := r.Coordinate(context.Background(), []string{"b1"}, []string{"b2"}, "p")
	if res.Success || !strings.Contains(res.Error, "catalogue timeout") {
		t.Fatalf("result = %+v", res)
	}
	if hooks.lookups != 3 {
		t.Errorf("lookups = %d, want 3", hooks.lookups)
	}
}

func TestRegisterAndDiscover(t *testing.T) {
	hooks := newFakeHooks()
	r := newTestRegistry(hooks, Options{})

	if _, err := r.Register(context.Background(), protocol.AgentRecord{}, nil); !errors.Is(err, coordination.ErrValidation) {
		t.Fatalf("empty register err = %v", err)
	}
	id, err := r.Register(context.Background(), protocol.AgentRecord{Name: "PHP Analyzer", Type: "analyzer", Status: protocol.StatusActive, Capabilities: []string{"php"}}, nil)
	if err != nil || id != "php analyzer" {
		t.Fatalf("id=%q err=%v", id, err)
	}

	found, err := r.Discover(context.Background(), Criteria{Type: "analyzer", Capabilities: []string{"php"}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 || found[0].ID != id {
		t.Fatalf("found = %+v", found)
	}
}

func TestCriteriaMatches(t *testing.T) {
	rec := protocol.AgentRecord{Name: "SEO Auditor", Type: "analyzer", Status: protocol.StatusBusy, Capabilities: []string{"seo", "html"}}
	tests := []struct {
		name string
		c    Criteria
		want bool
	}{
		{"empty", Criteria{}, true},
		{"name substring", Criteria{Name: "audit"}, true},
		{"wrong type", Criteria{Type: "generator"}, false},
		{"status", Criteria{Status: protocol.StatusBusy}, true},
		{"wrong status", Criteria{Status: protocol.StatusActive}, false},
		{"all capabilities", Criteria{Capabilities: []string{"seo", "html"}}, true},
		{"missing capability", Criteria{Capabilities: []string{"seo", "php"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Matches(rec); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckConnections_SingleCheck(t *testing.T) {
	hooks := newFakeHooks()
	r := newTestRegistry(hooks, Options{})

	status, err := r.CheckConnectionStatus(context.Background())
	if err != nil {
		t.Fatalf("CheckConnectionStatus: %v", err)
	}
	if !status.Connected || len(status.Services) != 1 || !status.Services["registry"].Connected {
		t.Fatalf("status = %+v", status)
	}

	hooks.available = false
	status, _ = r.CheckConnectionStatus(context.Background())
	if status.Connected || status.Services["registry"].Connected {
		t.Fatalf("status = %+v, want disconnected", status)
	}
}

func TestAutoRefresh(t *testing.T) {
	hooks := newFakeHooks()
	hooks.refreshErr = errors.New("refresh failed")
	r := newTestRegistry(hooks, Options{AutoRefresh: true, RefreshInterval: 5 * time.Millisecond})

	deadline := time.Now().Add(time.Second)
	for hooks.refreshes.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("refresh loop did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Shutdown(context.Background())
	after := hooks.refreshes.Load()
	time.Sleep(20 * time.Millisecond)
	if hooks.refreshes.Load() != after {
		t.Fatal("refresh loop kept running after shutdown")
	}
}

func TestAutoRefresh_DisabledWithoutInterval(t *testing.T) {
	hooks := newFakeHooks()
	r := newTestRegistry(hooks, Options{AutoRefresh: true})
	time.Sleep(20 * time.Millisecond)
	if hooks.refreshes.Load() != 0 {
		t.Fatal("refresh ran without an interval")
	}
	r.Shutdown(context.Background())
}

type panickingHooks struct {
	*fakeHooks
	inLookup bool
}

func (h *panickingHooks) GetAgentByID(ctx context.Context, id string) (*protocol.AgentRecord, error) {
	if h.inLookup {
		panic("lookup blew up")
	}
	return h.fakeHooks.GetAgentByID(ctx, id)
}

func (h *panickingHooks) CoordinateAgents(context.Context, []protocol.AgentRecord, []protocol.AgentRecord, string, any) (coordination.Result, error) {
	panic("delegate blew up")
}

func TestCoordinate_HookPanicBecomesErrorResult(t *testing.T) {
	tests := []struct {
		name     string
		inLookup bool
		want     string
	}{
		{"lookup", true, "lookup blew up"},
		{"delegate", false, "delegate blew up"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(&panickingHooks{fakeHooks: newFakeHooks(), inLookup: tt.inLookup}, Options{})
			defer r.Shutdown(context.Background())

			res := r.Coordinate(context.Background(), []string{"b1"}, []string{"b2"}, map[string]any{"operation": "generate"})
			if res.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(res.Error, tt.want) {
				t.Errorf("error = %q, want %q", res.Error, tt.want)
			}
			if res.Metadata[coordination.MetaErrorName] != "PanicError" {
				t.Errorf("error_name = %v", res.Metadata[coordination.MetaErrorName])
			}
		})
	}
}
