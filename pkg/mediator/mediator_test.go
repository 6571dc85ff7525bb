package mediator

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
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
	mu          sync.Mutex
	adds        int
	updates     int
	disconnects []string
	delivered   map[string]int
	broadcasts  []string
	failDeliver map[string]bool
	failCast    map[string]bool
	panicCast   map[string]bool
	offline     map[string]bool
	checks      int
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		delivered:   map[string]int{},
		failDeliver: map[string]bool{},
		failCast:    map[string]bool{},
		panicCast:   map[string]bool{},
		offline:     map[string]bool{},
	}
}

func (h *fakeHooks) AddAgentRegistration(context.Context, protocol.AgentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adds++
	return nil
}

func (h *fakeHooks) UpdateAgentRegistration(context.Context, protocol.AgentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates++
	return nil
}

func (h *fakeHooks) CheckAgentConnection(_ context.Context, a protocol.AgentRecord) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	if h.offline[a.ID] {
		return false, errors.New("no heartbeat")
	}
	return true, nil
}

func (h *fakeHooks) DisconnectAgent(_ context.Context, a protocol.AgentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, a.ID)
	if a.ID == "b" {
		return errors.New("already gone")
	}
	return nil
}

func (h *fakeHooks) DeliverMessage(_ context.Context, msg protocol.Message) (any, error) {
	key := coordination.PairKey(msg.SenderID, msg.RecipientID)
	h.mu.Lock()
	h.delivered[key]++
	h.mu.Unlock()
	if h.failDeliver[msg.RecipientID] {
		return nil, errors.New("inbox full")
	}
	return "ack:" + msg.RecipientID, nil
}

func (h *fakeHooks) DeliverBroadcast(_ context.Context, msg protocol.Message, to protocol.AgentRecord) error {
	if h.panicCast[to.ID] {
		panic("recipient handler crashed")
	}
	if h.failCast[to.ID] {
		return errors.New("unreachable")
	}
	h.mu.Lock()
	h.broadcasts = append(h.broadcasts, to.ID)
	h.mu.Unlock()
	return nil
}

func newTestMediator(hooks Hooks, opts Options) *Mediator {
	opts.RetryDelay = time.Millisecond
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	return New(coordination.Identity{
		ID:      "mediator-1",
		Name:    "Test Mediator",
		Version: "0.1.0",
	}, opts, hooks, testLogger())
}

func registerAll(t *testing.T, m *Mediator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := protocol.AgentRecord{ID: id, Name: id, Type: "analyzer"}
		if id == "c" {
			rec.Capabilities = []string{"dashboard"}
		}
		if err := m.Register(context.Background(), rec); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
}

func TestRegister_Idempotent(t *testing.T) {
	hooks := newFakeHooks()
	m := newTestMediator(hooks, Options{})

	registerAll(t, m, "a")
	if err := m.Register(context.Background(), protocol.AgentRecord{ID: "a", Name: "renamed"}); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	if hooks.adds != 1 || hooks.updates != 1 {
		t.Fatalf("adds=%d updates=%d, want 1 each", hooks.adds, hooks.updates)
	}
	if len(m.Agents()) != 1 {
		t.Fatalf("agents = %d, want 1", len(m.Agents()))
	}
	if a, _ := m.Agent("a"); a.Name != "renamed" || a.Status != protocol.StatusActive {
		t.Errorf("record = %+v", a)
	}
}

func TestRegister_EmptyID(t *testing.T) {
	m := newTestMediator(newFakeHooks(), Options{})
	if err := m.Register(context.Background(), protocol.AgentRecord{}); !errors.Is(err, coordination.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestCommunicate_UnknownFailsFast(t *testing.T) {
	hooks := newFakeHooks()
	m := newTestMediator(hooks, Options{})
	registerAll(t, m, "a")

	_, err := m.Communicate(context.Background(), "a", "ghost", "hi")
	if !errors.Is(err, coordination.ErrResolution) || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("err = %v", err)
	}
	if len(hooks.delivered) != 0 || len(m.History()) != 0 {
		t.Error("side effects despite unknown recipient")
	}
}

func TestCommunicate_RetriesAndWraps(t *testing.T) {
	hooks := newFakeHooks()
	hooks.failDeliver["b"] = true
	m := newTestMediator(hooks, Options{MessageExpiration: time.Hour})
	registerAll(t, m, "a", "b")

	_, err := m.Communicate(context.Background(), "a", "b", map[string]any{"type": "report"})
	if err == nil || !strings.Contains(err.Error(), "from a to b") || !strings.Contains(err.Error(), "inbox full") {
		t.Fatalf("err = %v", err)
	}
	if hooks.delivered["a:b"] != 2 {
		t.Errorf("deliveries = %d, want 2", hooks.delivered["a:b"])
	}

	h := m.History()
	if len(h) != 1 || h[0].Type != "report" || h[0].TTL != time.Hour {
		t.Errorf("history = %+v", h)
	}
}

func TestCommunicate_ReturnsResponse(t *testing.T) {
	m := newTestMediator(newFakeHooks(), Options{})
	registerAll(t, m, "a", "b")
	resp, err := m.Communicate(context.Background(), "a", "b", "hi")
	if err != nil || resp != "ack:b" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
}

func TestBroadcast_Isolation(t *testing.T) {
	hooks := newFakeHooks()
	hooks.failCast["b"] = true
	hooks.panicCast["d"] = true
	m := newTestMediator(hooks, Options{})
	registerAll(t, m, "a", "b", "c", "d")

	summary := m.Broadcast(context.Background(), "hello", nil)

	if len(summary.Delivered) != 2 || summary.Delivered[0] != "a" || summary.Delivered[1] != "c" {
		t.Fatalf("delivered = %v, want [a c]", summary.Delivered)
	}
	if _, ok := summary.Failed["b"]; !ok {
		t.Error("b failure not reported")
	}
	if !strings.Contains(summary.Failed["d"], "crashed") {
		t.Errorf("d failure = %q", summary.Failed["d"])
	}

	h := m.History()
	if len(h) != 1 || !h[0].IsBroadcast() || h[0].Type != protocol.MessageBroadcast || h[0].SenderID != "mediator-1" {
		t.Errorf("history = %+v", h)
	}
}

func TestBroadcast_Filter(t *testing.T) {
	hooks := newFakeHooks()
	m := newTestMediator(hooks, Options{})
	registerAll(t, m, "a", "b", "c")

	summary := m.Broadcast(context.Background(), "hello", WithCapability("dashboard"))
	if len(summary.Delivered) != 1 || summary.Delivered[0] != "c" {
		t.Fatalf("delivered = %v, want [c]", summary.Delivered)
	}
}

func TestCoordinate_Classification(t *testing.T) {
	hooks := newFakeHooks()
	hooks.failDeliver["x"] = true
	m := newTestMediator(hooks, Options{})
	registerAll(t, m, "a", "x", "y")

	r := m.Coordinate(context.Background(), []string{"a"}, []string{"x", "y"}, "p")
	if !r.Success || !strings.Contains(r.Message, "1/2") {
		t.Fatalf("result = %+v", r)
	}
	data := r.Data.(map[string]CommunicationResult)
	if data["a:x"].Success || !data["a:y"].Success || data["a:y"].Response != "ack:y" {
		t.Errorf("data = %+v", data)
	}

	all := m.Coordinate(context.Background(), []string{"a"}, []string{"x", "ghost"}, "p")
	if all.Success || all.Metadata[coordination.MetaResults] == nil {
		t.Fatalf("all-failed result = %+v", all)
	}
}

func TestCheckConnections_MarksOnlyFailingAgent(t *testing.T) {
	hooks := newFakeHooks()
	hooks.offline["b"] = true
	m := newTestMediator(hooks, Options{})
	registerAll(t, m, "a", "b")

	status, err := m.CheckConnectionStatus(context.Background())
	if err != nil {
		t.Fatalf("CheckConnectionStatus: %v", err)
	}
	if status.Connected || !status.Services["a"].Connected || status.Services["b"].Connected {
		t.Fatalf("status = %+v", status)
	}
	a, _ := m.Agent("a")
	b, _ := m.Agent("b")
	if a.Status != protocol.StatusActive || b.Status != protocol.StatusInactive {
		t.Errorf("a=%s b=%s", a.Status, b.Status)
	}

	hooks.mu.Lock()
	hooks.offline["b"] = false
	hooks.mu.Unlock()
	m.CheckConnectionStatus(context.Background())
	if b, _ := m.Agent("b"); b.Status != protocol.StatusActive {
		t.Errorf("b did not recover: %s", b.Status)
	}
}

func TestShutdown_DisconnectsEveryAgent(t *testing.T) {
	hooks := newFakeHooks()
	m := newTestMediator(hooks, Options{})
	registerAll(t, m, "a", "b", "c")
	m.Broadcast(context.Background(), "bye", nil)

	m.Shutdown(context.Background())

	if len(hooks.disconnects) != 3 {
		t.Fatalf("disconnects = %v, want all three despite b failing", hooks.disconnects)
	}
	if len(m.Agents()) != 0 || len(m.History()) != 0 {
		t.Error("registry or history not cleared")
	}
}

func TestDeregister(t *testing.T) {
	hooks := newFakeHooks()
	m := newTestMediator(hooks, Options{})
	registerAll(t, m, "a")
	if !m.Deregister(context.Background(), "a") {
		t.Fatal("Deregister reported unknown agent")
	}
	if m.Deregister(context.Background(), "a") {
		t.Fatal("second Deregister reported known agent")
	}
	if len(hooks.disconnects) != 1 {
		t.Errorf("disconnects = %v", hooks.disconnects)
	}
}

func TestHistory_Bounded(t *testing.T) {
	m := newTestMediator(newFakeHooks(), Options{QueueSize: 3})
	registerAll(t, m, "a", "b")
	for range 5 {
		m.Communicate(context.Background(), "a", "b", "hi")
	}
	if got := len(m.History()); got != 3 {
		t.Fatalf("history = %d, want 3", got)
	}
}

func TestHistory_DropsExpired(t *testing.T) {
	m := newTestMediator(newFakeHooks(), Options{MessageExpiration: 10 * time.Millisecond})
	registerAll(t, m, "a", "b")
	m.Communicate(context.Background(), "a", "b", "hi")
	time.Sleep(30 * time.Millisecond)
	if got := len(m.History()); got != 0 {
		t.Fatalf("history = %d, want expired message dropped", got)
	}
}

func TestHeartbeatLoop(t *testing.T) {
	hooks := newFakeHooks()
	m := newTestMediator(hooks, Options{HeartbeatInterval: 5 * time.Millisecond})
	registerAll(t, m, "a")

	deadline := time.Now().Add(time.Second)
	for {
		hooks.mu.Lock()
		checks := hooks.checks
		hooks.mu.Unlock()
		if checks >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat loop did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Shutdown(context.Background())
}
