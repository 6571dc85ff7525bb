package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/relay/pkg/coordination"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
}

type fakeClient struct {
	name    string
	pingErr error
	closed  atomic.Bool
}

func (c *fakeClient) Ping(context.Context) error { return c.pingErr }
func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeHooks struct {
	mu        sync.Mutex
	creates   int
	adaptErr  map[string]error
	adapts    map[string]int
	forbidden map[string]bool
}

func (h *fakeHooks) CreateServiceClient(_ context.Context, name string) (any, error) {
	h.mu.Lock()
	h.creates++
	h.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return &fakeClient{name: name}, nil
}

func (h *fakeHooks) Adapt(_ context.Context, payload any, source, target string) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.adapts == nil {
		h.adapts = make(map[string]int)
	}
	h.adapts[target]++
	if err := h.adaptErr[target]; err != nil {
		return nil, err
	}
	return fmt.Sprintf("%s->%s:%v", source, target, payload), nil
}

func (h *fakeHooks) CheckCompatibility(source, target string) bool {
	return !h.forbidden[source+":"+target]
}

type transformingHooks struct {
	fakeHooks
}

func (h *transformingHooks) TransformData(_ context.Context, data any) (any, error) {
	return strings.ToUpper(data.(string)), nil
}

func newTestAdapter(hooks Hooks) *Adapter {
	return New(coordination.Identity{
		ID:           "adapter-1",
		Name:         "Test Adapter",
		Version:      "0.1.0",
		Capabilities: []string{"json", "yaml", "toml"},
	}, coordination.Options{MaxRetries: 2, RetryDelay: time.Millisecond}, hooks, testLogger())
}

func TestCoordinate_AllTargets(t *testing.T) {
	a := newTestAdapter(&fakeHooks{})
	r := a.Coordinate(context.Background(), []string{"json", "ignored"}, []string{"yaml", "toml"}, "p")
	if !r.Success {
		t.Fatalf("result = %+v", r)
	}
	data := r.Data.(map[string]any)
	if data["yaml"] != "json->yaml:p" || data["toml"] != "json->toml:p" {
		t.Fatalf("data = %v", data)
	}
	if r.Metadata[coordination.MetaAgentID] != "adapter-1" {
		t.Errorf("metadata = %v", r.Metadata)
	}
	if a.Identity().Kind != coordination.KindAdapter {
		t.Errorf("kind = %s", a.Identity().Kind)
	}
}

func TestCoordinate_IncompatiblePairFailsWhole(t *testing.T) {
	hooks := &fakeHooks{forbidden: map[string]bool{"json:toml": true}}
	a := newTestAdapter(hooks)

	r := a.Coordinate(context.Background(), []string{"json"}, []string{"yaml", "toml"}, "p")
	if r.Success {
		t.Fatal("expected failure")
	}
	if r.Data != nil {
		t.Errorf("partial data returned: %v", r.Data)
	}
	if r.Metadata[coordination.MetaErrorName] != "IncompatibleFormatsError" {
		t.Errorf("error_name = %v", r.Metadata[coordination.MetaErrorName])
	}
	if len(hooks.adapts) != 0 {
		t.Errorf("adapt called despite incompatibility: %v", hooks.adapts)
	}
}

func TestCoordinate_OneConversionFailureAborts(t *testing.T) {
	hooks := &fakeHooks{adaptErr: map[string]error{"toml": errors.New("encoder broke")}}
	a := newTestAdapter(hooks)

	r := a.Coordinate(context.Background(), []string{"json"}, []string{"yaml", "toml"}, "p")
	if r.Success {
		t.Fatal("expected failure")
	}
	if r.Data != nil {
		t.Errorf("partial results returned: %v", r.Data)
	}
	if !strings.Contains(r.Error, "encoder broke") {
		t.Errorf("error = %q", r.Error)
	}
	if hooks.adapts["toml"] != 2 {
		t.Errorf("toml attempts = %d, want 2 (retried)", hooks.adapts["toml"])
	}
}

func TestCoordinate_Validation(t *testing.T) {
	a := newTestAdapter(&fakeHooks{})
	r := a.Coordinate(context.Background(), nil, []string{"yaml"}, "p")
	if r.Success || r.Metadata[coordination.MetaErrorName] != "ValidationError" {
		t.Fatalf("result = %+v", r)
	}
}

func TestCoordinate_TransformerApplied(t *testing.T) {
	a := newTestAdapter(&transformingHooks{})
	r := a.Coordinate(context.Background(), []string{"json"}, []string{"yaml"}, "abc")
	if !r.Success {
		t.Fatalf("result = %+v", r)
	}
	if got := r.Data.(map[string]any)["yaml"]; got != "json->yaml:ABC" {
		t.Fatalf("yaml = %v, want transformed payload", got)
	}
}

func TestAdapt_ChecksCompatibility(t *testing.T) {
	a := newTestAdapter(&fakeHooks{forbidden: map[string]bool{"yaml:json": true}})
	if _, err := a.Adapt(context.Background(), "p", "yaml", "json"); !errors.Is(err, coordination.ErrIncompatibleFormats) {
		t.Fatalf("err = %v", err)
	}
	if _, err := a.Adapt(context.Background(), "p", "json", "yaml"); err != nil {
		t.Fatalf("Adapt: %v", err)
	}
}

func TestClient_UnsupportedService(t *testing.T) {
	a := newTestAdapter(&fakeHooks{})
	if _, err := a.Client(context.Background(), "xml"); !errors.Is(err, coordination.ErrUnsupportedService) {
		t.Fatalf("err = %v, want unsupported service", err)
	}
}

func TestClient_CachedAndCreatedOnce(t *testing.T) {
	hooks := &fakeHooks{}
	a := newTestAdapter(hooks)

	var wg sync.WaitGroup
	clients := make([]any, 8)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := a.Client(context.Background(), "json")
			if err != nil {
				t.Errorf("Client: %v", err)
			}
			clients[i] = c
		}()
	}
	wg.Wait()

	if hooks.creates != 1 {
		t.Fatalf("creates = %d, want 1", hooks.creates)
	}
	for _, c := range clients[1:] {
		if c != clients[0] {
			t.Fatal("callers received different clients")
		}
	}
}

func TestCheckConnections_PingsClients(t *testing.T) {
	a := newTestAdapter(&fakeHooks{})
	c, _ := a.Client(context.Background(), "json")
	a.Client(context.Background(), "yaml")
	c.(*fakeClient).pingErr = errors.New("gone")

	status, err := a.CheckConnectionStatus(context.Background())
	if err != nil {
		t.Fatalf("CheckConnectionStatus: %v", err)
	}
	if status.Connected {
		t.Error("overall status connected despite failed ping")
	}
	if status.Services["json"].Connected || !status.Services["yaml"].Connected {
		t.Errorf("services = %+v", status.Services)
	}
}

func TestShutdown_ClosesClients(t *testing.T) {
	a := newTestAdapter(&fakeHooks{})
	c, _ := a.Client(context.Background(), "json")

	a.Shutdown(context.Background())

	if !c.(*fakeClient).closed.Load() {
		t.Error("client not closed on shutdown")
	}
	if a.clients.Len() != 0 {
		t.Error("client cache not cleared")
	}
}

// decodingHooks parses "k=v" payloads into a map and records what the
// transform and Adapt receive.
type decodingHooks struct {
	fakeHooks
	transformed any
	adapted     []any
}

func (h *decodingHooks) Decode(_ context.Context, payload any, _ string) (any, error) {
	s, ok := payload.(string)
	if !ok {
		return payload, nil
	}
	k, v, found := strings.Cut(s, "=")
	if !found {
		return nil, fmt.Errorf("%w: not k=v", coordination.ErrValidation)
	}
	return map[string]any{k: v}, nil
}

func (h *decodingHooks) TransformData(_ context.Context, data any) (any, error) {
	h.transformed = data
	m := data.(map[string]any)
	m["migrated"] = true
	return m, nil
}

func (h *decodingHooks) Adapt(_ context.Context, payload any, _, _ string) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapted = append(h.adapted, payload)
	return "ok", nil
}

func TestCoordinate_DecodesBeforeTransform(t *testing.T) {
	hooks := &decodingHooks{}
	a := newTestAdapter(hooks)

	r := a.Coordinate(context.Background(), []string{"yaml"}, []string{"json", "toml"}, "name=x")
	if !r.Success {
		t.Fatalf("result = %+v", r)
	}
	if _, ok := hooks.transformed.(map[string]any); !ok {
		t.Fatalf("transform saw %T, want the decoded map", hooks.transformed)
	}
	if len(hooks.adapted) != 2 {
		t.Fatalf("adapt calls = %d, want 2", len(hooks.adapted))
	}
	for _, in := range hooks.adapted {
		d, ok := in.(Decoded)
		if !ok {
			t.Fatalf("adapt input = %T, want Decoded", in)
		}
		if m := d.Value.(map[string]any); m["name"] != "x" || m["migrated"] != true {
			t.Fatalf("decoded value = %v", m)
		}
	}
}

func TestCoordinate_DecodeFailure(t *testing.T) {
	hooks := &decodingHooks{}
	a := newTestAdapter(hooks)

	r := a.Coordinate(context.Background(), []string{"yaml"}, []string{"json"}, "garbage")
	if r.Success || r.Metadata[coordination.MetaErrorName] != "ValidationError" {
		t.Fatalf("result = %+v", r)
	}
	if hooks.transformed != nil || len(hooks.adapted) != 0 {
		t.Fatal("transform or adapt ran after a decode failure")
	}
}

type panickingHooks struct {
	fakeHooks
	in string
}

func (h *panickingHooks) CheckCompatibility(source, target string) bool {
	if h.in == "compat" {
		panic("compat exploded")
	}
	return true
}

func (h *panickingHooks) Adapt(context.Context, any, string, string) (any, error) {
	if h.in == "adapt" {
		panic("adapt exploded")
	}
	return "ok", nil
}

func TestCoordinate_HookPanicBecomesErrorResult(t *testing.T) {
	for _, where := range []string{"compat", "adapt"} {
		t.Run(where, func(t *testing.T) {
			a := newTestAdapter(&panickingHooks{in: where})
			r := a.Coordinate(context.Background(), []string{"json"}, []string{"yaml"}, "p")
			if r.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(r.Error, where+" exploded") {
				t.Errorf("error = %q", r.Error)
			}
			if r.Metadata[coordination.MetaErrorName] != "PanicError" {
				t.Errorf("error_name = %v", r.Metadata[coordination.MetaErrorName])
			}
		})
	}
}
