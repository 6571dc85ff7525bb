package coordination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
}

type fakeLifecycle struct {
	status   ConnectionStatus
	checkErr error
	closeErr error
	checks   int
	closes   int
}

func (f *fakeLifecycle) CheckConnections(context.Context) (ConnectionStatus, error) {
	f.checks++
	if f.checkErr != nil {
		return ConnectionStatus{}, f.checkErr
	}
	return f.status, nil
}

func (f *fakeLifecycle) CloseConnections(context.Context) error {
	f.closes++
	return f.closeErr
}

func newTestBase(lc Lifecycle) *Base {
	return NewBase(Identity{
		ID:           "agent-1",
		Name:         "Test Agent",
		Kind:         KindBridge,
		Version:      "0.1.0",
		Capabilities: []string{"rest-api", "database"},
	}, Options{RetryDelay: time.Millisecond}, lc, testLogger())
}

func TestOptionsMerge(t *testing.T) {
	base := DefaultOptions()
	base.ServiceConfig = map[string]any{"a": 1, "b": 2}

	merged := base.Merge(Options{MaxRetries: 5, ServiceConfig: map[string]any{"b": 3}})

	if merged.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", merged.MaxRetries)
	}
	if merged.Timeout != 30*time.Second || merged.RetryDelay != time.Second || merged.Parallelism != 1 {
		t.Errorf("defaults not kept: %+v", merged)
	}
	if merged.ServiceConfig["a"] != 1 || merged.ServiceConfig["b"] != 3 {
		t.Errorf("ServiceConfig = %v, want a=1 b=3", merged.ServiceConfig)
	}
	if base.ServiceConfig["b"] != 2 {
		t.Error("Merge mutated the receiver's ServiceConfig")
	}
}

func TestCanHandle(t *testing.T) {
	b := newTestBase(&fakeLifecycle{})
	if !b.CanHandle("database") {
		t.Error("expected database to be handled")
	}
	if b.CanHandle("file-system") {
		t.Error("did not expect file-system to be handled")
	}

	services := b.SupportedServices()
	services[0] = "mutated"
	if !b.CanHandle("rest-api") {
		t.Error("SupportedServices leaked internal slice")
	}
}

func TestCheckConnectionStatus_ReplacesStatus(t *testing.T) {
	lc := &fakeLifecycle{status: ConnectionStatus{
		Connected: true,
		Services:  map[string]ServiceStatus{"db": {Connected: true}},
	}}
	b := newTestBase(lc)

	status, err := b.CheckConnectionStatus(context.Background())
	if err != nil {
		t.Fatalf("CheckConnectionStatus: %v", err)
	}
	if !status.Connected || status.LastChecked.IsZero() {
		t.Fatalf("status = %+v, want connected with timestamp", status)
	}
	if !b.Status().Connected {
		t.Fatal("cached status not replaced")
	}
}

func TestCheckConnectionStatus_FailureMarksDisconnected(t *testing.T) {
	lc := &fakeLifecycle{status: ConnectionStatus{Connected: true}}
	b := newTestBase(lc)
	b.CheckConnectionStatus(context.Background())

	lc.checkErr = errors.New("network down")
	_, err := b.CheckConnectionStatus(context.Background())
	if err == nil || !strings.Contains(err.Error(), "network down") {
		t.Fatalf("err = %v, want wrapped network down", err)
	}
	if b.Status().Connected {
		t.Fatal("previous connected status survived a failed check")
	}
}

func TestInitialize_FailedCheckDoesNotAbort(t *testing.T) {
	lc := &fakeLifecycle{checkErr: errors.New("unreachable")}
	b := newTestBase(lc)

	if err := b.Initialize(context.Background(), Options{MaxRetries: 7}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if lc.checks != 1 {
		t.Errorf("checks = %d, want 1", lc.checks)
	}
	if b.Status().Connected {
		t.Error("expected agent to start disconnected")
	}
	if b.Options().MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", b.Options().MaxRetries)
	}
}

func TestShutdown_SwallowsCloseErrorAndResets(t *testing.T) {
	lc := &fakeLifecycle{status: ConnectionStatus{Connected: true}, closeErr: errors.New("close failed")}
	b := newTestBase(lc)
	b.CheckConnectionStatus(context.Background())

	b.Shutdown(context.Background())

	if lc.closes != 1 {
		t.Errorf("closes = %d, want 1", lc.closes)
	}
	if b.Status().Connected {
		t.Error("status not reset after shutdown")
	}
}

func TestResults_Stamped(t *testing.T) {
	b := newTestBase(&fakeLifecycle{})

	ok := b.SuccessResult("data", "done", map[string]any{"extra": 1})
	if !ok.Success || ok.Message != "done" || ok.Data != "data" {
		t.Fatalf("success result = %+v", ok)
	}
	if ok.Metadata[MetaAgentID] != "agent-1" || ok.Metadata[MetaTimestamp] == nil || ok.Metadata["extra"] != 1 {
		t.Fatalf("success metadata = %v", ok.Metadata)
	}

	failed := b.ErrorResult(fmt.Errorf("lookup: %w", ErrResolution), nil)
	if failed.Success || failed.Error == "" {
		t.Fatalf("error result = %+v", failed)
	}
	if failed.Metadata[MetaErrorName] != "ResolutionError" {
		t.Errorf("error_name = %v, want ResolutionError", failed.Metadata[MetaErrorName])
	}

	empty := b.ErrorResult(nil, nil)
	if empty.Error == "" {
		t.Error("error result without error text")
	}
}

func TestFinalize_FillsInvariants(t *testing.T) {
	b := newTestBase(&fakeLifecycle{})
	r := b.Finalize(Result{Success: false})
	if r.Error == "" || r.Metadata[MetaAgentID] != "agent-1" || r.Metadata[MetaErrorName] == nil {
		t.Fatalf("finalized = %+v", r)
	}
}

func TestErrorName_FallsBackToType(t *testing.T) {
	if got := ErrorName(&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}); got != "fs.PathError" {
		t.Fatalf("ErrorName = %q, want fs.PathError", got)
	}
}

func TestOptionsMerge_ExplicitZeroDurations(t *testing.T) {
	merged := DefaultOptions().Merge(Options{RetryDelay: NoDuration, Timeout: NoDuration})
	if merged.RetryDelay != 0 || merged.Timeout != 0 {
		t.Fatalf("merged = %+v, want zero delay and timeout", merged)
	}
	// A later unset override keeps the explicit zero.
	if again := merged.Merge(Options{MaxRetries: 2}); again.RetryDelay != 0 || again.Timeout != 0 {
		t.Fatalf("merged again = %+v", again)
	}

	b := NewBase(Identity{ID: "a"}, Options{RetryDelay: NoDuration}, &fakeLifecycle{}, testLogger())
	if b.Options().RetryDelay != 0 {
		t.Fatalf("base RetryDelay = %s, want 0", b.Options().RetryDelay)
	}
}

func TestRetry_NoDelay(t *testing.T) {
	calls := 0
	start := time.Now()
	Retry(context.Background(), RetryPolicy{MaxRetries: 5, Delay: NoDuration},
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("boom")
		})
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("retries without delay took %s", time.Since(start))
	}
}

func TestLogger_SharedAndScoped(t *testing.T) {
	var buf bytes.Buffer
	b := NewBase(Identity{ID: "agent-7", Kind: KindMediator}, Options{}, &fakeLifecycle{}, zerolog.New(&buf))
	if b.Logger() != b.Logger() {
		t.Fatal("Logger returned a different logger per call")
	}
	b.Logger().Info().Msg("hello")
	out := buf.String()
	if !strings.Contains(out, `"agent":"agent-7"`) || !strings.Contains(out, `"kind":"mediator"`) {
		t.Fatalf("log line = %s", out)
	}
}

func TestGuard_PanicBecomesErrorResult(t *testing.T) {
	b := newTestBase(&fakeLifecycle{})
	r := b.Guard(func() Result { panic("hook exploded") })
	if r.Success || !strings.Contains(r.Error, "hook exploded") {
		t.Fatalf("result = %+v", r)
	}
	if r.Metadata[MetaErrorName] != "PanicError" || r.Metadata[MetaAgentID] != "agent-1" {
		t.Fatalf("metadata = %v", r.Metadata)
	}

	ok := b.Guard(func() Result { return b.SuccessResult("d", "fine", nil) })
	if !ok.Success || ok.Data != "d" {
		t.Fatalf("result = %+v", ok)
	}
}

func TestSafely(t *testing.T) {
	if err := Safely(func() {}); err != nil {
		t.Fatalf("Safely: %v", err)
	}
	err := Safely(func() { panic(fmt.Sprintf("code %d", 7)) })
	if !errors.Is(err, ErrPanicked) || !strings.Contains(err.Error(), "code 7") {
		t.Fatalf("err = %v", err)
	}
}
