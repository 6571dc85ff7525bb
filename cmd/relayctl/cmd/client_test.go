package cmd

import (
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/protocol"
)

func startSocketServer(t *testing.T, h http.Handler) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	old := socketPath
	socketPath = path
	t.Cleanup(func() { socketPath = old })
}

func TestAPIPost_DecodesValidationResult(t *testing.T) {
	startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(coordination.Result{Success: false, Error: "validation failed: no sources given"})
	}))

	var res coordination.Result
	if err := apiPost("/api/v1/coordinate", protocol.CoordinateRequest{Role: "bridge"}, &res); err != nil {
		t.Fatalf("apiPost: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "no sources") {
		t.Fatalf("res = %+v", res)
	}
}

func TestAPIPost_SurfacesErrorResponse(t *testing.T) {
	startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "content is required"})
	}))

	var resp protocol.BroadcastResponse
	err := apiPost("/api/v1/broadcast", protocol.BroadcastRequest{}, &resp)
	if err == nil || !strings.Contains(err.Error(), "content is required") {
		t.Fatalf("err = %v, want the server's error text", err)
	}
}

func TestAPIGet_NotFound(t *testing.T) {
	startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "unknown role: x"})
	}))

	var resp protocol.StatusResponse
	if err := apiGet("/api/v1/status", &resp); err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("err = %v", err)
	}
}
