package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sekia-ai/relay/pkg/bridge"
	"github.com/sekia-ai/relay/pkg/protocol"
)

// httpEndpoint posts envelopes to a URL and reads data types from
// <url>/<data-type>. Credentials "token" (bearer) or "username"/"password"
// (basic) authenticate requests.
type httpEndpoint struct {
	client  *http.Client
	url     *url.URL
	creds   map[string]string
	headers map[string]string
}

func newHTTPEndpoint(client *http.Client, u *url.URL, sys bridge.SystemEndpoint) *httpEndpoint {
	headers := make(map[string]string)
	if h, ok := sys.Options["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	return &httpEndpoint{client: client, url: u, creds: sys.Credentials, headers: headers}
}

func (h *httpEndpoint) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	switch {
	case h.creds["token"] != "":
		req.Header.Set("Authorization", "Bearer "+h.creds["token"])
	case h.creds["username"] != "":
		req.SetBasicAuth(h.creds["username"], h.creds["password"])
	}
	return req, nil
}

func (h *httpEndpoint) Send(ctx context.Context, env protocol.Envelope) (int64, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := h.newRequest(ctx, http.MethodPost, h.url.String(), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", h.url.Redacted(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("post %s: status %d", h.url.Redacted(), resp.StatusCode)
	}
	return int64(len(body)), nil
}

func (h *httpEndpoint) Fetch(ctx context.Context, dataType string) (any, error) {
	target := h.url.JoinPath(dataType)
	req, err := h.newRequest(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", target.Redacted(), resp.StatusCode)
	}
	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", target.Redacted(), err)
	}
	return data, nil
}

// Ping issues a HEAD request; any response below 500 counts as reachable.
func (h *httpEndpoint) Ping(ctx context.Context) error {
	req, err := h.newRequest(ctx, http.MethodHead, h.url.String(), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("head %s: %w", h.url.Redacted(), err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("head %s: status %d", h.url.Redacted(), resp.StatusCode)
	}
	return nil
}

func (h *httpEndpoint) Close() { h.client.CloseIdleConnections() }
