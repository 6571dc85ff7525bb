package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sekia-ai/relay/pkg/protocol"
)

// apiClient returns an http.Client that connects over the Unix socket.
func apiClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// apiGet performs a GET and decodes the JSON response.
func apiGet(path string, dest any) error {
	resp, err := apiClient().Get("http://relayd" + path)
	if err != nil {
		return fmt.Errorf("cannot connect to relayd at %s: %w", socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// apiPost sends body as JSON and decodes the JSON response. A 400 carrying a
// coordination result is decoded like a 200 so callers can print it.
func apiPost(path string, body, dest any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := apiClient().Post("http://relayd"+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("cannot connect to relayd at %s: %w", socketPath, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		var envelope map[string]json.RawMessage
		if json.Unmarshal(raw, &envelope) != nil || envelope["success"] == nil {
			return errorFrom(resp.StatusCode, raw)
		}
		if dest != nil {
			return json.Unmarshal(raw, dest)
		}
		return nil
	default:
		return apiError(resp)
	}
	if dest != nil {
		return json.NewDecoder(resp.Body).Decode(dest)
	}
	return nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errorFrom(resp.StatusCode, raw)
}

func errorFrom(code int, raw []byte) error {
	var e protocol.ErrorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return fmt.Errorf("relayd returned HTTP %d: %s", code, e.Error)
	}
	return fmt.Errorf("relayd returned HTTP %d", code)
}
