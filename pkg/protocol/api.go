package protocol

import "time"

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status          string    `json:"status"`
	Uptime          string    `json:"uptime"`
	NATSRunning     bool      `json:"nats_running"`
	StartedAt       time.Time `json:"started_at"`
	AgentCount      int       `json:"agent_count"`
	ConnectionCount int       `json:"connection_count"`
	Roles           []string  `json:"roles"`
}

// AgentsResponse is returned by GET /api/v1/agents.
type AgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
}

// RoleHealth is the cached connection status of one hosted role.
type RoleHealth struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Connected   bool      `json:"connected"`
	LastChecked time.Time `json:"last_checked"`
	Services    int       `json:"services"`
}

// BridgeConnection is a credential-free view of one bridge connection.
type BridgeConnection struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	SourceType string    `json:"source_type"`
	TargetID   string    `json:"target_id"`
	TargetType string    `json:"target_type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConnectionsResponse is returned by GET /api/v1/connections.
type ConnectionsResponse struct {
	Roles       []RoleHealth       `json:"roles"`
	Connections []BridgeConnection `json:"connections"`
}

// CoordinateRequest is the body of POST /api/v1/coordinate.
type CoordinateRequest struct {
	Role    string   `json:"role"`
	Sources []string `json:"sources"`
	Targets []string `json:"targets"`
	Payload any      `json:"payload"`
}

// BroadcastRequest is the body of POST /api/v1/broadcast.
type BroadcastRequest struct {
	Content    any    `json:"content"`
	Capability string `json:"capability,omitempty"`
}

// BroadcastResponse is returned by POST /api/v1/broadcast.
type BroadcastResponse struct {
	MessageID string            `json:"message_id"`
	Delivered int               `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// ErrorResponse is the body of non-2xx API replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
