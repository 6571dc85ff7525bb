package protocol

import (
	"slices"
	"time"
)

// AgentStatus is the liveness of a known agent.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusInactive AgentStatus = "inactive"
	StatusBusy     AgentStatus = "busy"
)

// AgentRecord describes a peer agent known to a mediator or registry.
type AgentRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Status       AgentStatus    `json:"status"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HasCapability reports whether the agent declares capability.
func (r AgentRecord) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

// AgentInfo is one entry in the GET /api/v1/agents response.
type AgentInfo struct {
	AgentRecord
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Handled       int64     `json:"handled"`
	Errors        int64     `json:"errors"`
}
