package protocol

import "time"

// Heartbeat is published on relay.heartbeat.<agent-id> every interval.
type Heartbeat struct {
	ID          string      `json:"id"`
	Status      AgentStatus `json:"status"`
	LastMessage time.Time   `json:"last_message"`
	Handled     int64       `json:"handled"`
	Errors      int64       `json:"errors"`
}
