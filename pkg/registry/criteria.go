package registry

import (
	"strings"

	"github.com/sekia-ai/relay/pkg/protocol"
)

// Criteria selects agents in a discovery query. Zero fields match anything;
// every listed capability must be declared.
type Criteria struct {
	Name         string               `json:"name,omitempty"`
	Type         string               `json:"type,omitempty"`
	Status       protocol.AgentStatus `json:"status,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`
}

// Matches reports whether r satisfies every set field. Name matching is a
// case-insensitive substring test.
func (c Criteria) Matches(r protocol.AgentRecord) bool {
	if c.Name != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(c.Name)) {
		return false
	}
	if c.Type != "" && r.Type != c.Type {
		return false
	}
	if c.Status != "" && r.Status != c.Status {
		return false
	}
	for _, capability := range c.Capabilities {
		if !r.HasCapability(capability) {
			return false
		}
	}
	return true
}
