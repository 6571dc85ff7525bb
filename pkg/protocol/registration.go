package protocol

// Registration is published on relay.registry when a peer starts or
// re-announces itself.
type Registration struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Record converts a registration into an active AgentRecord.
func (r Registration) Record() AgentRecord {
	return AgentRecord{
		ID:           r.ID,
		Name:         r.Name,
		Type:         r.Type,
		Version:      r.Version,
		Capabilities: r.Capabilities,
		Status:       StatusActive,
		Endpoint:     r.Endpoint,
		Metadata:     r.Metadata,
	}
}
