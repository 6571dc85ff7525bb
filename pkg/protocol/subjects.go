package protocol

import "fmt"

// NATS subject constants and helpers.
const (
	SubjectRegistry = "relay.registry"

	// SubjectHeartbeatAll matches every agent heartbeat.
	SubjectHeartbeatAll = "relay.heartbeat.>"

	// SubjectTransfers is the root of subjects captured by the transfer stream.
	SubjectTransfers = "relay.transfers"

	// TransferStream is the JetStream stream holding bridge transfers.
	TransferStream = "RELAY_TRANSFERS"
)

func SubjectHeartbeat(agentID string) string {
	return fmt.Sprintf("relay.heartbeat.%s", agentID)
}

func SubjectInbox(agentID string) string {
	return fmt.Sprintf("relay.agents.%s.inbox", agentID)
}

func SubjectTransfer(name string) string {
	return fmt.Sprintf("%s.%s", SubjectTransfers, name)
}
