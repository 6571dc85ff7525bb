package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/sekia-ai/relay/pkg/protocol"
)

// ErrRejected is returned when the recipient answered with an error.
var ErrRejected = errors.New("message rejected by recipient")

// Request signs msg with secret, delivers it to the recipient's inbox and
// waits for the reply until ctx is done.
func Request(ctx context.Context, nc *nats.Conn, msg protocol.Message, secret string) (any, error) {
	if err := protocol.SignMessage(&msg, secret); err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	resp, err := nc.RequestWithContext(ctx, protocol.SubjectInbox(msg.RecipientID), data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", msg.RecipientID, err)
	}
	var reply protocol.Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", msg.RecipientID, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	return reply.Response, nil
}

// Publish signs msg and publishes it to recipientID's inbox without waiting
// for a reply. It is used for broadcast copies.
func Publish(nc *nats.Conn, msg protocol.Message, recipientID, secret string) error {
	if err := protocol.SignMessage(&msg, secret); err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := nc.Publish(protocol.SubjectInbox(recipientID), data); err != nil {
		return fmt.Errorf("publish to %s: %w", recipientID, err)
	}
	return nil
}
