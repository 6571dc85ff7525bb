package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sekia-ai/relay/pkg/protocol"
)

// subjectOf reads the subject from nats:<subject> or nats://<subject>.
func subjectOf(u *url.URL) (string, error) {
	subject := u.Opaque
	if subject == "" {
		subject = u.Host + strings.ReplaceAll(u.Path, "/", ".")
	}
	subject = strings.Trim(subject, ".")
	if subject == "" {
		return "", fmt.Errorf("uri %q names no subject", u.String())
	}
	if strings.ContainsAny(subject, "*> \t") {
		return "", fmt.Errorf("subject %q must not contain wildcards or spaces", subject)
	}
	return subject, nil
}

// natsSink publishes envelopes on a core NATS subject.
type natsSink struct {
	nc      *nats.Conn
	subject string
}

func newNATSSink(nc *nats.Conn, u *url.URL) (*natsSink, error) {
	subject, err := subjectOf(u)
	if err != nil {
		return nil, err
	}
	return &natsSink{nc: nc, subject: subject}, nil
}

func (s *natsSink) Send(ctx context.Context, env protocol.Envelope) (int64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return 0, fmt.Errorf("publish %s: %w", s.subject, err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return 0, fmt.Errorf("flush %s: %w", s.subject, err)
	}
	return int64(len(data)), nil
}

func (s *natsSink) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats connection %s", s.nc.Status())
	}
	return s.nc.FlushWithContext(ctx)
}

// jetStreamSink persists envelopes in the transfer stream under
// relay.transfers.<name>.
type jetStreamSink struct {
	js      jetstream.JetStream
	subject string
}

func newJetStreamSink(js jetstream.JetStream, u *url.URL) (*jetStreamSink, error) {
	name, err := subjectOf(u)
	if err != nil {
		return nil, err
	}
	return &jetStreamSink{js: js, subject: protocol.SubjectTransfer(name)}, nil
}

func (s *jetStreamSink) Send(ctx context.Context, env protocol.Envelope) (int64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	// The envelope id doubles as the JetStream dedup id so that a retried
	// transfer is stored once.
	if _, err := s.js.Publish(ctx, s.subject, data, jetstream.WithMsgID(env.ID)); err != nil {
		return 0, fmt.Errorf("jetstream publish %s: %w", s.subject, err)
	}
	return int64(len(data)), nil
}

func (s *jetStreamSink) Ping(ctx context.Context) error {
	if _, err := s.js.Stream(ctx, protocol.TransferStream); err != nil {
		return fmt.Errorf("stream %s: %w", protocol.TransferStream, err)
	}
	return nil
}
