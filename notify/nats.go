package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject e-mail workers consume from.
const DefaultSubject = "notifications.email"

// Publisher is the subset of *nats.Conn used by NATSTransport.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSTransport publishes rendered messages as JSON for an out-of-process
// mail worker.
type NATSTransport struct {
	pub     Publisher
	subject string
}

// NewNATSTransport wraps a publisher. An empty subject uses DefaultSubject.
func NewNATSTransport(pub Publisher, subject string) *NATSTransport {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSTransport{pub: pub, subject: subject}
}

// ConnectNATS dials the server at url.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

func (t *NATSTransport) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := t.pub.Publish(t.subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject %q: %w", t.subject, err)
	}
	return nil
}

var _ Transport = (*NATSTransport)(nil)
