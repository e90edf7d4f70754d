package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamConfig names the stream change events are published to
type StreamConfig struct {
	Name          string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream StreamConfig
}

// NewPublisher connects to NATS and opens a JetStream context
func NewPublisher(url string, stream StreamConfig) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("inbox-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if stream.Name == "" {
		stream.Name = "MAILBOX_CHANGES"
	}
	if stream.SubjectPrefix == "" {
		stream.SubjectPrefix = "mailbox"
	}
	if stream.MaxAge <= 0 {
		stream.MaxAge = 30 * 24 * time.Hour
	}
	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream creates the change stream if it does not exist yet
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(p.stream.Name, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream.Name,
		Subjects:   []string{p.stream.SubjectPrefix + ".*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     p.stream.MaxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// SubjectPrefix is the first token of every published subject
func (p *Publisher) SubjectPrefix() string {
	return p.stream.SubjectPrefix
}

// Publish publishes a message to JetStream; msgID drives server-side deduplication
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
