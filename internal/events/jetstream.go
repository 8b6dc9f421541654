// Package events publishes run-completed events to NATS JetStream, fed from
// the store's outbox so events survive restarts and publisher outages.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"mailsweep/internal/store"
)

const streamName = "CLEANUP_EVENTS"

// Publisher wraps NATS JetStream for publishing events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and obtains a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the cleanup event stream exists.
func (p *Publisher) EnsureStream(_ context.Context) error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"cleanup.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Publish publishes a message with JetStream deduplication by msgID.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Dispatcher drains the store outbox into NATS.
type Dispatcher struct {
	store *store.Store
	pub   *Publisher
	log   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s *store.Store, pub *Publisher, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: s, pub: pub, log: log.With("component", "dispatcher")}
}

// Run dispatches outbox messages until ctx is canceled. Failed publishes are
// rescheduled with a fixed backoff.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.log.Error("dequeue outbox", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.Error("publish event", "id", msg.ID, "error", err)
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Error("mark published", "id", msg.ID, "error", err)
			}
		}
	}
}
