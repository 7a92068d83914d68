// Package notify publishes migration run events to NATS so downstream
// services can refresh caches or alert on failed destinations.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/jsonx"
)

// Subjects
const (
	SubjectCompleted = "migration.run.completed"
	SubjectFailed    = "migration.run.failed"
)

// NATSPublisher publishes JSON events on a NATS connection
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher connects to NATS
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("marketplace-migrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS", zap.String("url", url))
	return &NATSPublisher{conn: conn, logger: logger.Named("notify")}, nil
}

// Publish encodes payload and publishes it, waiting for the server to
// acknowledge the flush
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", subject, err)
	}
	p.logger.Debug("Published event", zap.String("subject", subject), zap.Int("bytes", len(data)))
	return nil
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Message is one event captured by a Recorder
type Message struct {
	Subject string
	Data    []byte
}

// Recorder keeps published events in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish encodes and records the event
func (r *Recorder) Publish(ctx context.Context, subject string, payload any) error {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	r.mu.Lock()
	r.messages = append(r.messages, Message{Subject: subject, Data: data})
	r.mu.Unlock()
	return nil
}

// Messages returns the recorded events in publish order
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
