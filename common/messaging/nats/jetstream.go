package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
)

const peekWait = 2 * time.Second

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig is the subset of jetstream.StreamConfig the engine sets.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// PublishSync publishes a message and waits for acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data)
}

// Peek returns up to limit stored messages of stream, oldest first,
// without consuming them. A non-empty filter narrows the subjects read.
func (c *JetStreamClient) Peek(ctx context.Context, stream, filter string, limit int) ([]*messaging.Message, error) {
	cfg := jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverAllPolicy}
	if filter != "" {
		cfg.FilterSubjects = []string{filter}
	}
	cons, err := c.js.OrderedConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}

	batch, err := cons.Fetch(limit, jetstream.FetchMaxWait(peekWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from stream %s: %w", stream, err)
	}
	var out []*messaging.Message
	for msg := range batch.Messages() {
		m := &messaging.Message{Subject: msg.Subject(), Data: msg.Data()}
		if md, err := msg.Metadata(); err == nil {
			m.Timestamp = md.Timestamp
		}
		if h := msg.Headers(); len(h) > 0 {
			m.Metadata = make(map[string]string, len(h))
			for k := range h {
				m.Metadata[k] = h.Get(k)
			}
		}
		out = append(out, m)
	}
	// A stream shorter than limit ends the fetch with a timeout.
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return out, fmt.Errorf("failed to fetch from stream %s: %w", stream, err)
	}
	return out, nil
}

// Purge removes stored messages from stream, only those on subject when it
// is non-empty.
func (c *JetStreamClient) Purge(ctx context.Context, stream, subject string) error {
	s, err := c.js.Stream(ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", stream, err)
	}
	var opts []jetstream.StreamPurgeOpt
	if subject != "" {
		opts = append(opts, jetstream.WithPurgeSubject(subject))
	}
	if err := s.Purge(ctx, opts...); err != nil {
		return fmt.Errorf("failed to purge stream %s: %w", stream, err)
	}
	return nil
}

// Predefined stream configurations for the NDR engine.
var (
	// AlertsDLQStream holds alerts that no sink accepted.
	AlertsDLQStream = StreamConfig{
		Name:      "NDR_DLQ",
		Subjects:  []string{messaging.SubjectAlertsDLQ + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	// EvidenceStream captures evidence requests for the capture service.
	EvidenceStream = StreamConfig{
		Name:      "NDR_EVIDENCE",
		Subjects:  []string{messaging.SubjectEvidenceCapture},
		MaxAge:    1 * time.Hour,
		MaxBytes:  100 * 1024 * 1024, // 100MB
		MaxMsgs:   10000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}
)
