// Package nats carries the NDR message bus over NATS: core publish and
// queue subscriptions for intake and alerts, JetStream for the dead-letter
// and evidence streams.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-ndr/common/config"
	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
)

// Config is the connection setup of one client.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int // -1 reconnects forever
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
	Logger        *slog.Logger
}

// FromConfig maps the shared NATS settings onto a client Config.
func FromConfig(nc config.NATSConfig) Config {
	cfg := Config{
		URL:           nats.DefaultURL,
		Name:          "telhawk-ndr",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		Token:         nc.Token,
	}
	if nc.URL != "" {
		cfg.URL = nc.URL
	}
	if nc.Name != "" {
		cfg.Name = nc.Name
	}
	if nc.MaxReconnects != 0 {
		cfg.MaxReconnects = nc.MaxReconnects
	}
	if nc.ReconnectWait > 0 {
		cfg.ReconnectWait = nc.ReconnectWait
	}
	return cfg
}

var _ messaging.Client = (*Client)(nil)

// Client implements messaging.Client.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects to cfg.URL. Reconnects happen in the background and
// are logged.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// PublishJSON marshals data and publishes it with the headers from opts.
func (c *Client) PublishJSON(ctx context.Context, subject string, data any, opts ...messaging.PublishOption) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.PublishMsg(ctx, &messaging.Message{
		Subject:  subject,
		Data:     body,
		Metadata: messaging.ApplyPublishOptions(opts...),
	})
}

// PublishMsg sends msg with its metadata as headers.
func (c *Client) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	m.Reply = msg.Reply
	for k, v := range msg.Metadata {
		m.Header.Set(k, v)
	}
	return c.conn.PublishMsg(m)
}

// Request sends data and waits up to timeout for one reply.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return toMessage(resp), nil
}

// QueueSubscribe delivers each message on subject to one member of queue.
// Handler errors are logged; core NATS does not redeliver.
func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if err := handler(context.Background(), toMessage(msg)); err != nil {
			c.logger.Warn("message handler failed",
				logging.Subject(subject), slog.String("queue", queue), logging.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// Close unsubscribes and closes the connection without waiting for
// in-flight messages.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	c.conn.Close()
	return nil
}

// Drain lets in-flight messages finish, then closes the connection.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// toMessage copies a NATS message. Core NATS carries no timestamp, so the
// receive time is used.
func toMessage(msg *nats.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Reply:     msg.Reply,
		Timestamp: time.Now(),
	}
	if len(msg.Header) > 0 {
		m.Metadata = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			m.Metadata[k] = msg.Header.Get(k)
		}
	}
	return m
}
