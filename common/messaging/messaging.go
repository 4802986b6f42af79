// Package messaging is the broker-neutral side of the NDR message bus:
// subject names, header keys and the Client interface that sensors, the
// engine and ndrctl share. common/messaging/nats implements it.
package messaging

import (
	"context"
	"time"
)

// Message is a message received from or sent to the broker. Metadata
// carries headers such as HeaderAuthorization.
type Message struct {
	Subject   string
	Data      []byte
	Reply     string
	Metadata  map[string]string
	Timestamp time.Time
}

// MessageHandler processes a received message. A returned error is logged
// by the client; core NATS subscriptions do not redeliver.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
}

// Publisher publishes messages to subjects.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *Message) error
	// Request waits up to timeout for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error)
	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	// QueueSubscribe shares the messages on subject among the members of
	// queue, so each engine instance sees a disjoint part of the intake.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)
	Close() error
}

// Client is the full broker connection used by the engine and ndrctl.
type Client interface {
	Publisher
	Subscriber

	// Drain lets in-flight messages finish, then closes the connection.
	Drain() error
	IsConnected() bool
}

// PublishOption configures message publishing behavior.
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers map[string]string
}

// ApplyPublishOptions folds opts into a header map (nil when no headers).
func ApplyPublishOptions(opts ...PublishOption) map[string]string {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.headers
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}
