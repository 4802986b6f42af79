// Package sink delivers alerts that survived deduplication to their
// destinations: the NATS alert subjects, OpenSearch, the service log, and,
// when delivery fails, the JetStream dead-letter stream.
package sink

import (
	"context"
	"sync"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Sink is one alert destination. Send receives a batch in emission order
// and reports a failure for the batch as a whole.
type Sink interface {
	Name() string
	Send(ctx context.Context, alerts []*models.Alert) error
	Close() error
}

// DeadLetter keeps alerts a sink could not accept.
type DeadLetter interface {
	DeadLetter(ctx context.Context, sink string, alerts []*models.Alert, cause error) error
}

// Memory keeps every alert it receives. Used by ndrctl and in tests.
type Memory struct {
	mu     sync.Mutex
	alerts []*models.Alert
	err    error
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Send(_ context.Context, alerts []*models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, alerts...)
	return nil
}

func (m *Memory) Close() error { return nil }

// FailWith makes every following Send return err. A nil err restores
// normal operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Alerts returns a copy of the received alerts.
func (m *Memory) Alerts() []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Alert(nil), m.alerts...)
}

// Reset forgets received alerts.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.alerts = nil
	m.mu.Unlock()
}
