package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// StreamPublisher is the JetStream publish call the dead-letter queue
// needs. *nats.JetStreamClient satisfies it.
type StreamPublisher interface {
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// DeadLetterEntry is one alert held in the dead-letter stream.
type DeadLetterEntry struct {
	Sink     string        `json:"sink"`
	Error    string        `json:"error"`
	FailedAt time.Time     `json:"failed_at"`
	Alert    *models.Alert `json:"alert"`
}

// JetStreamDLQ writes undeliverable alerts to ndr.dlq.alerts.<sink>.
type JetStreamDLQ struct {
	js  StreamPublisher
	now func() time.Time
}

// NewJetStreamDLQ returns a dead-letter queue publishing through js.
func NewJetStreamDLQ(js StreamPublisher) *JetStreamDLQ {
	return &JetStreamDLQ{js: js, now: time.Now}
}

// DLQSubject is the dead-letter subject for a sink.
func DLQSubject(sink string) string {
	return messaging.SubjectAlertsDLQ + "." + sink
}

func (q *JetStreamDLQ) DeadLetter(ctx context.Context, sink string, alerts []*models.Alert, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	subject := DLQSubject(sink)
	var errs *multierror.Error
	for _, a := range alerts {
		data, err := json.Marshal(DeadLetterEntry{Sink: sink, Error: reason, FailedAt: q.now().UTC(), Alert: a})
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, err := q.js.PublishSync(ctx, subject, data); err != nil {
			metrics.DeadLettered.WithLabelValues(sink, "error").Inc()
			errs = multierror.Append(errs, fmt.Errorf("dead-letter alert %s: %w", a.ID, err))
			continue
		}
		metrics.DeadLettered.WithLabelValues(sink, "ok").Inc()
	}
	return errs.ErrorOrNil()
}
