package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// NATS publishes each alert as JSON on ndr.alerts.security or
// ndr.alerts.operational.
type NATS struct {
	pub messaging.Publisher
}

// NewNATS returns a sink publishing through pub.
func NewNATS(pub messaging.Publisher) *NATS {
	return &NATS{pub: pub}
}

func (s *NATS) Name() string { return "nats" }

func (s *NATS) Send(ctx context.Context, alerts []*models.Alert) error {
	var errs *multierror.Error
	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("marshal alert %s: %w", a.ID, err))
			continue
		}
		msg := &messaging.Message{
			Subject: AlertSubject(a),
			Data:    data,
			Metadata: map[string]string{
				messaging.HeaderContentType: "application/json",
			},
		}
		if a.SensorID != "" {
			msg.Metadata[messaging.HeaderSensorID] = a.SensorID
		}
		if err := s.pub.PublishMsg(ctx, msg); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("publish alert %s: %w", a.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

// Close leaves the shared connection to its owner.
func (s *NATS) Close() error { return nil }

// AlertSubject is the output subject for a.
func AlertSubject(a *models.Alert) string {
	if a.Category == models.CategoryOperational {
		return messaging.SubjectAlertsOperational
	}
	return messaging.SubjectAlertsSecurity
}
