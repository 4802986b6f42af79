package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// EvidenceTrigger asks the capture collaborator to preserve packets around
// an alert.
type EvidenceTrigger interface {
	Trigger(ctx context.Context, a *models.Alert) error
}

// Evidence publishes EvidenceRequest messages on ndr.evidence.capture.
type Evidence struct {
	pub           messaging.Publisher
	before, after time.Duration
}

// NewEvidence returns a trigger requesting before/after of traffic around
// each alert.
func NewEvidence(pub messaging.Publisher, before, after time.Duration) *Evidence {
	return &Evidence{pub: pub, before: before, after: after}
}

// Request builds the capture request for a.
func (e *Evidence) Request(a *models.Alert) models.EvidenceRequest {
	return models.EvidenceRequest{
		AlertID:     a.ID,
		ThreatType:  a.ThreatType,
		Severity:    a.Severity,
		SensorID:    a.SensorID,
		Source:      a.Source,
		Destination: a.Destination,
		SrcPort:     a.SrcPort,
		DstPort:     a.DstPort,
		Protocol:    a.Protocol,
		Timestamp:   a.Timestamp,
		Before:      e.before,
		After:       e.after,
	}
}

func (e *Evidence) Trigger(ctx context.Context, a *models.Alert) error {
	data, err := json.Marshal(e.Request(a))
	if err != nil {
		return fmt.Errorf("marshal evidence request: %w", err)
	}
	msg := &messaging.Message{
		Subject:  messaging.SubjectEvidenceCapture,
		Data:     data,
		Metadata: map[string]string{messaging.HeaderContentType: "application/json"},
	}
	if a.SensorID != "" {
		msg.Metadata[messaging.HeaderSensorID] = a.SensorID
	}
	return e.pub.PublishMsg(ctx, msg)
}
