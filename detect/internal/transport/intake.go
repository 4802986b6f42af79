// Package transport receives flow records and raw frames from sensors over
// NATS and hands them to the engine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/normalizer"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sensorauth"
)

// Engine is the part of the detection engine the intake feeds.
type Engine interface {
	SubmitFrame(fr models.Frame) error
	SubmitFlow(f *models.Flow) error
	Mono() time.Duration
}

// Snapshots supplies the current configuration.
type Snapshots interface {
	Current() *config.Snapshot
}

// Option configures an Intake.
type Option func(*Intake)

// WithVerifier requires a valid sensor token on every message.
func WithVerifier(v *sensorauth.Verifier) Option {
	return func(i *Intake) { i.auth = v }
}

// Recorder counts intake per sensor.
type Recorder interface {
	Record(sensor, kind string, accepted, rejected int)
}

// WithStats reports accepted and rejected inputs to r.
func WithStats(r Recorder) Option {
	return func(i *Intake) { i.stats = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Intake) { i.logger = l }
}

// Intake subscribes to ndr.flows.records.* and ndr.flows.frames.* in the
// ndr-engine queue group, so each message reaches one engine instance.
type Intake struct {
	sub     messaging.Subscriber
	engine  Engine
	cfg     Snapshots
	auth    *sensorauth.Verifier
	stats   Recorder
	logger  *slog.Logger
	sampler *logging.Sampler
	subs    []messaging.Subscription
}

// NewIntake returns an intake feeding engine.
func NewIntake(sub messaging.Subscriber, engine Engine, cfg Snapshots, opts ...Option) *Intake {
	i := &Intake{
		sub:     sub,
		engine:  engine,
		cfg:     cfg,
		logger:  slog.Default(),
		sampler: logging.NewSampler(time.Minute),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start subscribes to both intake subjects.
func (i *Intake) Start() error {
	routes := []struct {
		subject string
		handler messaging.MessageHandler
	}{
		{messaging.Wildcard(messaging.SubjectFlowRecords), i.HandleRecords},
		{messaging.Wildcard(messaging.SubjectFlowFrames), i.HandleFrames},
	}
	for _, r := range routes {
		s, err := i.sub.QueueSubscribe(r.subject, messaging.QueueEngineWorkers, r.handler)
		if err != nil {
			i.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
		}
		i.subs = append(i.subs, s)
		i.logger.Info("subscribed to flow intake",
			logging.Subject(r.subject),
			slog.String("queue", messaging.QueueEngineWorkers))
	}
	return nil
}

// Stop unsubscribes. Messages already handed to the engine stay queued.
func (i *Intake) Stop() error {
	var errs *multierror.Error
	for _, s := range i.subs {
		if err := s.Unsubscribe(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	i.subs = nil
	return errs.ErrorOrNil()
}

func (i *Intake) authorize(kind string, msg *messaging.Message) (string, error) {
	sensor := messaging.SensorFromSubject(msg.Subject)
	if sensor == "" {
		return "", fmt.Errorf("no sensor id in subject %q", msg.Subject)
	}
	if i.auth == nil {
		return sensor, nil
	}
	if err := i.auth.Authorize(msg.Metadata[messaging.HeaderAuthorization], sensor); err != nil {
		metrics.FramesTotal.WithLabelValues(kind, "unauthorized").Inc()
		if ok, skipped := i.sampler.Allow("auth:" + sensor); ok {
			i.logger.Warn("rejected unauthenticated intake",
				logging.Sensor(sensor),
				slog.Int("suppressed", skipped),
				logging.Error(err))
		}
		return "", err
	}
	return sensor, nil
}

// HandleRecords decodes a JSON array of flow records. Invalid records are
// counted and skipped; the rest of the batch is still processed.
func (i *Intake) HandleRecords(_ context.Context, msg *messaging.Message) error {
	sensor, err := i.authorize("record", msg)
	if err != nil {
		return err
	}
	var recs []models.FlowRecord
	if err := json.Unmarshal(msg.Data, &recs); err != nil {
		metrics.ParseErrors.WithLabelValues("record_batch").Inc()
		return fmt.Errorf("%w: record batch from %s: %v", models.ErrParse, sensor, err)
	}

	snap := i.cfg.Current()
	maxPayload := snap.Config.Normalizer.MaxPayload
	bad := 0
	for _, rec := range recs {
		f, err := normalizer.FromRecord(rec, sensor, i.engine.Mono(), snap.Networks, maxPayload)
		if err != nil {
			metrics.FramesTotal.WithLabelValues("record", "rejected").Inc()
			metrics.ParseErrors.WithLabelValues("record").Inc()
			bad++
			continue
		}
		if err := i.engine.SubmitFlow(f); err != nil {
			return err
		}
	}
	i.record(sensor, "record", len(recs)-bad, bad)
	if bad > 0 {
		if ok, skipped := i.sampler.Allow("record:" + sensor); ok {
			i.logger.Debug("skipped invalid flow records",
				logging.Sensor(sensor),
				logging.Count(bad),
				slog.Int("suppressed", skipped))
		}
	}
	return nil
}

// HandleFrames decodes a JSON array of raw frames.
func (i *Intake) HandleFrames(_ context.Context, msg *messaging.Message) error {
	sensor, err := i.authorize("frame", msg)
	if err != nil {
		return err
	}
	var frames []models.Frame
	if err := json.Unmarshal(msg.Data, &frames); err != nil {
		metrics.ParseErrors.WithLabelValues("frame_batch").Inc()
		return fmt.Errorf("%w: frame batch from %s: %v", models.ErrParse, sensor, err)
	}
	bad := 0
	for _, fr := range frames {
		fr.SensorID = sensor
		if fr.Timestamp.IsZero() {
			fr.Timestamp = msg.Timestamp
		}
		if err := i.engine.SubmitFrame(fr); err != nil {
			if !errors.Is(err, models.ErrParse) {
				return err
			}
			bad++
		}
	}
	i.record(sensor, "frame", len(frames)-bad, bad)
	return nil
}

func (i *Intake) record(sensor, kind string, accepted, rejected int) {
	if i.stats != nil {
		i.stats.Record(sensor, kind, accepted, rejected)
	}
}
