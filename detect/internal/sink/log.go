package sink

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Log writes one structured line per alert.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a log sink. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (s *Log) Name() string { return "log" }

func (s *Log) Send(ctx context.Context, alerts []*models.Alert) error {
	for _, a := range alerts {
		level := slog.LevelWarn
		if a.Category == models.CategoryOperational {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			logging.AlertID(a.ID),
			logging.ThreatType(a.ThreatType.String()),
			logging.Severity(a.Severity.String()),
			logging.Detector(a.Detector),
			slog.String("category", a.Category.String()),
		}
		if a.Source != "" {
			attrs = append(attrs, logging.Source(a.Source))
		}
		if a.Destination != "" {
			attrs = append(attrs, logging.Destination(a.Destination))
		}
		if a.SensorID != "" {
			attrs = append(attrs, logging.Sensor(a.SensorID))
		}
		if len(a.MitreTechniques) > 0 {
			attrs = append(attrs, slog.String("mitre", strings.Join(a.MitreTechniques, ",")))
		}
		if len(a.Evidence) > 0 {
			attrs = append(attrs, slog.Any("evidence", evidenceGroup(a.Evidence)))
		}
		s.logger.LogAttrs(ctx, level, a.Description, attrs...)
	}
	return nil
}

func (s *Log) Close() error { return nil }

func evidenceGroup(ev map[string]string) slog.Value {
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev[k]))
	}
	return slog.GroupValue(attrs...)
}
