package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across services.
const (
	FieldService     = "service"
	FieldSensor      = "sensor_id"
	FieldShard       = "shard"
	FieldDetector    = "detector"
	FieldThreatType  = "threat_type"
	FieldSeverity    = "severity"
	FieldSource      = "src"
	FieldDestination = "dst"
	FieldFeed        = "feed"
	FieldSubject     = "subject"
	FieldSink        = "sink"
	FieldDuration    = "duration_ms"
	FieldCount       = "count"
	FieldError       = "error"
	FieldAlertID     = "alert_id"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Sensor returns a slog attribute for the sensor that produced a flow.
func Sensor(id string) slog.Attr {
	return slog.String(FieldSensor, id)
}

// Shard returns a slog attribute for a worker shard index.
func Shard(i int) slog.Attr {
	return slog.Int(FieldShard, i)
}

// Detector returns a slog attribute for a detector key.
func Detector(key string) slog.Attr {
	return slog.String(FieldDetector, key)
}

// ThreatType returns a slog attribute for an alert threat type.
func ThreatType(t string) slog.Attr {
	return slog.String(FieldThreatType, t)
}

// Severity returns a slog attribute for an alert severity.
func Severity(s string) slog.Attr {
	return slog.String(FieldSeverity, s)
}

// Source returns a slog attribute for a source address.
func Source(addr string) slog.Attr {
	return slog.String(FieldSource, addr)
}

// Destination returns a slog attribute for a destination address.
func Destination(addr string) slog.Attr {
	return slog.String(FieldDestination, addr)
}

// Feed returns a slog attribute for an indicator feed name.
func Feed(name string) slog.Attr {
	return slog.String(FieldFeed, name)
}

// Subject returns a slog attribute for a message bus subject.
func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}

// Sink returns a slog attribute for an alert sink name.
func Sink(name string) slog.Attr {
	return slog.String(FieldSink, name)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Count returns a slog attribute for a count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// AlertID returns a slog attribute for an alert id.
func AlertID(id string) slog.Attr {
	return slog.String(FieldAlertID, id)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
