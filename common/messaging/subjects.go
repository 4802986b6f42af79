package messaging

import "strings"

// Subject constants for the NDR message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// Flow intake - published by sensors, consumed by the detection engine.
	// Append .{sensor_id}; the engine subscribes with a trailing wildcard.
	SubjectFlowRecords = "ndr.flows.records" // JSON FlowRecord batches
	SubjectFlowFrames  = "ndr.flows.frames"  // raw captured frame batches

	// Alert output - published by the detection engine.
	SubjectAlertsSecurity    = "ndr.alerts.security"    // detections
	SubjectAlertsOperational = "ndr.alerts.operational" // pipeline health (feeds, backpressure, faults)

	// Evidence capture requests for HIGH/CRITICAL alerts.
	SubjectEvidenceCapture = "ndr.evidence.capture"

	// Dead letter subjects for alerts no sink accepted. Append .{sink}.
	SubjectAlertsDLQ = "ndr.dlq.alerts"
)

// Queue group names for load-balanced consumers.
// Workers in the same queue group share messages (each message processed once).
const (
	QueueEngineWorkers = "ndr-engine" // detection engine instances
)

// Message header names.
const (
	HeaderSensorID      = "Ndr-Sensor-Id"
	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
)

// FlowRecordSubject returns the record intake subject for a sensor.
// Example: ndr.flows.records.tap-dc1
func FlowRecordSubject(sensorID string) string {
	return SubjectFlowRecords + "." + sanitizeToken(sensorID)
}

// FlowFrameSubject returns the frame intake subject for a sensor.
func FlowFrameSubject(sensorID string) string {
	return SubjectFlowFrames + "." + sanitizeToken(sensorID)
}

// Wildcard returns a subject matching every sensor under base.
func Wildcard(base string) string {
	return base + ".*"
}

// SensorFromSubject extracts the trailing sensor token from an intake subject.
func SensorFromSubject(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
		return subject[i+1:]
	}
	return ""
}

// sanitizeToken keeps a subject token free of NATS separators and wildcards.
func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
