package messaging

import (
	"strings"
	"testing"
)

func TestSubjectConstants_FollowNamingConvention(t *testing.T) {
	// Subjects should follow the pattern: {domain}.{action}.{resource}
	subjects := []string{
		SubjectFlowRecords,
		SubjectFlowFrames,
		SubjectAlertsSecurity,
		SubjectAlertsOperational,
		SubjectEvidenceCapture,
		SubjectAlertsDLQ,
	}

	for _, subject := range subjects {
		parts := strings.Split(subject, ".")
		if len(parts) < 3 {
			t.Errorf("subject %q does not follow {domain}.{action}.{resource} pattern", subject)
		}
	}
}

func TestFlowSubjects(t *testing.T) {
	tests := []struct {
		name     string
		sensor   string
		records  string
		frames   string
		extracts string
	}{
		{"plain", "tap-dc1", "ndr.flows.records.tap-dc1", "ndr.flows.frames.tap-dc1", "tap-dc1"},
		{"dots are replaced", "tap.dc1", "ndr.flows.records.tap_dc1", "ndr.flows.frames.tap_dc1", "tap_dc1"},
		{"wildcards are replaced", "a*b>", "ndr.flows.records.a_b_", "ndr.flows.frames.a_b_", "a_b_"},
		{"empty sensor", "", "ndr.flows.records.unknown", "ndr.flows.frames.unknown", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FlowRecordSubject(tt.sensor); got != tt.records {
				t.Errorf("FlowRecordSubject(%q) = %q, want %q", tt.sensor, got, tt.records)
			}
			if got := FlowFrameSubject(tt.sensor); got != tt.frames {
				t.Errorf("FlowFrameSubject(%q) = %q, want %q", tt.sensor, got, tt.frames)
			}
			if got := SensorFromSubject(tt.records); got != tt.extracts {
				t.Errorf("SensorFromSubject(%q) = %q, want %q", tt.records, got, tt.extracts)
			}
		})
	}
}

func TestWildcard(t *testing.T) {
	if got := Wildcard(SubjectFlowRecords); got != "ndr.flows.records.*" {
		t.Errorf("Wildcard = %q", got)
	}
}
