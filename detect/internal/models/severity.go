package models

import (
	"fmt"
	"strings"
)

// Severity is the alert severity scale.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"INFO", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", s)
}

// Escalate returns the next severity level, capped at CRITICAL.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// AtLeast reports whether s is at least other.
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

// ParseSeverity accepts the names case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range severityNames {
		if n == upper {
			return Severity(i), nil
		}
	}
	return 0, &ConfigError{Key: "severity", Value: name, Reason: "unknown severity"}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Category separates security detections from pipeline health alerts.
type Category uint8

const (
	CategorySecurity Category = iota
	CategoryOperational
)

func (c Category) String() string {
	if c == CategoryOperational {
		return "operational"
	}
	return "security"
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "security":
		*c = CategorySecurity
	case "operational":
		*c = CategoryOperational
	default:
		return fmt.Errorf("unknown category %q", b)
	}
	return nil
}
