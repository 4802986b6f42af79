package detector

import (
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Sensitivity trades false positives for coverage in pattern detectors.
type Sensitivity uint8

const (
	SensitivityLow Sensitivity = iota
	SensitivityMedium
	SensitivityHigh
)

var sensitivityNames = []string{"low", "medium", "high"}

func (s Sensitivity) String() string {
	if int(s) < len(sensitivityNames) {
		return sensitivityNames[s]
	}
	return "medium"
}

// Signals is the number of independent signals that must co-occur before
// a pattern detector alerts.
func (s Sensitivity) Signals() int {
	switch s {
	case SensitivityLow:
		return 3
	case SensitivityHigh:
		return 1
	}
	return 2
}

// ParseSensitivity accepts low, medium or high.
func ParseSensitivity(v string) (Sensitivity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return SensitivityLow, nil
	case "medium", "":
		return SensitivityMedium, nil
	case "high":
		return SensitivityHigh, nil
	}
	return SensitivityMedium, &models.ConfigError{Key: "sensitivity", Value: v, Reason: "must be low, medium or high"}
}

// SensitivityParam declares the sensitivity parameter.
func SensitivityParam(def Sensitivity) config.ParamSpec {
	return config.Enum("sensitivity", def.String(), sensitivityNames, "signals required: low=3, medium=2, high=1")
}

// Sensitivity returns the decoded sensitivity parameter.
func (c *Context) Sensitivity() Sensitivity {
	s, _ := ParseSensitivity(c.Params.String("sensitivity"))
	return s
}
