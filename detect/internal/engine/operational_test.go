package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

func TestConfigRejectedAlert(t *testing.T) {
	a := ConfigRejectedAlert([]*models.ConfigError{
		{Key: "threat.port_scan.unique_ports", Value: -1, Reason: "below minimum 1"},
		{Key: "threat.syn_flood.enabled", Value: "maybe", Reason: "not a bool"},
	})
	assert.Equal(t, models.ThreatConfigRejected, a.ThreatType)
	assert.Equal(t, models.CategoryOperational, a.Category)
	assert.Equal(t, "2", a.Evidence["count"])
	assert.Equal(t, "threat.port_scan.unique_ports,threat.syn_flood.enabled", a.Evidence["keys"])
	assert.Contains(t, a.Evidence["reasons"], "below minimum 1")
}

func TestFeedUnavailableAlert(t *testing.T) {
	a := FeedUnavailableAlert("feodo", 3, errors.New("status 503"))
	assert.Equal(t, models.ThreatFeedUnavailable, a.ThreatType)
	assert.Equal(t, models.CategoryOperational, a.Category)
	assert.Equal(t, "feodo", a.Evidence["feed"])
	assert.Equal(t, "3", a.Evidence["failures"])
	assert.Equal(t, "status 503", a.Evidence["error"])
}
