package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// ConfigRejectedAlert reports values that failed validation. The previous
// values stay in effect.
func ConfigRejectedAlert(errs []*models.ConfigError) *models.Alert {
	keys := make([]string, 0, len(errs))
	reasons := make([]string, 0, len(errs))
	for _, e := range errs {
		keys = append(keys, e.Key)
		reasons = append(reasons, e.Error())
	}
	a := models.NewAlert(models.ThreatConfigRejected, Name,
		fmt.Sprintf("%d configuration value(s) rejected; previous values kept", len(errs)))
	a.WithEvidence(
		"keys", strings.Join(keys, ","),
		"reasons", strings.Join(reasons, "; "),
		"count", strconv.Itoa(len(errs)))
	return a
}

// FeedUnavailableAlert reports an indicator source that keeps failing.
func FeedUnavailableAlert(source string, failures int, err error) *models.Alert {
	a := models.NewAlert(models.ThreatFeedUnavailable, Name,
		fmt.Sprintf("indicator feed %s failed %d consecutive refreshes; serving last good data", source, failures))
	a.WithEvidence("feed", source, "failures", strconv.Itoa(failures))
	if err != nil {
		a.WithEvidence("error", err.Error())
	}
	return a
}
