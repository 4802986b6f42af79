package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/common/httputil"
	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sensorstats"
)

// SensorStats reads per-sensor intake statistics.
type SensorStats interface {
	Active(ctx context.Context, since time.Duration) ([]string, error)
	Get(ctx context.Context, sensorID string) (*sensorstats.Stats, error)
}

const defaultActiveWindow = 24 * time.Hour

// EnableSensors serves intake statistics:
//
//	GET /sensors?since=1h  - sensors seen within since (default 24h)
//	GET /sensors/{id}      - one sensor
func (s *Server) EnableSensors(src SensorStats) {
	s.mux.HandleFunc("GET /sensors", func(w http.ResponseWriter, r *http.Request) {
		since := defaultActiveWindow
		if v := r.URL.Query().Get("since"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				httputil.WriteError(w, http.StatusBadRequest, "invalid since duration")
				return
			}
			since = d
		}
		ids, err := src.Active(r.Context(), since)
		if err != nil {
			s.logger.Error("failed to list sensors", logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "failed to retrieve stats")
			return
		}
		sort.Strings(ids)
		out := make([]*sensorstats.Stats, 0, len(ids))
		for _, id := range ids {
			st, err := src.Get(r.Context(), id)
			if err != nil {
				s.logger.Error("failed to get sensor stats", logging.Sensor(id), logging.Error(err))
				httputil.WriteError(w, http.StatusInternalServerError, "failed to retrieve stats")
				return
			}
			out = append(out, st)
		}
		httputil.WriteJSON(w, http.StatusOK, out)
	})

	s.mux.HandleFunc("GET /sensors/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		st, err := src.Get(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to get sensor stats", logging.Sensor(id), logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "failed to retrieve stats")
			return
		}
		if st.LastSeenAt == nil {
			httputil.WriteError(w, http.StatusNotFound, "sensor not seen")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, st)
	})
}
