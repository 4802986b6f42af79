package server

import (
	"net/http"
	"net/netip"
	"strconv"

	"github.com/telhawk-systems/telhawk-ndr/common/httputil"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/risk"
)

// RiskProfiles reads asset risk scores.
type RiskProfiles interface {
	Profile(addr netip.Addr) (risk.Profile, bool)
	Top(n int) []risk.Profile
	HighRisk(floor float64) []risk.Profile
	Summary() risk.Summary
}

const defaultRiskLimit = 10

// EnableRisk serves asset risk scores:
//
//	GET /risk?limit=10      - highest scored assets
//	GET /risk?min_score=50  - every asset at or above min_score
//	GET /risk/summary       - score distribution
//	GET /risk/{ip}          - one asset
func (s *Server) EnableRisk(src RiskProfiles) {
	s.mux.HandleFunc("GET /risk", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if v := q.Get("min_score"); v != "" {
			floor, err := strconv.ParseFloat(v, 64)
			if err != nil || floor < 0 {
				httputil.WriteError(w, http.StatusBadRequest, "invalid min_score")
				return
			}
			httputil.WriteJSON(w, http.StatusOK, src.HighRisk(floor))
			return
		}
		limit := defaultRiskLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httputil.WriteError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		httputil.WriteJSON(w, http.StatusOK, src.Top(limit))
	})

	s.mux.HandleFunc("GET /risk/summary", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, src.Summary())
	})

	s.mux.HandleFunc("GET /risk/{ip}", func(w http.ResponseWriter, r *http.Request) {
		addr, err := netip.ParseAddr(r.PathValue("ip"))
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid address")
			return
		}
		p, ok := src.Profile(addr)
		if !ok {
			httputil.WriteError(w, http.StatusNotFound, "no risk profile")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, p)
	})
}
