package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/trail"
)

type depositTrailRequest struct {
	Location     string  `json:"location"`
	LocationType string  `json:"location_type"`
	Scent        string  `json:"scent"`
	Strength     float64 `json:"strength"`
	AgentID      string  `json:"agent_id"`
	Message      string  `json:"message"`
}

func (s *Service) handleTrails(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.queryTrails(w, r)
	case http.MethodPost:
		s.depositTrail(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) depositTrail(w http.ResponseWriter, r *http.Request) {
	var req depositTrailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Location == "" || req.AgentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch core.Scent(req.Scent) {
	case core.ScentDiscovery, core.ScentWarning, core.ScentBlocker, core.ScentHot, core.ScentCold:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	t, err := s.trails.Deposit(r.Context(), req.Location, req.LocationType, core.Scent(req.Scent), req.Strength, req.AgentID, req.Message)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.broadcast(core.EventTrailDeposited, t)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(t)
}

func (s *Service) queryTrails(w http.ResponseWriter, r *http.Request) {
	f := trail.Filter{
		Location:     r.URL.Query().Get("location"),
		LocationType: r.URL.Query().Get("location_type"),
		Scent:        core.Scent(r.URL.Query().Get("scent")),
	}
	if raw := r.URL.Query().Get("min_strength"); raw != "" {
		min, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.MinStrength = min
	}

	it, err := s.trails.Query(r.Context(), f)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	trails := make([]core.Trail, 0, it.Len())
	for {
		t, ok := it.Next()
		if !ok {
			break
		}
		trails = append(trails, t)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"trails": trails})
}
