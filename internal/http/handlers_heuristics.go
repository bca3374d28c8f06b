package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

type createHeuristicRequest struct {
	Domain         string  `json:"domain"`
	Rule           string  `json:"rule"`
	Confidence     float64 `json:"confidence"`
	TimesValidated int     `json:"times_validated"`
}

type outcomeRequest struct {
	Reason string `json:"reason"`
}

func (s *Service) handleHeuristics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listHeuristics(w, r)
	case http.MethodPost:
		s.createHeuristic(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) createHeuristic(w http.ResponseWriter, r *http.Request) {
	var req createHeuristicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Domain) == "" || strings.TrimSpace(req.Rule) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	created, err := s.capacity.Admit(r.Context(), core.Heuristic{
		Domain:         req.Domain,
		Rule:           req.Rule,
		Confidence:     req.Confidence,
		ConfidenceEMA:  req.Confidence,
		TimesValidated: req.TimesValidated,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrCapacityExceeded):
			writeJSONError(w, http.StatusConflict, "capacity_exceeded", err)
		case errors.Is(err, core.ErrExpansionRejected):
			writeJSONError(w, http.StatusUnprocessableEntity, "expansion_rejected", err)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(created)
}

func (s *Service) listHeuristics(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	status := core.HeuristicStatus(r.URL.Query().Get("status"))
	hs, err := s.memory.List(r.Context(), domain, status)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if hs == nil {
		hs = []core.Heuristic{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"heuristics": hs})
}

func (s *Service) handleHeuristicByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/heuristics/")
	path = strings.Trim(path, "/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getHeuristic(w, r, id)
		return
	}
	if action == "updates" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.listUpdates(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "validate", "violate", "contradict":
		s.recordOutcome(w, r, id, action)
	case "scan":
		s.scanHeuristic(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) getHeuristic(w http.ResponseWriter, r *http.Request, id string) {
	h, err := s.memory.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Service) recordOutcome(w http.ResponseWriter, r *http.Request, id, action string) {
	var req outcomeRequest
	if r.Body != nil {
		// Reason is optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var (
		u   core.ConfidenceUpdate
		err error
	)
	switch action {
	case "validate":
		u, err = s.memory.Validate(r.Context(), id, req.Reason)
	case "violate":
		u, err = s.memory.Violate(r.Context(), id, req.Reason)
	case "contradict":
		u, err = s.memory.Contradict(r.Context(), id, req.Reason)
	}
	if err != nil {
		switch {
		case errors.Is(err, core.ErrRateLimited):
			// The attempt was recorded; only the smoothed confidence is
			// frozen for the rest of the day.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":  "rate_limited",
				"update": u,
			})
		case errors.Is(err, core.ErrNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, core.ErrQuarantined):
			writeJSONError(w, http.StatusConflict, "quarantined", err)
		case errors.Is(err, core.ErrFrozen):
			writeJSONError(w, http.StatusConflict, "frozen", err)
		default:
			writeJSONError(w, http.StatusConflict, "update_rejected", err)
		}
		return
	}

	switch action {
	case "validate":
		s.broadcast(core.EventHeuristicValidated, u)
	case "violate":
		s.broadcast(core.EventHeuristicViolated, u)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(u)
}

func (s *Service) listUpdates(w http.ResponseWriter, r *http.Request, id string) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		since = parsed
	}
	updates, err := s.store.ConfidenceUpdates(r.Context(), id, since)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if updates == nil {
		updates = []core.ConfidenceUpdate{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"updates": updates})
}

func (s *Service) scanHeuristic(w http.ResponseWriter, r *http.Request, id string) {
	report, signals, err := s.scanner.Scan(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	out := map[string]any{
		"report":  report,
		"signals": signals,
	}
	if r.URL.Query().Get("respond") == "true" {
		responses, err := s.responder.Respond(r.Context(), report)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		for _, resp := range responses {
			s.broadcast(core.EventFraudResponse, resp)
		}
		out["responses"] = responses
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func writeJSONError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  code,
		"detail": err.Error(),
	})
}
