package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/waggle/internal/core"
)

func (s *Service) handleDomain(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/domains/")
	path = strings.Trim(path, "/")
	domain, action, _ := strings.Cut(path, "/")
	if domain == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getDomain(w, r, domain)
	case "contract":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.contractDomain(w, r, domain)
	case "override":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.capacity.Override(r.Context(), domain); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	case "baseline":
		s.domainBaseline(w, r, domain)
	case "merges":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		merges, err := s.store.Merges(r.Context(), domain)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if merges == nil {
			merges = []core.HeuristicMerge{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"merges": merges})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) getDomain(w http.ResponseWriter, r *http.Request, domain string) {
	// Evaluate refreshes the capacity state before reporting it.
	meta, err := s.capacity.Evaluate(r.Context(), domain)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	count, err := s.store.CountHeuristics(r.Context(), domain)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"metadata":        meta,
		"heuristic_count": count,
	})
}

func (s *Service) contractDomain(w http.ResponseWriter, r *http.Request, domain string) {
	merge, err := s.capacity.Contract(r.Context(), domain)
	if err != nil {
		writeJSONError(w, http.StatusConflict, "contraction_refused", err)
		return
	}
	s.broadcast(core.EventDomainContracted, merge)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(merge)
}

func (s *Service) domainBaseline(w http.ResponseWriter, r *http.Request, domain string) {
	switch r.Method {
	case http.MethodGet:
		b, err := s.store.GetDomainBaseline(r.Context(), domain)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b)
	case http.MethodPut:
		var req struct {
			Confidence float64 `json:"confidence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Confidence < 0 || req.Confidence > 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b := core.DomainBaseline{
			Domain:             domain,
			BaselineConfidence: req.Confidence,
		}
		if err := s.store.PutDomainBaseline(r.Context(), b); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
