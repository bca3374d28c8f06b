package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/waggle/internal/core"
)

type claimRequest struct {
	AgentID   string   `json:"agent_id"`
	Files     []string `json:"files"`
	Exclusive bool     `json:"exclusive"`
	Reason    string   `json:"reason"`
}

func (s *Service) handleClaims(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listClaims(w, r)
	case http.MethodPost:
		s.acquireClaim(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) acquireClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || len(req.Files) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	cl, err := s.chain.Claim(r.Context(), req.AgentID, req.Files, req.Reason, req.Exclusive)
	if err != nil {
		var conflictErr *core.ConflictError
		switch {
		case errors.As(err, &conflictErr):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":     "claim_conflict",
				"conflicts": conflictErr.Conflicts,
			})
		case errors.Is(err, core.ErrDeadlockPrevented):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "deadlock_prevented"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	res, err := s.adapter.ClaimAcquired(*cl)
	if err != nil {
		// Marker files are authoritative; the claim is held even when the
		// event record lags.
		res.EventLogLagging = true
	}
	s.broadcast(core.EventClaimAcquired, cl)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(mutationResponse(cl, res))
}

func (s *Service) listClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.chain.List()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	agentID := r.URL.Query().Get("agent")
	if agentID != "" {
		filtered := claims[:0]
		for _, c := range claims {
			if c.AgentID == agentID {
				filtered = append(filtered, c)
			}
		}
		claims = filtered
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"claims": claims})
}

func (s *Service) handleClaimCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id, claimed := s.chain.IsClaimed(path)
	out := map[string]any{"claimed": claimed}
	if claimed {
		out["claim_id"] = id
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Service) handleClaimByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/claims/")
	raw = strings.Trim(raw, "/")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		cl, err := s.chain.Get(id)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cl)
	case http.MethodDelete:
		if err := s.chain.Release(r.Context(), id); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				w.WriteHeader(http.StatusNotFound)
			} else {
				w.WriteHeader(http.StatusInternalServerError)
			}
			return
		}
		res, err := s.adapter.ClaimReleased(id)
		if err != nil {
			res.EventLogLagging = true
		}
		s.broadcast(core.EventClaimReleased, map[string]uint64{"claim_id": id})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mutationResponse(map[string]uint64{"claim_id": id}, res))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
