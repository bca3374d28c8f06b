package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/dualwrite"
)

type registerAgentRequest struct {
	ID     string   `json:"id"`
	PID    int      `json:"pid"`
	Task   string   `json:"task"`
	Scope  []string `json:"scope"`
	Status string   `json:"status"`
}

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listAgents(w, r)
	case http.MethodPost:
		s.registerAgent(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ID) == "" || req.PID <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	status := core.AgentStatus(req.Status)
	if status == "" {
		status = core.AgentIdle
	}
	now := time.Now().UTC()
	agent := core.Agent{
		ID:           req.ID,
		PID:          req.PID,
		Task:         req.Task,
		Scope:        req.Scope,
		Status:       status,
		RegisteredAt: now,
		LastSeen:     now,
	}
	res, err := s.adapter.RegisterAgent(agent)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.broadcast(core.EventAgentRegistered, agent)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(mutationResponse(agent, res))
}

func (s *Service) listAgents(w http.ResponseWriter, r *http.Request) {
	state, err := s.adapter.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	agents := make([]core.Agent, 0, len(state.Agents))
	for _, a := range state.Agents {
		agents = append(agents, a)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"agents": agents})
}

func (s *Service) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	path = strings.Trim(path, "/")

	if id, ok := strings.CutSuffix(path, "/status"); ok {
		id = strings.Trim(id, "/")
		if id == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.setAgentStatus(w, r, id)
		return
	}

	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state, err := s.adapter.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, ok := state.Agents[path]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	res, err := s.adapter.DeregisterAgent(path)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	s.broadcast(core.EventAgentDeregistered, map[string]string{"agent_id": path})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mutationResponse(map[string]string{"agent_id": path}, res))
}

func (s *Service) setAgentStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch core.AgentStatus(req.Status) {
	case core.AgentIdle, core.AgentWorking, core.AgentBlocked:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.adapter.SetAgentStatus(id, core.AgentStatus(req.Status))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	s.broadcast(core.EventAgentStatus, map[string]string{"agent_id": id, "status": req.Status})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mutationResponse(map[string]string{"agent_id": id}, res))
}

// mutationResponse carries the mutated entity plus dual-write warnings. The
// mutation itself already succeeded on the authoritative store.
func mutationResponse(entity any, res dualwrite.Result) map[string]any {
	out := map[string]any{"result": entity, "sequence": res.Event.Sequence}
	if res.Divergence != nil {
		out["divergence"] = res.Divergence
	}
	if res.EventLogLagging {
		out["event_log_lagging"] = true
	}
	return out
}
