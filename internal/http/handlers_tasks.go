package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/waggle/internal/core"
)

type taskRequest struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.putTask(w, r, "", true)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id = strings.Trim(id, "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.putTask(w, r, id, false)
}

func (s *Service) putTask(w http.ResponseWriter, r *http.Request, id string, created bool) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if created {
		if strings.TrimSpace(req.Title) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id = req.ID
		if id == "" {
			id = uuid.NewString()
		}
	}
	status := core.TaskStatus(req.Status)
	if status == "" {
		status = core.TaskPending
	}
	switch status {
	case core.TaskPending, core.TaskRunning, core.TaskBlocked, core.TaskDone:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	task := core.Task{
		ID:        id,
		Title:     req.Title,
		Agent:     req.Agent,
		Status:    status,
		UpdatedAt: now,
	}
	if created {
		task.CreatedAt = now
	} else {
		state, err := s.adapter.Snapshot()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		prev, ok := state.Tasks[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		task.CreatedAt = prev.CreatedAt
		if task.Title == "" {
			task.Title = prev.Title
		}
		if task.Agent == "" {
			task.Agent = prev.Agent
		}
	}

	res, err := s.adapter.PutTask(task, created)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if created {
		s.broadcast(core.EventTaskCreated, task)
	} else {
		s.broadcast(core.EventTaskUpdated, task)
	}

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	_ = json.NewEncoder(w).Encode(mutationResponse(task, res))
}

func (s *Service) listTasks(w http.ResponseWriter, r *http.Request) {
	state, err := s.adapter.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	tasks := make([]core.Task, 0, len(state.Tasks))
	for _, t := range state.Tasks {
		tasks = append(tasks, t)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
}

func (s *Service) handleFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID          string `json:"id"`
		AgentID     string `json:"agent_id"`
		Category    string `json:"category"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || strings.TrimSpace(req.Description) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	finding := core.Finding{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Category:    req.Category,
		Description: req.Description,
		Severity:    req.Severity,
		CreatedAt:   time.Now().UTC(),
	}
	res, err := s.adapter.RecordFinding(finding)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.broadcast(core.EventFindingRecorded, finding)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(mutationResponse(finding, res))
}
