package httpapi

import (
	"net/http"
	"os"
	"testing"

	"github.com/mistakeknot/waggle/internal/core"
)

func TestAgentLifecycleAndState(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/agents", map[string]any{
		"id":    "agent-a",
		"pid":   os.Getpid(),
		"task":  "audit",
		"scope": []string{"internal/**"},
	})
	requireStatus(t, resp, http.StatusCreated)
	created := decodeJSON[struct {
		Result   core.Agent `json:"result"`
		Sequence uint64     `json:"sequence"`
	}](t, resp)
	if created.Result.Status != core.AgentIdle {
		t.Fatalf("default status = %q", created.Result.Status)
	}
	if created.Sequence == 0 {
		t.Fatal("expected event sequence")
	}

	requireStatus(t, env.post(t, "/api/agents/agent-a/status", map[string]any{
		"status": "working",
	}), http.StatusOK)
	requireStatus(t, env.post(t, "/api/agents/agent-a/status", map[string]any{
		"status": "daydreaming",
	}), http.StatusBadRequest)

	state := decodeJSON[core.State](t, env.get(t, "/api/state"))
	if got := state.Agents["agent-a"].Status; got != core.AgentWorking {
		t.Fatalf("status in snapshot = %q", got)
	}

	events := decodeJSON[struct {
		Events []core.Event `json:"events"`
	}](t, env.get(t, "/api/events?after=0"))
	if len(events.Events) < 2 {
		t.Fatalf("got %d events, want register + status", len(events.Events))
	}
	for i, ev := range events.Events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, ev.Sequence)
		}
	}

	requireStatus(t, env.delete(t, "/api/agents/agent-a"), http.StatusOK)
	requireStatus(t, env.delete(t, "/api/agents/agent-a"), http.StatusNotFound)
}

func TestTasksAndFindings(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/tasks", map[string]any{
		"title": "wire the sweeper",
		"agent": "agent-a",
	})
	requireStatus(t, resp, http.StatusCreated)
	created := decodeJSON[struct {
		Result core.Task `json:"result"`
	}](t, resp)
	if created.Result.ID == "" || created.Result.Status != core.TaskPending {
		t.Fatalf("task = %+v", created.Result)
	}

	req, err := http.NewRequest(http.MethodPut, env.srv.URL+"/api/tasks/"+created.Result.ID, jsonBody(t, map[string]any{
		"status": "done",
	}))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT task: %v", err)
	}
	requireStatus(t, putResp, http.StatusOK)
	updated := decodeJSON[struct {
		Result core.Task `json:"result"`
	}](t, putResp)
	if updated.Result.Status != core.TaskDone || updated.Result.Title != "wire the sweeper" {
		t.Fatalf("updated task = %+v", updated.Result)
	}

	requireStatus(t, env.post(t, "/api/findings", map[string]any{
		"agent_id":    "agent-a",
		"category":    "bug",
		"description": "sweeper double-fires on restart",
		"severity":    "high",
	}), http.StatusCreated)

	state := decodeJSON[core.State](t, env.get(t, "/api/state"))
	if len(state.Findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(state.Findings))
	}
	if state.Tasks[created.Result.ID].Status != core.TaskDone {
		t.Fatalf("task status in snapshot = %q", state.Tasks[created.Result.ID].Status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	status := decodeJSON[struct {
		Authority     string `json:"authority"`
		Divergences   uint64 `json:"divergences"`
		LaggingEvents int    `json:"lagging_events"`
	}](t, env.get(t, "/api/status"))
	if status.Authority == "" {
		t.Fatal("expected authority label")
	}
	if status.Divergences != 0 || status.LaggingEvents != 0 {
		t.Fatalf("fresh adapter reports divergences=%d lagging=%d", status.Divergences, status.LaggingEvents)
	}
}
