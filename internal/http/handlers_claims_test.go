package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/mistakeknot/waggle/internal/core"
)

func TestClaimLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/claims", map[string]any{
		"agent_id":  "agent-a",
		"files":     []string{"internal/http/*.go"},
		"exclusive": true,
		"reason":    "refactor",
	})
	requireStatus(t, resp, http.StatusCreated)
	created := decodeJSON[struct {
		Result core.Claim `json:"result"`
	}](t, resp)
	if created.Result.ID == 0 {
		t.Fatal("expected claim id")
	}
	if created.Result.AgentID != "agent-a" {
		t.Fatalf("agent = %q", created.Result.AgentID)
	}

	check := decodeJSON[struct {
		Claimed bool   `json:"claimed"`
		ClaimID uint64 `json:"claim_id"`
	}](t, env.get(t, "/api/claims/check?path=internal/http/router.go"))
	if !check.Claimed || check.ClaimID != created.Result.ID {
		t.Fatalf("check = %+v, want claimed by %d", check, created.Result.ID)
	}

	listed := decodeJSON[struct {
		Claims []core.Claim `json:"claims"`
	}](t, env.get(t, "/api/claims"))
	if len(listed.Claims) != 1 {
		t.Fatalf("listed %d claims, want 1", len(listed.Claims))
	}

	requireStatus(t, env.delete(t, fmt.Sprintf("/api/claims/%d", created.Result.ID)), http.StatusOK)

	after := decodeJSON[struct {
		Claimed bool `json:"claimed"`
	}](t, env.get(t, "/api/claims/check?path=internal/http/router.go"))
	if after.Claimed {
		t.Fatal("path still claimed after release")
	}
}

func TestClaimConflictReturns409WithDetails(t *testing.T) {
	env := newTestEnv(t)

	requireStatus(t, env.post(t, "/api/claims", map[string]any{
		"agent_id":  "agent-a",
		"files":     []string{"cmd/waggle/main.go"},
		"exclusive": true,
	}), http.StatusCreated)

	resp := env.post(t, "/api/claims", map[string]any{
		"agent_id":  "agent-b",
		"files":     []string{"cmd/waggle/main.go"},
		"exclusive": true,
	})
	requireStatus(t, resp, http.StatusConflict)
	body := decodeJSON[struct {
		Error     string                `json:"error"`
		Conflicts []core.ConflictDetail `json:"conflicts"`
	}](t, resp)
	if body.Error != "claim_conflict" {
		t.Fatalf("error = %q", body.Error)
	}
	if len(body.Conflicts) == 0 {
		t.Fatal("expected conflict details")
	}
	if body.Conflicts[0].AgentID != "agent-a" {
		t.Fatalf("conflict holder = %q", body.Conflicts[0].AgentID)
	}
}

func TestClaimValidation(t *testing.T) {
	env := newTestEnv(t)

	requireStatus(t, env.post(t, "/api/claims", map[string]any{
		"agent_id": "agent-a",
	}), http.StatusBadRequest)
	requireStatus(t, env.post(t, "/api/claims", map[string]any{
		"files": []string{"a.go"},
	}), http.StatusBadRequest)
	requireStatus(t, env.delete(t, "/api/claims/not-a-number"), http.StatusBadRequest)
	requireStatus(t, env.delete(t, "/api/claims/9999"), http.StatusNotFound)
}
