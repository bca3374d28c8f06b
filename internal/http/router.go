package httpapi

import (
	"net/http"
)

func NewRouter(svc *Service, wsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/agents", svc.handleAgents)
	mux.HandleFunc("/api/agents/", svc.handleAgentByID)
	mux.HandleFunc("/api/tasks", svc.handleTasks)
	mux.HandleFunc("/api/tasks/", svc.handleTaskByID)
	mux.HandleFunc("/api/findings", svc.handleFindings)

	mux.HandleFunc("/api/claims", svc.handleClaims)
	mux.HandleFunc("/api/claims/check", svc.handleClaimCheck)
	mux.HandleFunc("/api/claims/", svc.handleClaimByID)

	mux.HandleFunc("/api/trails", svc.handleTrails)

	mux.HandleFunc("/api/heuristics", svc.handleHeuristics)
	mux.HandleFunc("/api/heuristics/", svc.handleHeuristicByID)
	mux.HandleFunc("/api/domains/", svc.handleDomain)

	mux.HandleFunc("/api/state", svc.handleState)
	mux.HandleFunc("/api/events", svc.handleEvents)
	mux.HandleFunc("/api/status", svc.handleStatus)
	mux.HandleFunc("/api/reconcile", svc.handleReconcile)

	if wsHandler != nil {
		mux.Handle("/ws/agents/", wsHandler)
	}

	return mux
}
