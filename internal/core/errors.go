package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrClaimConflict     = errors.New("claim conflict")
	ErrDeadlockPrevented = errors.New("out-of-order lock acquisition")
	ErrRateLimited       = errors.New("confidence update rate limit exceeded")
	ErrQuarantined       = errors.New("heuristic is quarantined")
	ErrFrozen            = errors.New("heuristic confidence is frozen")
	ErrCapacityExceeded  = errors.New("domain hard limit exceeded")
	ErrExpansionRejected = errors.New("expansion gate rejected candidate")
)

// ConflictDetail names one held claim blocking an acquisition.
type ConflictDetail struct {
	Path    string `json:"path"`
	ClaimID uint64 `json:"claim_id"`
	AgentID string `json:"agent_id"`
}

// ConflictError reports the claims that blocked an acquisition attempt.
// It matches errors.Is(err, ErrClaimConflict).
type ConflictError struct {
	Conflicts []ConflictDetail
}

func (e *ConflictError) Error() string {
	paths := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		paths = append(paths, c.Path)
	}
	return fmt.Sprintf("claim conflict on %s", strings.Join(paths, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrClaimConflict
}

// Divergence is the non-fatal signal raised when the legacy state store and
// the event-log projection disagree after a dual write. Execution continues
// on the authoritative store; this is surfaced to the caller as a warning.
type Divergence struct {
	Entity string   `json:"entity"`
	Keys   []string `json:"keys"`
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("statestore/eventlog divergence on %s (%s)", d.Entity, strings.Join(d.Keys, ", "))
}
