// Package statestore is the legacy directory-of-files representation of
// current coordination state. It remains the authoritative store during the
// migration to the event log; the dual-write adapter writes both and
// compares their projections.
package statestore

import "github.com/mistakeknot/waggle/internal/core"

// Store holds directly-mutable coordination records. Implementations must
// make every write atomic at the record level (temp write + rename for the
// file-backed store) so a crash never leaves a torn record.
type Store interface {
	PutAgent(agent core.Agent) error
	DeleteAgent(agentID string) error
	PutTask(task core.Task) error
	AddFinding(finding core.Finding) error
	PutClaim(claim core.Claim) error
	DeleteClaim(claimID uint64) error

	// Snapshot returns the full current state. Reads never block writers.
	Snapshot() (core.State, error)
}
