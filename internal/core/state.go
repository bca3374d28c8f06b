package core

import (
	"encoding/json"
	"sort"
)

// State is the current coordination state: live agents, tasks, findings, and
// held claims. Both the legacy state store and the event-log projection
// produce this shape, which is what makes dual-write divergence checking a
// byte comparison.
type State struct {
	Agents   map[string]Agent  `json:"agents"`
	Tasks    map[string]Task   `json:"tasks"`
	Findings []Finding         `json:"findings"`
	Claims   map[uint64]Claim  `json:"claims"`
}

// NewState returns an empty state.
func NewState() State {
	return State{
		Agents: make(map[string]Agent),
		Tasks:  make(map[string]Task),
		Claims: make(map[uint64]Claim),
	}
}

// Canonical renders the state as deterministic JSON: encoding/json sorts map
// keys, and findings are ordered by id.
func (s State) Canonical() ([]byte, error) {
	findings := append([]Finding(nil), s.Findings...)
	sort.Slice(findings, func(i, j int) bool { return findings[i].ID < findings[j].ID })
	cp := s
	cp.Findings = findings
	return json.Marshal(cp)
}
