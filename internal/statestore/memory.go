package statestore

import (
	"sync"

	"github.com/mistakeknot/waggle/internal/core"
)

// Memory is an in-memory Store so concurrency tests can run deterministically
// without real filesystem races.
type Memory struct {
	mu    sync.RWMutex
	state core.State

	// FailPuts makes every mutation fail; lets tests exercise dual-write
	// failure paths.
	FailPuts bool
}

func NewMemory() *Memory {
	return &Memory{state: core.NewState()}
}

type memErr string

func (e memErr) Error() string { return string(e) }

const errInjected = memErr("injected store failure")

func (m *Memory) PutAgent(agent core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return errInjected
	}
	m.state.Agents[agent.ID] = agent
	return nil
}

func (m *Memory) DeleteAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return errInjected
	}
	delete(m.state.Agents, agentID)
	return nil
}

func (m *Memory) PutTask(task core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return errInjected
	}
	m.state.Tasks[task.ID] = task
	return nil
}

func (m *Memory) AddFinding(finding core.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return errInjected
	}
	m.state.Findings = append(m.state.Findings, finding)
	return nil
}

func (m *Memory) PutClaim(claim core.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return errInjected
	}
	m.state.Claims[claim.ID] = claim
	return nil
}

func (m *Memory) DeleteClaim(claimID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return errInjected
	}
	delete(m.state.Claims, claimID)
	return nil
}

func (m *Memory) Snapshot() (core.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := core.NewState()
	for k, v := range m.state.Agents {
		out.Agents[k] = v
	}
	for k, v := range m.state.Tasks {
		out.Tasks[k] = v
	}
	out.Findings = append(out.Findings, m.state.Findings...)
	for k, v := range m.state.Claims {
		out.Claims[k] = v
	}
	return out, nil
}
