package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/mistakeknot/waggle/internal/core"
)

// ReleasePayload is the payload for claim.released and claim.reclaimed.
type ReleasePayload struct {
	ClaimID uint64 `json:"claim_id"`
}

// StatusPayload is the payload for agent.status.
type StatusPayload struct {
	AgentID string           `json:"agent_id"`
	Status  core.AgentStatus `json:"status"`
}

// DeregisterPayload is the payload for agent.deregistered.
type DeregisterPayload struct {
	AgentID string `json:"agent_id"`
}

// Project folds events in sequence order into a State. The fold is pure and
// deterministic: it reads nothing but the events themselves, so two replays
// of the same prefix always agree.
func Project(events []core.Event) (core.State, error) {
	st := core.NewState()
	for _, ev := range events {
		if err := apply(&st, ev); err != nil {
			return core.State{}, fmt.Errorf("apply event %d (%s): %w", ev.Sequence, ev.Type, err)
		}
	}
	return st, nil
}

func apply(st *core.State, ev core.Event) error {
	switch ev.Type {
	case core.EventAgentRegistered:
		var a core.Agent
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			return err
		}
		st.Agents[a.ID] = a
	case core.EventAgentDeregistered:
		var p DeregisterPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		delete(st.Agents, p.AgentID)
	case core.EventAgentStatus:
		var p StatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if a, ok := st.Agents[p.AgentID]; ok {
			a.Status = p.Status
			st.Agents[p.AgentID] = a
		}
	case core.EventTaskCreated, core.EventTaskUpdated:
		var t core.Task
		if err := json.Unmarshal(ev.Payload, &t); err != nil {
			return err
		}
		st.Tasks[t.ID] = t
	case core.EventFindingRecorded:
		var f core.Finding
		if err := json.Unmarshal(ev.Payload, &f); err != nil {
			return err
		}
		st.Findings = append(st.Findings, f)
	case core.EventClaimAcquired:
		var c core.Claim
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			return err
		}
		st.Claims[c.ID] = c
	case core.EventClaimReleased, core.EventClaimReclaimed:
		var p ReleasePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		delete(st.Claims, p.ClaimID)
	default:
		// Unknown event types are carried but do not project: the log also
		// transports heuristic/fraud facts consumed elsewhere.
	}
	return nil
}

