package core

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDeregistered EventType = "agent.deregistered"
	EventAgentStatus       EventType = "agent.status"
	EventTaskCreated       EventType = "task.created"
	EventTaskUpdated       EventType = "task.updated"
	EventFindingRecorded   EventType = "finding.recorded"
	EventClaimAcquired     EventType = "claim.acquired"
	EventClaimReleased     EventType = "claim.released"
	EventClaimReclaimed    EventType = "claim.reclaimed"
	EventTrailDeposited    EventType = "trail.deposited"
	EventDivergence        EventType = "statestore.divergence"

	EventHeuristicValidated EventType = "heuristic.validated"
	EventHeuristicViolated  EventType = "heuristic.violated"
	EventFraudResponse      EventType = "fraud.response"
	EventDomainContracted   EventType = "domain.contracted"
)

// AgentStatus is the coarse activity state reported by an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
)

// Agent is one live coordination participant. Agents are independent OS
// processes; PID is used for liveness probing during stale-claim reclamation.
type Agent struct {
	ID           string      `json:"id"`
	PID          int         `json:"pid"`
	Task         string      `json:"task,omitempty"`
	Scope        []string    `json:"scope,omitempty"` // file glob patterns
	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeen     time.Time   `json:"last_seen"`
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskBlocked TaskStatus = "blocked"
	TaskDone    TaskStatus = "done"
)

type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Agent     string     `json:"agent,omitempty"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Finding is an agent-reported observation. Findings are append-only and
// belong to the reporting agent.
type Finding struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Severity    string    `json:"severity,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Claim is an exclusive or shared hold on a set of file paths/patterns.
type Claim struct {
	ID         uint64    `json:"id"`
	AgentID    string    `json:"agent_id"`
	PID        int       `json:"pid"`
	Files      []string  `json:"files"`
	Exclusive  bool      `json:"exclusive"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTL        Duration  `json:"ttl,omitempty"`
}

// Scent categorizes a trail signal.
type Scent string

const (
	ScentDiscovery Scent = "discovery"
	ScentWarning   Scent = "warning"
	ScentBlocker   Scent = "blocker"
	ScentHot       Scent = "hot"
	ScentCold      Scent = "cold"
)

// Trail is a decaying pheromone-style signal left at a location. Strength is
// decayed lazily at read time; expired trails are excluded from queries.
type Trail struct {
	ID           string    `json:"id"`
	Location     string    `json:"location"`
	LocationType string    `json:"location_type"`
	Scent        Scent     `json:"scent"`
	Strength     float64   `json:"strength"`
	AgentID      string    `json:"agent_id"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Active reports whether the trail has neither expired nor fully decayed at t.
func (tr Trail) Active(t time.Time) bool {
	return t.Before(tr.ExpiresAt)
}

// Event is one append-only fact in the event log. Sequence numbers are
// contiguous from 1 and immutable once written.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Duration marshals as seconds in JSON so event payloads stay portable.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
