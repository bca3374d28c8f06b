// Package dualwrite routes every coordination mutation to both the legacy
// state store and the event log, then compares their projections. It is the
// strangler-fig seam for migrating off the state store: a single runtime
// flag selects which side serves reads, so cutover needs no call-site
// changes and no downtime.
package dualwrite

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/eventlog"
	"github.com/mistakeknot/waggle/internal/statestore"
)

// Authority selects the store that serves reads during migration.
type Authority int32

const (
	AuthorityLegacy Authority = iota
	AuthorityEventLog
)

func (a Authority) String() string {
	if a == AuthorityEventLog {
		return "eventlog"
	}
	return "legacy"
}

// EventLog is the append/replay surface the adapter needs.
type EventLog interface {
	Append(eventType core.EventType, payload any) (core.Event, error)
	Events() ([]core.Event, error)
}

// Broadcaster receives divergence signals for operators; optional.
type Broadcaster interface {
	Broadcast(event any)
}

// Result reports what one mutation did. Divergence and EventLogLagging are
// warnings, not errors: the mutation itself succeeded on the authoritative
// store.
type Result struct {
	Event           core.Event
	Divergence      *core.Divergence
	EventLogLagging bool
}

type pending struct {
	eventType core.EventType
	payload   any
}

// Adapter performs dual writes in a fixed order: state store first, event
// log second. Append failures are retried; an event that still cannot land
// is queued as "event-log-lagging" for Reconcile rather than dropped.
type Adapter struct {
	legacy    statestore.Store
	eventLog  EventLog
	authority atomic.Int32
	bus       Broadcaster

	retries    int
	retryDelay time.Duration
	sleep      func(time.Duration)

	mu          sync.Mutex
	lagging     []pending
	divergences atomic.Uint64
}

// New wires an adapter with legacy-authoritative reads, 3 append retries and
// a 50ms base retry delay.
func New(legacy statestore.Store, el EventLog) *Adapter {
	return &Adapter{
		legacy:     legacy,
		eventLog:   el,
		retries:    3,
		retryDelay: 50 * time.Millisecond,
		sleep:      time.Sleep,
	}
}

// WithBroadcaster surfaces divergence signals to the given bus.
func (a *Adapter) WithBroadcaster(b Broadcaster) *Adapter {
	a.bus = b
	return a
}

// SetAuthority switches the read path at runtime.
func (a *Adapter) SetAuthority(auth Authority) {
	a.authority.Store(int32(auth))
	log.Printf("dualwrite: authoritative reader is now %s", auth)
}

// Authority returns the current read authority.
func (a *Adapter) Authority() Authority {
	return Authority(a.authority.Load())
}

// Divergences returns how many post-write comparisons disagreed.
func (a *Adapter) Divergences() uint64 {
	return a.divergences.Load()
}

// LaggingEvents returns the number of mutations whose event-log append is
// still outstanding.
func (a *Adapter) LaggingEvents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lagging)
}

// Snapshot reads current state from the authoritative store.
func (a *Adapter) Snapshot() (core.State, error) {
	if a.Authority() == AuthorityEventLog {
		events, err := a.eventLog.Events()
		if err != nil {
			return core.State{}, err
		}
		return eventlog.Project(events)
	}
	return a.legacy.Snapshot()
}

// RegisterAgent records a new participant.
func (a *Adapter) RegisterAgent(agent core.Agent) (Result, error) {
	return a.apply(core.EventAgentRegistered, agent, func() error {
		return a.legacy.PutAgent(agent)
	})
}

// DeregisterAgent removes a participant.
func (a *Adapter) DeregisterAgent(agentID string) (Result, error) {
	return a.apply(core.EventAgentDeregistered, eventlog.DeregisterPayload{AgentID: agentID}, func() error {
		return a.legacy.DeleteAgent(agentID)
	})
}

// SetAgentStatus updates an agent's activity state.
func (a *Adapter) SetAgentStatus(agentID string, status core.AgentStatus) (Result, error) {
	return a.apply(core.EventAgentStatus, eventlog.StatusPayload{AgentID: agentID, Status: status}, func() error {
		st, err := a.legacy.Snapshot()
		if err != nil {
			return err
		}
		ag, ok := st.Agents[agentID]
		if !ok {
			return core.ErrNotFound
		}
		ag.Status = status
		return a.legacy.PutAgent(ag)
	})
}

// PutTask creates or updates a task.
func (a *Adapter) PutTask(task core.Task, created bool) (Result, error) {
	eventType := core.EventTaskUpdated
	if created {
		eventType = core.EventTaskCreated
	}
	return a.apply(eventType, task, func() error {
		return a.legacy.PutTask(task)
	})
}

// RecordFinding appends an agent observation.
func (a *Adapter) RecordFinding(finding core.Finding) (Result, error) {
	return a.apply(core.EventFindingRecorded, finding, func() error {
		return a.legacy.AddFinding(finding)
	})
}

// ClaimAcquired mirrors a successful claim into both stores.
func (a *Adapter) ClaimAcquired(claim core.Claim) (Result, error) {
	return a.apply(core.EventClaimAcquired, claim, func() error {
		return a.legacy.PutClaim(claim)
	})
}

// ClaimReleased mirrors a voluntary release.
func (a *Adapter) ClaimReleased(claimID uint64) (Result, error) {
	return a.apply(core.EventClaimReleased, eventlog.ReleasePayload{ClaimID: claimID}, func() error {
		return a.legacy.DeleteClaim(claimID)
	})
}

// ClaimReclaimed mirrors a stale-lock reclamation.
func (a *Adapter) ClaimReclaimed(claimID uint64) (Result, error) {
	return a.apply(core.EventClaimReclaimed, eventlog.ReleasePayload{ClaimID: claimID}, func() error {
		return a.legacy.DeleteClaim(claimID)
	})
}

// apply is the dual-write protocol: legacy write, event append with bounded
// retries, then projection comparison. A rejected legacy write propagates as
// an error; a persistently failing append degrades to event-log-lagging and
// is queued, never dropped.
func (a *Adapter) apply(eventType core.EventType, payload any, legacyWrite func() error) (Result, error) {
	if err := legacyWrite(); err != nil {
		return Result{}, fmt.Errorf("state store write: %w", err)
	}

	var res Result
	ev, err := a.appendWithRetry(eventType, payload)
	if err != nil {
		log.Printf("dualwrite: event log lagging (%s): %v", eventType, err)
		a.mu.Lock()
		a.lagging = append(a.lagging, pending{eventType: eventType, payload: payload})
		a.mu.Unlock()
		res.EventLogLagging = true
		return res, nil
	}
	res.Event = ev

	if div := a.compare(); div != nil {
		a.divergences.Add(1)
		log.Printf("dualwrite: divergence detected after %s: %v", eventType, div)
		if a.bus != nil {
			a.bus.Broadcast(map[string]any{
				"type":   string(core.EventDivergence),
				"entity": div.Entity,
				"keys":   div.Keys,
			})
		}
		res.Divergence = div
	}
	return res, nil
}

func (a *Adapter) appendWithRetry(eventType core.EventType, payload any) (core.Event, error) {
	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			a.sleep(a.retryDelay * time.Duration(1<<(attempt-1)))
		}
		ev, err := a.eventLog.Append(eventType, payload)
		if err == nil {
			return ev, nil
		}
		lastErr = err
	}
	return core.Event{}, lastErr
}

// Reconcile retries queued appends in order, preserving event ordering.
// It stops at the first append that still fails.
func (a *Adapter) Reconcile() (int, error) {
	a.mu.Lock()
	queue := a.lagging
	a.lagging = nil
	a.mu.Unlock()

	for i, p := range queue {
		if _, err := a.eventLog.Append(p.eventType, p.payload); err != nil {
			a.mu.Lock()
			a.lagging = append(queue[i:], a.lagging...)
			a.mu.Unlock()
			return i, fmt.Errorf("reconcile %s: %w", p.eventType, err)
		}
	}
	if len(queue) > 0 {
		log.Printf("dualwrite: reconciled %d lagging event(s)", len(queue))
	}
	return len(queue), nil
}

// compare diffs the two projections for the entities both stores model.
// Returns nil while appends are lagging: the log is a known prefix then, and
// flagging it would drown real divergence in noise.
func (a *Adapter) compare() *core.Divergence {
	a.mu.Lock()
	laggingNow := len(a.lagging)
	a.mu.Unlock()
	if laggingNow > 0 {
		return nil
	}

	legacyState, err := a.legacy.Snapshot()
	if err != nil {
		log.Printf("dualwrite: compare: legacy snapshot: %v", err)
		return nil
	}
	events, err := a.eventLog.Events()
	if err != nil {
		log.Printf("dualwrite: compare: read log: %v", err)
		return nil
	}
	projected, err := eventlog.Project(events)
	if err != nil {
		log.Printf("dualwrite: compare: project: %v", err)
		return nil
	}
	return diff(legacyState, projected)
}

const maxReportedKeys = 5

// diff returns the first divergent section with up to maxReportedKeys of the
// differing entity keys, or nil when the projections agree.
func diff(legacy, projected core.State) *core.Divergence {
	if keys := diffAgents(legacy.Agents, projected.Agents); len(keys) > 0 {
		return &core.Divergence{Entity: "agents", Keys: clip(keys)}
	}
	if keys := diffTasks(legacy.Tasks, projected.Tasks); len(keys) > 0 {
		return &core.Divergence{Entity: "tasks", Keys: clip(keys)}
	}
	if keys := diffClaims(legacy.Claims, projected.Claims); len(keys) > 0 {
		return &core.Divergence{Entity: "claims", Keys: clip(keys)}
	}
	if len(legacy.Findings) != len(projected.Findings) {
		return &core.Divergence{Entity: "findings", Keys: []string{
			fmt.Sprintf("count %d != %d", len(legacy.Findings), len(projected.Findings)),
		}}
	}
	return nil
}

func clip(keys []string) []string {
	if len(keys) > maxReportedKeys {
		return keys[:maxReportedKeys]
	}
	return keys
}
