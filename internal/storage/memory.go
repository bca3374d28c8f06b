package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/waggle/internal/core"

	"github.com/google/uuid"
)

// InMemory is a map-backed Store. It carries the same semantics as the
// sqlite store and is the default backend for tests and ephemeral runs.
type InMemory struct {
	mu         sync.RWMutex
	heuristics map[string]core.Heuristic
	updates    []core.ConfidenceUpdate
	reports    map[string]core.FraudReport
	signals    map[string][]core.AnomalySignal // reportID -> signals
	responses  []core.FraudResponse
	domains    map[string]core.DomainMetadata
	baselines  map[string]core.DomainBaseline
	expansions []core.ExpansionEvent
	merges     []core.HeuristicMerge
	trails     map[string]core.Trail
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		heuristics: make(map[string]core.Heuristic),
		reports:    make(map[string]core.FraudReport),
		signals:    make(map[string][]core.AnomalySignal),
		domains:    make(map[string]core.DomainMetadata),
		baselines:  make(map[string]core.DomainBaseline),
		trails:     make(map[string]core.Trail),
	}
}

func (m *InMemory) CreateHeuristic(_ context.Context, h core.Heuristic) (core.Heuristic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if _, ok := m.heuristics[h.ID]; ok {
		return core.Heuristic{}, fmt.Errorf("create heuristic %s: duplicate id", h.ID)
	}
	m.heuristics[h.ID] = h
	return h, nil
}

func (m *InMemory) GetHeuristic(_ context.Context, id string) (core.Heuristic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heuristics[id]
	if !ok {
		return core.Heuristic{}, fmt.Errorf("heuristic %s: %w", id, core.ErrNotFound)
	}
	return h, nil
}

func (m *InMemory) UpdateHeuristic(_ context.Context, h core.Heuristic) (core.Heuristic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.heuristics[h.ID]; !ok {
		return core.Heuristic{}, fmt.Errorf("heuristic %s: %w", h.ID, core.ErrNotFound)
	}
	m.heuristics[h.ID] = h
	return h, nil
}

func (m *InMemory) ListHeuristics(_ context.Context, domain string, status core.HeuristicStatus) ([]core.Heuristic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Heuristic
	for _, h := range m.heuristics {
		if domain != "" && h.Domain != domain {
			continue
		}
		if status != "" && h.Status != status {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) CountHeuristics(_ context.Context, domain string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, h := range m.heuristics {
		if h.Domain != domain || h.SupersededBy != "" {
			continue
		}
		if h.Status == core.HeuristicActive || h.Status == core.HeuristicDormant {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) AppendConfidenceUpdate(_ context.Context, u core.ConfidenceUpdate) (core.ConfidenceUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.updates = append(m.updates, u)
	return u, nil
}

func (m *InMemory) ConfidenceUpdates(_ context.Context, heuristicID string, since time.Time) ([]core.ConfidenceUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.ConfidenceUpdate
	for _, u := range m.updates {
		if u.HeuristicID != heuristicID || u.CreatedAt.Before(since) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (m *InMemory) CreateFraudReport(_ context.Context, r core.FraudReport, signals []core.AnomalySignal) (core.FraudReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.reports[r.ID] = r
	for i := range signals {
		if signals[i].ID == "" {
			signals[i].ID = uuid.NewString()
		}
		signals[i].ReportID = r.ID
	}
	m.signals[r.ID] = append([]core.AnomalySignal(nil), signals...)
	return r, nil
}

func (m *InMemory) FraudReports(_ context.Context, heuristicID string) ([]core.FraudReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.FraudReport
	for _, r := range m.reports {
		if r.HeuristicID == heuristicID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) AnomalySignals(_ context.Context, reportID string) ([]core.AnomalySignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.AnomalySignal(nil), m.signals[reportID]...), nil
}

func (m *InMemory) AppendFraudResponse(_ context.Context, r core.FraudResponse) (core.FraudResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.responses = append(m.responses, r)
	return r, nil
}

func (m *InMemory) FraudResponses(_ context.Context, heuristicID string) ([]core.FraudResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.FraudResponse
	for _, r := range m.responses {
		if r.HeuristicID == heuristicID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *InMemory) MarkResponseRolledBack(_ context.Context, responseID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.responses {
		if m.responses[i].ID == responseID {
			t := at
			m.responses[i].RollbackAt = &t
			return nil
		}
	}
	return fmt.Errorf("fraud response %s: %w", responseID, core.ErrNotFound)
}

func (m *InMemory) GetDomainMetadata(_ context.Context, domain string) (core.DomainMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[domain]
	if !ok {
		return core.DomainMetadata{}, fmt.Errorf("domain %s: %w", domain, core.ErrNotFound)
	}
	return d, nil
}

func (m *InMemory) PutDomainMetadata(_ context.Context, d core.DomainMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.Domain] = d
	return nil
}

func (m *InMemory) GetDomainBaseline(_ context.Context, domain string) (core.DomainBaseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[domain]
	if !ok {
		return core.DomainBaseline{}, fmt.Errorf("baseline %s: %w", domain, core.ErrNotFound)
	}
	return b, nil
}

func (m *InMemory) PutDomainBaseline(_ context.Context, b core.DomainBaseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[b.Domain] = b
	return nil
}

func (m *InMemory) RecordExpansion(_ context.Context, e core.ExpansionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.expansions = append(m.expansions, e)
	return nil
}

func (m *InMemory) RecordMerge(_ context.Context, mg core.HeuristicMerge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mg.ID == "" {
		mg.ID = uuid.NewString()
	}
	m.merges = append(m.merges, mg)
	return nil
}

func (m *InMemory) Merges(_ context.Context, domain string) ([]core.HeuristicMerge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.HeuristicMerge
	for _, mg := range m.merges {
		if mg.Domain == domain {
			out = append(out, mg)
		}
	}
	return out, nil
}

func (m *InMemory) InsertTrail(_ context.Context, t core.Trail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.trails[t.ID] = t
	return nil
}

func (m *InMemory) ActiveTrails(_ context.Context, now time.Time) ([]core.Trail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Trail
	for _, t := range m.trails {
		if t.Active(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) DeleteExpiredTrails(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.trails {
		if !t.Active(now) {
			delete(m.trails, id)
			n++
		}
	}
	return n, nil
}
