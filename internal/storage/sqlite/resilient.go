package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every *Store method with a busy-wait retry for
// lock contention and a breaker that sheds load once the database
// fails outright.
type ResilientStore struct {
	inner   *Store
	breaker *Breaker
}

// NewResilient wraps inner with the default breaker: trip after 4
// consecutive failures, probe again after 20s.
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, breaker: NewBreaker(4, 20*time.Second)}
}

// NewResilientWithBreaker wraps inner with a caller-supplied breaker.
func NewResilientWithBreaker(inner *Store, b *Breaker) *ResilientStore {
	return &ResilientStore{inner: inner, breaker: b}
}

// BreakerPhase reports the breaker phase for status endpoints and logs.
func (r *ResilientStore) BreakerPhase() string {
	return r.breaker.Phase()
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

func (r *ResilientStore) run(fn func() error) error {
	return r.breaker.Do(func() error {
		return waitForUnlock(DefaultBusyPolicy(), time.Sleep, fn)
	})
}

func (r *ResilientStore) CreateHeuristic(ctx context.Context, h core.Heuristic) (core.Heuristic, error) {
	var result core.Heuristic
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateHeuristic(ctx, h)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetHeuristic(ctx context.Context, id string) (core.Heuristic, error) {
	var result core.Heuristic
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetHeuristic(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) UpdateHeuristic(ctx context.Context, h core.Heuristic) (core.Heuristic, error) {
	var result core.Heuristic
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.UpdateHeuristic(ctx, h)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListHeuristics(ctx context.Context, domain string, status core.HeuristicStatus) ([]core.Heuristic, error) {
	var result []core.Heuristic
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListHeuristics(ctx, domain, status)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CountHeuristics(ctx context.Context, domain string) (int, error) {
	var result int
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CountHeuristics(ctx, domain)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AppendConfidenceUpdate(ctx context.Context, u core.ConfidenceUpdate) (core.ConfidenceUpdate, error) {
	var result core.ConfidenceUpdate
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.AppendConfidenceUpdate(ctx, u)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ConfidenceUpdates(ctx context.Context, heuristicID string, since time.Time) ([]core.ConfidenceUpdate, error) {
	var result []core.ConfidenceUpdate
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ConfidenceUpdates(ctx, heuristicID, since)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CreateFraudReport(ctx context.Context, rep core.FraudReport, signals []core.AnomalySignal) (core.FraudReport, error) {
	var result core.FraudReport
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateFraudReport(ctx, rep, signals)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) FraudReports(ctx context.Context, heuristicID string) ([]core.FraudReport, error) {
	var result []core.FraudReport
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.FraudReports(ctx, heuristicID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AnomalySignals(ctx context.Context, reportID string) ([]core.AnomalySignal, error) {
	var result []core.AnomalySignal
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.AnomalySignals(ctx, reportID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AppendFraudResponse(ctx context.Context, resp core.FraudResponse) (core.FraudResponse, error) {
	var result core.FraudResponse
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.AppendFraudResponse(ctx, resp)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) FraudResponses(ctx context.Context, heuristicID string) ([]core.FraudResponse, error) {
	var result []core.FraudResponse
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.FraudResponses(ctx, heuristicID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) MarkResponseRolledBack(ctx context.Context, responseID string, at time.Time) error {
	return r.run(func() error {
		return r.inner.MarkResponseRolledBack(ctx, responseID, at)
	})
}

func (r *ResilientStore) GetDomainMetadata(ctx context.Context, domain string) (core.DomainMetadata, error) {
	var result core.DomainMetadata
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetDomainMetadata(ctx, domain)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PutDomainMetadata(ctx context.Context, m core.DomainMetadata) error {
	return r.run(func() error {
		return r.inner.PutDomainMetadata(ctx, m)
	})
}

func (r *ResilientStore) GetDomainBaseline(ctx context.Context, domain string) (core.DomainBaseline, error) {
	var result core.DomainBaseline
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetDomainBaseline(ctx, domain)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PutDomainBaseline(ctx context.Context, b core.DomainBaseline) error {
	return r.run(func() error {
		return r.inner.PutDomainBaseline(ctx, b)
	})
}

func (r *ResilientStore) RecordExpansion(ctx context.Context, e core.ExpansionEvent) error {
	return r.run(func() error {
		return r.inner.RecordExpansion(ctx, e)
	})
}

func (r *ResilientStore) RecordMerge(ctx context.Context, m core.HeuristicMerge) error {
	return r.run(func() error {
		return r.inner.RecordMerge(ctx, m)
	})
}

func (r *ResilientStore) Merges(ctx context.Context, domain string) ([]core.HeuristicMerge, error) {
	var result []core.HeuristicMerge
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.Merges(ctx, domain)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) InsertTrail(ctx context.Context, t core.Trail) error {
	return r.run(func() error {
		return r.inner.InsertTrail(ctx, t)
	})
}

func (r *ResilientStore) ActiveTrails(ctx context.Context, now time.Time) ([]core.Trail, error) {
	var result []core.Trail
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ActiveTrails(ctx, now)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) DeleteExpiredTrails(ctx context.Context, now time.Time) (int, error) {
	var result int
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.DeleteExpiredTrails(ctx, now)
		return innerErr
	})
	return result, err
}
