// Package capacity bounds how many heuristics a knowledge domain may
// hold and decides, at the expansion gate, whether a candidate earns a
// slot or existing heuristics must be merged to make room.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/storage"
)

type Config struct {
	DefaultSoftLimit int
	DefaultHardLimit int
	// GracePeriod is how long a domain may sit in overflow before it is
	// marked critical even without hitting the hard limit.
	GracePeriod time.Duration
	// Expansion gate thresholds for admitting a candidate heuristic.
	MinConfidence  float64
	MinValidations int
	MinNovelty     float64
	MergeStrategy  core.MergeStrategy
}

func DefaultConfig() Config {
	return Config{
		DefaultSoftLimit: 25,
		DefaultHardLimit: 50,
		GracePeriod:      7 * 24 * time.Hour,
		MinConfidence:    0.6,
		MinValidations:   3,
		MinNovelty:       0.3,
		MergeStrategy:    core.MergeWeightedAverage,
	}
}

// Manager enforces per-domain capacity and runs the expansion gate.
type Manager struct {
	store  storage.Store
	scorer Scorer
	cfg    Config
	now    func() time.Time
}

func New(store storage.Store, scorer Scorer, cfg Config) *Manager {
	if scorer == nil {
		scorer = Jaccard{}
	}
	return &Manager{store: store, scorer: scorer, cfg: cfg, now: time.Now}
}

// Metadata returns the domain's capacity record, initializing it with
// default limits on first touch.
func (m *Manager) Metadata(ctx context.Context, domain string) (core.DomainMetadata, error) {
	meta, err := m.store.GetDomainMetadata(ctx, domain)
	if errors.Is(err, core.ErrNotFound) {
		meta = core.DomainMetadata{
			Domain:    domain,
			SoftLimit: m.cfg.DefaultSoftLimit,
			HardLimit: m.cfg.DefaultHardLimit,
			State:     core.DomainNormal,
			UpdatedAt: m.now(),
		}
		if err := m.store.PutDomainMetadata(ctx, meta); err != nil {
			return core.DomainMetadata{}, err
		}
		return meta, nil
	}
	return meta, err
}

// Evaluate recounts the domain and advances its capacity state machine:
// normal while at or under the soft limit, overflow above it, critical
// once the hard limit is reached or overflow outlives the grace period.
// Dropping back to the soft limit returns the domain to normal.
func (m *Manager) Evaluate(ctx context.Context, domain string) (core.DomainMetadata, error) {
	meta, err := m.Metadata(ctx, domain)
	if err != nil {
		return core.DomainMetadata{}, err
	}
	count, err := m.store.CountHeuristics(ctx, domain)
	if err != nil {
		return core.DomainMetadata{}, err
	}
	now := m.now()
	meta.CurrentCount = count

	switch {
	case count <= meta.SoftLimit:
		if meta.State != core.DomainNormal {
			log.Printf("capacity: domain %s back to normal at %d heuristics", domain, count)
		}
		meta.State = core.DomainNormal
		meta.OverflowSince = nil
		meta.CriticalSince = nil
	default:
		if meta.OverflowSince == nil {
			t := now
			meta.OverflowSince = &t
		}
		critical := count >= meta.HardLimit ||
			now.Sub(*meta.OverflowSince) > m.cfg.GracePeriod
		if critical {
			if meta.CriticalSince == nil {
				t := now
				meta.CriticalSince = &t
				log.Printf("capacity: domain %s critical at %d/%d heuristics", domain, count, meta.HardLimit)
			}
			meta.State = core.DomainCritical
		} else {
			meta.State = core.DomainOverflow
			meta.CriticalSince = nil
		}
	}
	meta.UpdatedAt = now
	if err := m.store.PutDomainMetadata(ctx, meta); err != nil {
		return core.DomainMetadata{}, err
	}
	return meta, nil
}

// Override records a human approval for exceeding the domain's hard
// limit. Without it, admissions at the hard limit are refused.
func (m *Manager) Override(ctx context.Context, domain string) error {
	meta, err := m.Metadata(ctx, domain)
	if err != nil {
		return err
	}
	meta.OverrideRecorded = true
	meta.UpdatedAt = m.now()
	return m.store.PutDomainMetadata(ctx, meta)
}

// Admit runs the expansion gate for a candidate heuristic. The candidate
// must clear the quality bar, say something the domain does not already
// know, and fit under the hard limit. Every decision, accepted or not,
// leaves an expansion audit row.
func (m *Manager) Admit(ctx context.Context, candidate core.Heuristic) (core.Heuristic, error) {
	domain := candidate.Domain
	meta, err := m.Metadata(ctx, domain)
	if err != nil {
		return core.Heuristic{}, err
	}
	count, err := m.store.CountHeuristics(ctx, domain)
	if err != nil {
		return core.Heuristic{}, err
	}
	novelty, err := m.novelty(ctx, candidate)
	if err != nil {
		return core.Heuristic{}, err
	}

	reject := func(reason string) (core.Heuristic, error) {
		if err := m.audit(ctx, domain, "", false, reason, novelty); err != nil {
			return core.Heuristic{}, err
		}
		return core.Heuristic{}, fmt.Errorf("domain %s: %s: %w", domain, reason, core.ErrCapacityExceeded)
	}

	if candidate.Confidence < m.cfg.MinConfidence {
		if err := m.audit(ctx, domain, "", false, "confidence below expansion bar", novelty); err != nil {
			return core.Heuristic{}, err
		}
		return core.Heuristic{}, fmt.Errorf("domain %s: candidate confidence %.2f below %.2f: %w", domain, candidate.Confidence, m.cfg.MinConfidence, core.ErrExpansionRejected)
	}
	if candidate.TimesValidated < m.cfg.MinValidations {
		if err := m.audit(ctx, domain, "", false, "insufficient validations", novelty); err != nil {
			return core.Heuristic{}, err
		}
		return core.Heuristic{}, fmt.Errorf("domain %s: candidate has %d validations, need %d: %w", domain, candidate.TimesValidated, m.cfg.MinValidations, core.ErrExpansionRejected)
	}
	if novelty < m.cfg.MinNovelty {
		if err := m.audit(ctx, domain, "", false, "duplicates existing knowledge", novelty); err != nil {
			return core.Heuristic{}, err
		}
		return core.Heuristic{}, fmt.Errorf("domain %s: candidate novelty %.2f below %.2f: %w", domain, novelty, m.cfg.MinNovelty, core.ErrExpansionRejected)
	}
	if count >= meta.HardLimit && !meta.OverrideRecorded {
		return reject(fmt.Sprintf("hard limit %d reached", meta.HardLimit))
	}

	now := m.now()
	if candidate.Status == "" {
		candidate.Status = core.HeuristicActive
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = now
	}
	candidate.LastUsedAt = now
	candidate.UpdatedAt = now
	created, err := m.store.CreateHeuristic(ctx, candidate)
	if err != nil {
		return core.Heuristic{}, err
	}
	if err := m.audit(ctx, domain, created.ID, true, "accepted", novelty); err != nil {
		return core.Heuristic{}, err
	}
	if _, err := m.Evaluate(ctx, domain); err != nil {
		return core.Heuristic{}, err
	}
	return created, nil
}

// Contract merges the two most similar heuristics in a critical domain
// into one successor, marking the sources superseded. The merge is the
// only path that retires a heuristic's knowledge rather than the
// heuristic alone.
func (m *Manager) Contract(ctx context.Context, domain string) (core.HeuristicMerge, error) {
	meta, err := m.Evaluate(ctx, domain)
	if err != nil {
		return core.HeuristicMerge{}, err
	}
	if meta.State != core.DomainCritical {
		return core.HeuristicMerge{}, fmt.Errorf("domain %s is %s, contraction needs critical", domain, meta.State)
	}
	hs, err := m.store.ListHeuristics(ctx, domain, core.HeuristicActive)
	if err != nil {
		return core.HeuristicMerge{}, err
	}
	var candidates []core.Heuristic
	for _, h := range hs {
		if h.SupersededBy == "" && !h.IsGolden {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) < 2 {
		return core.HeuristicMerge{}, fmt.Errorf("domain %s has %d mergeable heuristics, need 2", domain, len(candidates))
	}

	bi, bj, best := 0, 1, -1.0
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if s := m.scorer.Score(candidates[i].Rule, candidates[j].Rule); s > best {
				bi, bj, best = i, j, s
			}
		}
	}
	a, b := candidates[bi], candidates[bj]

	now := m.now()
	target := merge(a, b, m.cfg.MergeStrategy)
	target.CreatedAt = now
	target.LastUsedAt = now
	target.UpdatedAt = now
	target, err = m.store.CreateHeuristic(ctx, target)
	if err != nil {
		return core.HeuristicMerge{}, err
	}
	for _, src := range []core.Heuristic{a, b} {
		src.SupersededBy = target.ID
		src.Status = core.HeuristicDeprecated
		src.UpdatedAt = now
		if _, err := m.store.UpdateHeuristic(ctx, src); err != nil {
			return core.HeuristicMerge{}, err
		}
	}
	rec := core.HeuristicMerge{
		Domain:     domain,
		SourceIDs:  []string{a.ID, b.ID},
		TargetID:   target.ID,
		Strategy:   m.cfg.MergeStrategy,
		Similarity: best,
		CreatedAt:  now,
	}
	if err := m.store.RecordMerge(ctx, rec); err != nil {
		return core.HeuristicMerge{}, err
	}
	log.Printf("capacity: merged %s + %s -> %s in domain %s (similarity %.2f)", a.ID, b.ID, target.ID, domain, best)
	if _, err := m.Evaluate(ctx, domain); err != nil {
		return core.HeuristicMerge{}, err
	}
	return rec, nil
}

// merge combines two heuristics' confidence per the strategy. The
// higher-confidence rule text survives; observation counters sum either
// way so the successor keeps the evidence weight of both sources.
func merge(a, b core.Heuristic, strategy core.MergeStrategy) core.Heuristic {
	target := a
	if b.Confidence > a.Confidence {
		target = b
	}
	wa := float64(a.TimesValidated + a.TimesViolated + 1)
	wb := float64(b.TimesValidated + b.TimesViolated + 1)
	var conf float64
	switch strategy {
	case core.MergeSum:
		conf = a.Confidence + b.Confidence
	default:
		conf = (a.Confidence*wa + b.Confidence*wb) / (wa + wb)
	}
	if conf > 1 {
		conf = 1
	}
	return core.Heuristic{
		Domain:            target.Domain,
		Rule:              target.Rule,
		Confidence:        conf,
		ConfidenceEMA:     conf,
		Status:            core.HeuristicActive,
		TimesValidated:    a.TimesValidated + b.TimesValidated,
		TimesViolated:     a.TimesViolated + b.TimesViolated,
		TimesContradicted: a.TimesContradicted + b.TimesContradicted,
	}
}

// novelty is one minus the candidate's best similarity against live
// heuristics in the domain. An empty domain is maximally novel.
func (m *Manager) novelty(ctx context.Context, candidate core.Heuristic) (float64, error) {
	existing, err := m.store.ListHeuristics(ctx, candidate.Domain, "")
	if err != nil {
		return 0, err
	}
	best := 0.0
	for _, h := range existing {
		if h.Status == core.HeuristicDeprecated || h.SupersededBy != "" {
			continue
		}
		if s := m.scorer.Score(candidate.Rule, h.Rule); s > best {
			best = s
		}
	}
	return 1 - best, nil
}

func (m *Manager) audit(ctx context.Context, domain, heuristicID string, accepted bool, reason string, novelty float64) error {
	return m.store.RecordExpansion(ctx, core.ExpansionEvent{
		Domain:      domain,
		HeuristicID: heuristicID,
		Accepted:    accepted,
		Reason:      reason,
		Novelty:     novelty,
		CreatedAt:   m.now(),
	})
}
