package heuristic

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/storage"
)

// Config tunes the confidence smoothing and lifecycle thresholds.
type Config struct {
	// AlphaCeil applies to brand-new heuristics; the learning rate slides
	// down toward AlphaFloor as observations accumulate.
	AlphaCeil  float64
	AlphaFloor float64
	// Warmup is the observation count at which alpha sits halfway between
	// ceiling and floor.
	Warmup int
	// DailyUpdateCap bounds confidence updates per heuristic per UTC day.
	DailyUpdateCap int
	// DormantAfter is how long a heuristic can go unused before the sweep
	// marks it dormant.
	DormantAfter time.Duration
	// DeprecateAfterContradictions deprecates a non-golden heuristic once
	// its contradiction count reaches this value.
	DeprecateAfterContradictions int
	GoldenMinConfidence          float64
	GoldenMinValidations         int
}

func DefaultConfig() Config {
	return Config{
		AlphaCeil:                    0.5,
		AlphaFloor:                   0.1,
		Warmup:                       5,
		DailyUpdateCap:               10,
		DormantAfter:                 14 * 24 * time.Hour,
		DeprecateAfterContradictions: 5,
		GoldenMinConfidence:          0.9,
		GoldenMinValidations:         10,
	}
}

// Memory owns heuristic lifecycle and confidence updates. All writes go
// through it so the audit trail in confidence_updates stays complete.
type Memory struct {
	store storage.Store
	cfg   Config
	now   func() time.Time
}

func New(store storage.Store, cfg Config) *Memory {
	return &Memory{store: store, cfg: cfg, now: time.Now}
}

// create registers a new heuristic with its confidence seeded at initial.
// Admission-gated creation lives in the capacity manager; this is the bare
// write used by tests that exercise the lifecycle directly.
func (m *Memory) create(ctx context.Context, domain, rule string, initial float64) (core.Heuristic, error) {
	now := m.now()
	h := core.Heuristic{
		Domain:        domain,
		Rule:          rule,
		Confidence:    clamp01(initial),
		ConfidenceEMA: clamp01(initial),
		Status:        core.HeuristicActive,
		LastUsedAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return m.store.CreateHeuristic(ctx, h)
}

func (m *Memory) Get(ctx context.Context, id string) (core.Heuristic, error) {
	return m.store.GetHeuristic(ctx, id)
}

func (m *Memory) List(ctx context.Context, domain string, status core.HeuristicStatus) ([]core.Heuristic, error) {
	return m.store.ListHeuristics(ctx, domain, status)
}

// Validate records a supporting observation, pulling confidence toward 1.
func (m *Memory) Validate(ctx context.Context, id, reason string) (core.ConfidenceUpdate, error) {
	return m.Update(ctx, id, core.UpdateValidation, 1.0, reason)
}

// Violate records a failing observation, pulling confidence toward 0.
func (m *Memory) Violate(ctx context.Context, id, reason string) (core.ConfidenceUpdate, error) {
	return m.Update(ctx, id, core.UpdateViolation, 0.0, reason)
}

// Contradict records direct counter-evidence. It moves confidence like a
// violation and advances the deprecation counter.
func (m *Memory) Contradict(ctx context.Context, id, reason string) (core.ConfidenceUpdate, error) {
	return m.Update(ctx, id, core.UpdateContradiction, 0.0, reason)
}

// Update applies one confidence observation. The new confidence is an
// exponential moving average pulled toward rawTarget; alpha shrinks as the
// heuristic accumulates observations, so early evidence moves it fast and
// a mature heuristic resists single outliers.
//
// Updates past the daily cap are still persisted as audit rows with
// rate_limited set and still advance the raw counters, but leave the EMA
// untouched; the call returns the row together with ErrRateLimited.
func (m *Memory) Update(ctx context.Context, id string, typ core.UpdateType, rawTarget float64, reason string) (core.ConfidenceUpdate, error) {
	h, err := m.store.GetHeuristic(ctx, id)
	if err != nil {
		return core.ConfidenceUpdate{}, err
	}
	now := m.now()
	if h.Status == core.HeuristicDeprecated {
		return core.ConfidenceUpdate{}, fmt.Errorf("heuristic %s is deprecated", id)
	}
	if h.IsQuarantined {
		return core.ConfidenceUpdate{}, fmt.Errorf("heuristic %s: %w", id, core.ErrQuarantined)
	}
	if h.FrozenUntil != nil && now.Before(*h.FrozenUntil) {
		return core.ConfidenceUpdate{}, fmt.Errorf("heuristic %s frozen until %s: %w", id, h.FrozenUntil.Format(time.RFC3339), core.ErrFrozen)
	}

	day := now.UTC().Format("2006-01-02")
	if h.LastUpdateDay != day {
		h.LastUpdateDay = day
		h.UpdateCountToday = 0
	}
	cap := m.cfg.DailyUpdateCap
	if h.DailyCapOverride > 0 {
		cap = h.DailyCapOverride
	}
	rateLimited := h.UpdateCountToday >= cap
	h.UpdateCountToday++

	rawTarget = clamp01(rawTarget)
	alpha := 0.0
	old := h.ConfidenceEMA
	next := old
	if !rateLimited {
		alpha = m.alpha(h.TimesValidated + h.TimesViolated)
		next = clamp01(old + alpha*(rawTarget-old))
		h.ConfidenceEMA = next
		h.Confidence = next
	}

	switch typ {
	case core.UpdateValidation:
		h.TimesValidated++
		if h.Status == core.HeuristicDormant {
			h.Status = core.HeuristicActive
		}
	case core.UpdateViolation:
		h.TimesViolated++
	case core.UpdateContradiction:
		h.TimesContradicted++
		if !h.IsGolden && m.cfg.DeprecateAfterContradictions > 0 && h.TimesContradicted >= m.cfg.DeprecateAfterContradictions {
			h.Status = core.HeuristicDeprecated
			log.Printf("heuristic: deprecated %s after %d contradictions", h.ID, h.TimesContradicted)
		}
	}
	if !h.IsGolden && h.Confidence >= m.cfg.GoldenMinConfidence && h.TimesValidated >= m.cfg.GoldenMinValidations {
		h.IsGolden = true
	}
	h.LastUsedAt = now
	h.UpdatedAt = now
	if _, err := m.store.UpdateHeuristic(ctx, h); err != nil {
		return core.ConfidenceUpdate{}, err
	}

	u := core.ConfidenceUpdate{
		HeuristicID:   id,
		OldConfidence: old,
		NewConfidence: next,
		Delta:         next - old,
		RawTarget:     rawTarget,
		Alpha:         alpha,
		UpdateType:    typ,
		Reason:        reason,
		RateLimited:   rateLimited,
		CreatedAt:     now,
	}
	u, err = m.store.AppendConfidenceUpdate(ctx, u)
	if err != nil {
		return core.ConfidenceUpdate{}, err
	}
	if rateLimited {
		return u, fmt.Errorf("heuristic %s: %d updates today: %w", id, h.UpdateCountToday, core.ErrRateLimited)
	}
	return u, nil
}

// alpha is the learning rate after n prior observations. It decreases
// monotonically from near AlphaCeil at n=0 toward AlphaFloor.
func (m *Memory) alpha(n int) float64 {
	w := float64(m.cfg.Warmup)
	return m.cfg.AlphaFloor + (m.cfg.AlphaCeil-m.cfg.AlphaFloor)*w/(w+float64(n))
}

// ResetConfidence snaps confidence to a baseline, bypassing smoothing and
// the daily cap. Used by fraud responses.
func (m *Memory) ResetConfidence(ctx context.Context, id string, baseline float64, reason string) (core.ConfidenceUpdate, error) {
	h, err := m.store.GetHeuristic(ctx, id)
	if err != nil {
		return core.ConfidenceUpdate{}, err
	}
	now := m.now()
	old := h.ConfidenceEMA
	baseline = clamp01(baseline)
	h.Confidence = baseline
	h.ConfidenceEMA = baseline
	h.UpdatedAt = now
	if _, err := m.store.UpdateHeuristic(ctx, h); err != nil {
		return core.ConfidenceUpdate{}, err
	}
	u := core.ConfidenceUpdate{
		HeuristicID:   id,
		OldConfidence: old,
		NewConfidence: baseline,
		Delta:         baseline - old,
		RawTarget:     baseline,
		UpdateType:    core.UpdateReset,
		Reason:        reason,
		CreatedAt:     now,
	}
	return m.store.AppendConfidenceUpdate(ctx, u)
}

// Freeze blocks confidence updates until the given time.
func (m *Memory) Freeze(ctx context.Context, id string, until time.Time) error {
	return m.mutate(ctx, id, func(h *core.Heuristic) {
		t := until
		h.FrozenUntil = &t
	})
}

func (m *Memory) Unfreeze(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(h *core.Heuristic) { h.FrozenUntil = nil })
}

func (m *Memory) Quarantine(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(h *core.Heuristic) { h.IsQuarantined = true })
}

func (m *Memory) Unquarantine(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(h *core.Heuristic) { h.IsQuarantined = false })
}

// TightenCap lowers the heuristic's daily update cap. Zero restores the
// configured default.
func (m *Memory) TightenCap(ctx context.Context, id string, cap int) error {
	return m.mutate(ctx, id, func(h *core.Heuristic) { h.DailyCapOverride = cap })
}

// Deprecate retires a heuristic. Golden heuristics cannot be deprecated
// automatically; force overrides that guard.
func (m *Memory) Deprecate(ctx context.Context, id string, force bool) error {
	h, err := m.store.GetHeuristic(ctx, id)
	if err != nil {
		return err
	}
	if h.IsGolden && !force {
		return fmt.Errorf("heuristic %s is golden, refusing auto-deprecation", id)
	}
	h.Status = core.HeuristicDeprecated
	h.UpdatedAt = m.now()
	_, err = m.store.UpdateHeuristic(ctx, h)
	return err
}

// Reactivate restores a previously deprecated or dormant heuristic. Only
// fraud-response rollback should revive a deprecated one.
func (m *Memory) Reactivate(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(h *core.Heuristic) { h.Status = core.HeuristicActive })
}

// SweepDormant marks active heuristics unused past DormantAfter as
// dormant. Returns the IDs it flipped.
func (m *Memory) SweepDormant(ctx context.Context) ([]string, error) {
	now := m.now()
	hs, err := m.store.ListHeuristics(ctx, "", core.HeuristicActive)
	if err != nil {
		return nil, err
	}
	var flipped []string
	for _, h := range hs {
		if h.IsGolden || now.Sub(h.LastUsedAt) < m.cfg.DormantAfter {
			continue
		}
		h.Status = core.HeuristicDormant
		h.UpdatedAt = now
		if _, err := m.store.UpdateHeuristic(ctx, h); err != nil {
			return flipped, err
		}
		flipped = append(flipped, h.ID)
	}
	return flipped, nil
}

func (m *Memory) mutate(ctx context.Context, id string, fn func(*core.Heuristic)) error {
	h, err := m.store.GetHeuristic(ctx, id)
	if err != nil {
		return err
	}
	fn(&h)
	h.UpdatedAt = m.now()
	_, err = m.store.UpdateHeuristic(ctx, h)
	return err
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
