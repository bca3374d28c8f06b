package heuristic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/storage"
)

func newTestMemory(t *testing.T) (*Memory, *storage.InMemory, *time.Time) {
	t.Helper()
	st := storage.NewInMemory()
	m := New(st, DefaultConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, st, &now
}

func TestRepeatedValidationConvergesWithoutOvershoot(t *testing.T) {
	m, _, _ := newTestMemory(t)
	ctx := context.Background()
	h, err := m.create(ctx, "testing", "prefer table-driven tests", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	prev := 0.5
	for i := 0; i < 5; i++ {
		u, err := m.Update(ctx, h.ID, core.UpdateValidation, 0.9, "observed")
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if u.NewConfidence <= prev {
			t.Fatalf("update %d: confidence %v did not increase from %v", i, u.NewConfidence, prev)
		}
		if u.NewConfidence > 0.9 {
			t.Fatalf("update %d: confidence %v overshot target 0.9", i, u.NewConfidence)
		}
		prev = u.NewConfidence
	}
	if prev < 0.7 {
		t.Fatalf("confidence %v still far from target after 5 updates", prev)
	}
}

func TestAlphaDecreasesWithObservations(t *testing.T) {
	m, _, _ := newTestMemory(t)
	last := m.alpha(0)
	if last > m.cfg.AlphaCeil {
		t.Fatalf("alpha(0) = %v above ceiling", last)
	}
	for n := 1; n <= 100; n++ {
		a := m.alpha(n)
		if a >= last {
			t.Fatalf("alpha(%d) = %v not below alpha(%d) = %v", n, a, n-1, last)
		}
		if a < m.cfg.AlphaFloor {
			t.Fatalf("alpha(%d) = %v below floor", n, a)
		}
		last = a
	}
}

func TestDailyCapRecordsButFreezesEMA(t *testing.T) {
	m, st, _ := newTestMemory(t)
	m.cfg.DailyUpdateCap = 2
	ctx := context.Background()
	h, _ := m.create(ctx, "testing", "rule", 0.5)

	for i := 0; i < 2; i++ {
		if _, err := m.Validate(ctx, h.ID, "ok"); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := m.Get(ctx, h.ID)

	u, err := m.Validate(ctx, h.ID, "over cap")
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !u.RateLimited {
		t.Fatal("expected rate_limited audit row")
	}
	after, _ := m.Get(ctx, h.ID)
	if after.ConfidenceEMA != before.ConfidenceEMA {
		t.Fatalf("EMA moved under rate limit: %v -> %v", before.ConfidenceEMA, after.ConfidenceEMA)
	}
	if after.TimesValidated != before.TimesValidated+1 {
		t.Fatal("raw counter should still advance under rate limit")
	}
	rows, _ := st.ConfidenceUpdates(ctx, h.ID, time.Time{})
	if len(rows) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(rows))
	}
}

func TestDailyCapResetsAtUTCMidnight(t *testing.T) {
	m, _, now := newTestMemory(t)
	m.cfg.DailyUpdateCap = 1
	ctx := context.Background()
	h, _ := m.create(ctx, "testing", "rule", 0.5)

	if _, err := m.Validate(ctx, h.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(ctx, h.ID, ""); !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	*now = now.Add(24 * time.Hour)
	if _, err := m.Validate(ctx, h.ID, ""); err != nil {
		t.Fatalf("expected cap reset after midnight, got %v", err)
	}
}

func TestValidationRevivesDormant(t *testing.T) {
	m, st, _ := newTestMemory(t)
	ctx := context.Background()
	h, _ := m.create(ctx, "testing", "rule", 0.5)
	h.Status = core.HeuristicDormant
	if _, err := st.UpdateHeuristic(ctx, h); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Validate(ctx, h.ID, "used again"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, h.ID)
	if got.Status != core.HeuristicActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestContradictionsDeprecate(t *testing.T) {
	m, _, _ := newTestMemory(t)
	m.cfg.DeprecateAfterContradictions = 3
	m.cfg.DailyUpdateCap = 100
	ctx := context.Background()
	h, _ := m.create(ctx, "testing", "rule", 0.8)

	for i := 0; i < 3; i++ {
		if _, err := m.Contradict(ctx, h.ID, "counter-example"); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := m.Get(ctx, h.ID)
	if got.Status != core.HeuristicDeprecated {
		t.Fatalf("status = %s, want deprecated", got.Status)
	}
	if _, err := m.Validate(ctx, h.ID, ""); err == nil {
		t.Fatal("deprecated heuristic accepted an update")
	}
}

func TestGoldenPromotionAndGuard(t *testing.T) {
	m, _, _ := newTestMemory(t)
	m.cfg.GoldenMinValidations = 3
	m.cfg.GoldenMinConfidence = 0.8
	m.cfg.DailyUpdateCap = 100
	ctx := context.Background()
	h, _ := m.create(ctx, "testing", "rule", 0.7)

	for i := 0; i < 6; i++ {
		if _, err := m.Validate(ctx, h.ID, ""); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := m.Get(ctx, h.ID)
	if !got.IsGolden {
		t.Fatalf("expected golden promotion at confidence %v after %d validations", got.Confidence, got.TimesValidated)
	}
	if err := m.Deprecate(ctx, h.ID, false); err == nil {
		t.Fatal("golden heuristic auto-deprecated")
	}
	if err := m.Deprecate(ctx, h.ID, true); err != nil {
		t.Fatalf("forced deprecation failed: %v", err)
	}
}

func TestFrozenAndQuarantinedRejectUpdates(t *testing.T) {
	m, _, now := newTestMemory(t)
	ctx := context.Background()
	h, _ := m.create(ctx, "testing", "rule", 0.5)

	if err := m.Freeze(ctx, h.ID, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(ctx, h.ID, ""); !errors.Is(err, core.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	*now = now.Add(2 * time.Hour)
	if _, err := m.Validate(ctx, h.ID, ""); err != nil {
		t.Fatalf("freeze should expire: %v", err)
	}

	if err := m.Quarantine(ctx, h.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(ctx, h.ID, ""); !errors.Is(err, core.ErrQuarantined) {
		t.Fatalf("expected ErrQuarantined, got %v", err)
	}
	if err := m.Unquarantine(ctx, h.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(ctx, h.ID, ""); err != nil {
		t.Fatalf("unquarantine did not restore updates: %v", err)
	}
}

func TestSweepDormantSkipsGoldenAndRecent(t *testing.T) {
	m, st, now := newTestMemory(t)
	ctx := context.Background()
	stale, _ := m.create(ctx, "testing", "stale rule", 0.5)
	golden, _ := m.create(ctx, "testing", "golden rule", 0.95)
	g, _ := st.GetHeuristic(ctx, golden.ID)
	g.IsGolden = true
	st.UpdateHeuristic(ctx, g)
	fresh, _ := m.create(ctx, "testing", "fresh rule", 0.5)

	*now = now.Add(15 * 24 * time.Hour)
	f, _ := st.GetHeuristic(ctx, fresh.ID)
	f.LastUsedAt = *now
	st.UpdateHeuristic(ctx, f)

	flipped, err := m.SweepDormant(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(flipped) != 1 || flipped[0] != stale.ID {
		t.Fatalf("flipped = %v, want only %s", flipped, stale.ID)
	}
}

func TestResetConfidenceBypassesCap(t *testing.T) {
	m, _, _ := newTestMemory(t)
	m.cfg.DailyUpdateCap = 1
	ctx := context.Background()
	h, _ := m.create(ctx, "testing", "rule", 0.9)
	m.Validate(ctx, h.ID, "")

	u, err := m.ResetConfidence(ctx, h.ID, 0.5, "fraud response")
	if err != nil {
		t.Fatal(err)
	}
	if u.NewConfidence != 0.5 || u.UpdateType != core.UpdateReset {
		t.Fatalf("unexpected reset row: %+v", u)
	}
	got, _ := m.Get(ctx, h.ID)
	if got.Confidence != 0.5 || got.ConfidenceEMA != 0.5 {
		t.Fatalf("confidence = %v/%v, want 0.5", got.Confidence, got.ConfidenceEMA)
	}
}
