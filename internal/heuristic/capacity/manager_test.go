package capacity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.InMemory, *time.Time) {
	t.Helper()
	st := storage.NewInMemory()
	cfg := DefaultConfig()
	cfg.DefaultSoftLimit = 5
	cfg.DefaultHardLimit = 10
	// The generated test rules share most of their words, so the default
	// novelty bar would reject them as duplicates of each other.
	cfg.MinNovelty = 0.2
	m := New(st, nil, cfg)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, st, &now
}

func candidate(domain string, i int) core.Heuristic {
	return core.Heuristic{
		Domain:         domain,
		Rule:           fmt.Sprintf("distinct insight number %d about subsystem %d", i, i),
		Confidence:     0.8,
		ConfidenceEMA:  0.8,
		TimesValidated: 5,
	}
}

func TestSoftLimitOverflowAndHardLimit(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := m.Admit(ctx, candidate("parsing", i)); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	meta, _ := m.Metadata(ctx, "parsing")
	if meta.State != core.DomainNormal {
		t.Fatalf("state = %s at soft limit, want normal", meta.State)
	}

	for i := 6; i <= 10; i++ {
		if _, err := m.Admit(ctx, candidate("parsing", i)); err != nil {
			t.Fatalf("admit %d past soft limit: %v", i, err)
		}
	}
	meta, _ = m.Metadata(ctx, "parsing")
	if meta.State != core.DomainCritical {
		t.Fatalf("state = %s at hard limit, want critical", meta.State)
	}
	if meta.OverflowSince == nil {
		t.Fatal("overflow_since not stamped")
	}

	_, err := m.Admit(ctx, candidate("parsing", 11))
	if !errors.Is(err, core.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	count, _ := st.CountHeuristics(ctx, "parsing")
	if count != 10 {
		t.Fatalf("count = %d, hard limit breached", count)
	}
}

func TestOverrideAllowsExceedingHardLimit(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		if _, err := m.Admit(ctx, candidate("parsing", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Override(ctx, "parsing"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Admit(ctx, candidate("parsing", 11)); err != nil {
		t.Fatalf("admit with override: %v", err)
	}
	count, _ := st.CountHeuristics(ctx, "parsing")
	if count != 11 {
		t.Fatalf("count = %d, want 11", count)
	}
}

func TestOverflowTurnsCriticalPastGrace(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		if _, err := m.Admit(ctx, candidate("parsing", i)); err != nil {
			t.Fatal(err)
		}
	}
	meta, _ := m.Evaluate(ctx, "parsing")
	if meta.State != core.DomainOverflow {
		t.Fatalf("state = %s, want overflow", meta.State)
	}

	*now = now.Add(8 * 24 * time.Hour)
	meta, _ = m.Evaluate(ctx, "parsing")
	if meta.State != core.DomainCritical {
		t.Fatalf("state = %s after grace period, want critical", meta.State)
	}
	if meta.CriticalSince == nil {
		t.Fatal("critical_since not stamped")
	}
}

func TestDroppingBelowSoftLimitResetsState(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	var ids []string
	for i := 1; i <= 6; i++ {
		h, err := m.Admit(ctx, candidate("parsing", i))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, h.ID)
	}
	h, _ := st.GetHeuristic(ctx, ids[0])
	h.Status = core.HeuristicDeprecated
	st.UpdateHeuristic(ctx, h)

	meta, _ := m.Evaluate(ctx, "parsing")
	if meta.State != core.DomainNormal {
		t.Fatalf("state = %s, want normal", meta.State)
	}
	if meta.OverflowSince != nil || meta.CriticalSince != nil {
		t.Fatal("since stamps not cleared on recovery")
	}
}

func TestExpansionGateRejectsWeakAndDuplicate(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	weak := candidate("parsing", 1)
	weak.Confidence = 0.4
	if _, err := m.Admit(ctx, weak); err == nil {
		t.Fatal("low-confidence candidate admitted")
	}

	green := candidate("parsing", 2)
	green.TimesValidated = 1
	if _, err := m.Admit(ctx, green); err == nil {
		t.Fatal("under-validated candidate admitted")
	}

	first := candidate("parsing", 3)
	if _, err := m.Admit(ctx, first); err != nil {
		t.Fatal(err)
	}
	dup := first
	if _, err := m.Admit(ctx, dup); err == nil {
		t.Fatal("duplicate rule admitted")
	}

	count, _ := st.CountHeuristics(ctx, "parsing")
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestContractMergesMostSimilarPair(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		if _, err := m.Admit(ctx, candidate("parsing", i)); err != nil {
			t.Fatal(err)
		}
	}
	near := core.Heuristic{
		Domain:         "parsing",
		Rule:           "distinct insight number 1 about subsystem 99",
		Confidence:     0.7,
		ConfidenceEMA:  0.7,
		TimesValidated: 5,
		Status:         core.HeuristicActive,
		LastUsedAt:     *now,
	}
	if _, err := st.CreateHeuristic(ctx, near); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(8 * 24 * time.Hour)

	rec, err := m.Contract(ctx, "parsing")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.SourceIDs) != 2 || rec.TargetID == "" {
		t.Fatalf("bad merge record: %+v", rec)
	}
	if rec.Strategy != core.MergeWeightedAverage {
		t.Fatalf("strategy = %s", rec.Strategy)
	}

	target, err := st.GetHeuristic(ctx, rec.TargetID)
	if err != nil {
		t.Fatal(err)
	}
	if target.Status != core.HeuristicActive {
		t.Fatalf("target status = %s", target.Status)
	}
	for _, srcID := range rec.SourceIDs {
		src, _ := st.GetHeuristic(ctx, srcID)
		if src.SupersededBy != rec.TargetID {
			t.Fatalf("source %s not superseded by target", srcID)
		}
		if src.Status != core.HeuristicDeprecated {
			t.Fatalf("source %s status = %s", srcID, src.Status)
		}
	}
	// 7 live minus 2 sources plus 1 target.
	count, _ := st.CountHeuristics(ctx, "parsing")
	if count != 6 {
		t.Fatalf("count = %d after merge, want 6", count)
	}
}

func TestContractRefusedOutsideCritical(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := m.Admit(ctx, candidate("parsing", i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Contract(ctx, "parsing"); err == nil {
		t.Fatal("contraction allowed in normal state")
	}
}

func TestMergeStrategies(t *testing.T) {
	a := core.Heuristic{Domain: "d", Rule: "a", Confidence: 0.8, TimesValidated: 9} // weight 10
	b := core.Heuristic{Domain: "d", Rule: "b", Confidence: 0.4, TimesValidated: 4} // weight 5

	avg := merge(a, b, core.MergeWeightedAverage)
	want := (0.8*10 + 0.4*5) / 15
	if diff := avg.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("weighted average = %v, want %v", avg.Confidence, want)
	}
	if avg.Rule != "a" {
		t.Fatalf("rule = %q, want higher-confidence source", avg.Rule)
	}
	if avg.TimesValidated != 13 {
		t.Fatalf("validations = %d, want summed 13", avg.TimesValidated)
	}

	sum := merge(a, b, core.MergeSum)
	if sum.Confidence != 1.0 {
		t.Fatalf("sum = %v, want clamped 1.0", sum.Confidence)
	}
}
