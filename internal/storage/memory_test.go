package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

func TestCountHeuristicsExcludesRetired(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	mk := func(status core.HeuristicStatus, superseded string) {
		_, err := st.CreateHeuristic(ctx, core.Heuristic{Domain: "d", Rule: "r", Status: status, SupersededBy: superseded})
		if err != nil {
			t.Fatal(err)
		}
	}
	mk(core.HeuristicActive, "")
	mk(core.HeuristicDormant, "")
	mk(core.HeuristicDeprecated, "")
	mk(core.HeuristicActive, "gone")

	n, err := st.CountHeuristics(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestInMemoryNotFound(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	if _, err := st.GetHeuristic(ctx, "x"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetDomainMetadata(ctx, "d"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.MarkResponseRolledBack(ctx, "r", time.Now()); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSignalsCopiedOnRead(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()
	report, err := st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: "h"}, []core.AnomalySignal{{Detector: "d", Score: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := st.AnomalySignals(ctx, report.ID)
	got[0].Score = 0.9
	again, _ := st.AnomalySignals(ctx, report.ID)
	if again[0].Score != 0.5 {
		t.Fatal("stored signal aliased by caller mutation")
	}
}
