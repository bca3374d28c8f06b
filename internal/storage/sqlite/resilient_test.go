package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

func TestResilientPassesThrough(t *testing.T) {
	st := NewSQLiteTest(t)
	rs := NewResilient(st)
	ctx := context.Background()

	h, err := rs.CreateHeuristic(ctx, core.Heuristic{Domain: "d", Rule: "r", Status: core.HeuristicActive})
	if err != nil {
		t.Fatal(err)
	}
	got, err := rs.GetHeuristic(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != h.ID {
		t.Fatalf("got %s, want %s", got.ID, h.ID)
	}
	if rs.BreakerPhase() != "closed" {
		t.Fatalf("breaker = %s, want closed", rs.BreakerPhase())
	}
}

func TestResilientBreakerTripsOnRepeatedFailure(t *testing.T) {
	st := NewSQLiteTest(t)
	st.Close() // every call now fails
	b := NewBreaker(3, time.Minute)
	rs := NewResilientWithBreaker(st, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := rs.CountHeuristics(ctx, "d"); err == nil {
			t.Fatal("expected failure against closed db")
		}
	}
	if b.Phase() != "open" {
		t.Fatalf("breaker = %s, want open", b.Phase())
	}
	if _, err := rs.CountHeuristics(ctx, "d"); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
}
