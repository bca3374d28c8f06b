package commands

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/claim"
	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/dualwrite"
	"github.com/mistakeknot/waggle/internal/eventlog"
	"github.com/mistakeknot/waggle/internal/probe"
	"github.com/mistakeknot/waggle/internal/statestore"
	"github.com/mistakeknot/waggle/internal/ws"
)

func TestSweepStaleClaimsFreesDeadHolders(t *testing.T) {
	dir := t.TempDir()
	cfg := claim.DefaultConfig(filepath.Join(dir, "claims"))
	cfg.StaleAfter = time.Millisecond
	// Every pid reads as dead, so the only gate left is the stale age.
	chain, err := claim.New(cfg, probe.Static{Live: map[int]bool{}})
	if err != nil {
		t.Fatal(err)
	}
	elog, err := eventlog.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	adapter := dualwrite.New(statestore.NewMemory(), elog)

	ctx := context.Background()
	cl, err := chain.Claim(ctx, "agent-a", []string{"a.go"}, "edit", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.ClaimAcquired(*cl); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	sweepStaleClaims(chain, adapter, ws.NewHub())

	if _, err := chain.Get(cl.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("claim record should be gone, got err=%v", err)
	}
	state, err := adapter.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := state.Claims[cl.ID]; ok {
		t.Fatal("reclaimed claim still present in state")
	}
	events, err := elog.Events()
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Type != core.EventClaimReclaimed {
		t.Fatalf("last event = %s, want %s", last.Type, core.EventClaimReclaimed)
	}
}
