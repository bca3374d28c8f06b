package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

type recordingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *recordingBus) Broadcast(event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

type stubMarker struct {
	ids []string
}

func (s stubMarker) SweepDormant(context.Context) ([]string, error) {
	return s.ids, nil
}

func TestSweepDeletesExpiredAndBroadcastsDormancy(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	if err := st.InsertTrail(ctx, core.Trail{
		Location: "pkg/a", LocationType: "module", Scent: core.ScentCold,
		Strength: 0.2, AgentID: "a", CreatedAt: past.Add(-time.Hour), ExpiresAt: past,
	}); err != nil {
		t.Fatal(err)
	}

	bus := &recordingBus{}
	sw := NewSweeper(st, stubMarker{ids: []string{"h1", "h2"}}, bus, time.Minute)
	sw.runSweep(ctx)

	active, _ := st.ActiveTrails(ctx, time.Now().UTC())
	if len(active) != 0 {
		t.Fatalf("expired trail survived sweep: %+v", active)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.events) != 2 {
		t.Fatalf("broadcast %d events, want 2", len(bus.events))
	}
}

func TestSweeperStartStop(t *testing.T) {
	st := NewSQLiteTest(t)
	sw := NewSweeper(st, nil, nil, 10*time.Millisecond)
	sw.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
}
