package sqlite

import (
	"context"
	"log"
	"time"

	"github.com/mistakeknot/waggle/internal/storage"
)

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(event any)
}

// DormancyMarker is implemented by the heuristic memory; the sweeper
// delegates dormancy decisions to it rather than poking rows directly.
type DormancyMarker interface {
	SweepDormant(ctx context.Context) ([]string, error)
}

// Sweeper runs a background goroutine that periodically deletes expired
// pheromone trails and marks long-unused heuristics dormant.
type Sweeper struct {
	store    storage.Store
	memory   DormancyMarker
	bus      Broadcaster
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(store storage.Store, memory DormancyMarker, bus Broadcaster, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		memory:   memory,
		bus:      bus,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	deleted, err := sw.store.DeleteExpiredTrails(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("sweeper: expire trails: %v", err)
	} else if deleted > 0 {
		log.Printf("sweeper: deleted %d expired trail(s)", deleted)
	}

	if sw.memory == nil {
		return
	}
	dormant, err := sw.memory.SweepDormant(ctx)
	if err != nil {
		log.Printf("sweeper: dormancy: %v", err)
		return
	}
	if len(dormant) == 0 {
		return
	}
	log.Printf("sweeper: marked %d heuristic(s) dormant", len(dormant))

	if sw.bus != nil {
		for _, id := range dormant {
			sw.bus.Broadcast(map[string]any{
				"type":         "heuristic.dormant",
				"heuristic_id": id,
			})
		}
	}
}
