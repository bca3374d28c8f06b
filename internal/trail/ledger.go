// Package trail is the pheromone ledger: agents deposit decaying, typed
// signals at locations to bias each other's attention without direct
// messaging. Strength decays lazily at query time, so correctness needs no
// background maintenance job.
package trail

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/waggle/internal/core"
)

// Store persists trails. Deposits are append-only and never block readers.
type Store interface {
	InsertTrail(ctx context.Context, t core.Trail) error
	ActiveTrails(ctx context.Context, now time.Time) ([]core.Trail, error)
}

// Config tunes decay per scent. Half-lives control how quickly a signal
// fades; TTL bounds how long it is visible at all.
type Config struct {
	TTL       time.Duration
	HalfLives map[core.Scent]time.Duration
}

// DefaultConfig: blockers linger, hot spots fade fast.
func DefaultConfig() Config {
	return Config{
		TTL: 4 * time.Hour,
		HalfLives: map[core.Scent]time.Duration{
			core.ScentDiscovery: time.Hour,
			core.ScentWarning:   2 * time.Hour,
			core.ScentBlocker:   4 * time.Hour,
			core.ScentHot:       30 * time.Minute,
			core.ScentCold:      30 * time.Minute,
		},
	}
}

// Ledger deposits and queries trails.
type Ledger struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func NewLedger(store Store, cfg Config) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.HalfLives == nil {
		cfg.HalfLives = DefaultConfig().HalfLives
	}
	return &Ledger{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Deposit records a trail. Strength is clamped to [0,1].
func (l *Ledger) Deposit(ctx context.Context, location, locationType string, scent core.Scent, strength float64, agentID, message string) (core.Trail, error) {
	if location == "" {
		return core.Trail{}, fmt.Errorf("location required")
	}
	if _, ok := l.cfg.HalfLives[scent]; !ok {
		return core.Trail{}, fmt.Errorf("unknown scent %q", scent)
	}
	strength = clamp01(strength)
	now := l.now()
	t := core.Trail{
		ID:           uuid.NewString(),
		Location:     location,
		LocationType: locationType,
		Scent:        scent,
		Strength:     strength,
		AgentID:      agentID,
		Message:      message,
		CreatedAt:    now,
		ExpiresAt:    now.Add(l.cfg.TTL),
	}
	if err := l.store.InsertTrail(ctx, t); err != nil {
		return core.Trail{}, fmt.Errorf("deposit trail: %w", err)
	}
	return t, nil
}

// Filter selects trails at query time. Zero values match everything.
type Filter struct {
	Location     string
	LocationType string
	Scent        core.Scent
	MinStrength  float64
}

// Query returns a finite, restartable iterator over a snapshot of matching
// trails with decay applied as of now. Expired or fully-decayed trails are
// excluded.
func (l *Ledger) Query(ctx context.Context, f Filter) (*Iterator, error) {
	now := l.now()
	all, err := l.store.ActiveTrails(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("query trails: %w", err)
	}
	out := make([]core.Trail, 0, len(all))
	for _, t := range all {
		if !t.Active(now) {
			continue
		}
		if f.Location != "" && t.Location != f.Location {
			continue
		}
		if f.LocationType != "" && t.LocationType != f.LocationType {
			continue
		}
		if f.Scent != "" && t.Scent != f.Scent {
			continue
		}
		t.Strength = l.decayed(t, now)
		if t.Strength < f.MinStrength || t.Strength <= 0 {
			continue
		}
		out = append(out, t)
	}
	return &Iterator{trails: out}, nil
}

// decayed applies exponential half-life decay. The result never exceeds the
// deposited strength, so strength is monotonically non-increasing in time.
func (l *Ledger) decayed(t core.Trail, now time.Time) float64 {
	hl := l.cfg.HalfLives[t.Scent]
	if hl <= 0 {
		return t.Strength
	}
	age := now.Sub(t.CreatedAt)
	if age <= 0 {
		return t.Strength
	}
	return clamp01(t.Strength * math.Exp2(-float64(age)/float64(hl)))
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

// Iterator walks a query snapshot. Reset rewinds it for another pass.
type Iterator struct {
	trails []core.Trail
	pos    int
}

func (it *Iterator) Next() (core.Trail, bool) {
	if it.pos >= len(it.trails) {
		return core.Trail{}, false
	}
	t := it.trails[it.pos]
	it.pos++
	return t, true
}

func (it *Iterator) Reset() { it.pos = 0 }

func (it *Iterator) Len() int { return len(it.trails) }
