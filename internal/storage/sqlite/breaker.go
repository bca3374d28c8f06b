package sqlite

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker is shedding load.
var ErrBreakerOpen = errors.New("sqlite breaker open")

type breakerPhase int

const (
	phaseClosed breakerPhase = iota
	phaseTripped
	phaseProbing
)

func (p breakerPhase) String() string {
	switch p {
	case phaseClosed:
		return "closed"
	case phaseTripped:
		return "open"
	case phaseProbing:
		return "probing"
	}
	return "unknown"
}

// Breaker sheds load when the store fails repeatedly. A tripped
// breaker rejects queries for a cooldown window, then admits a single
// probe; the probe's outcome decides whether normal service resumes.
type Breaker struct {
	mu        sync.Mutex
	phase     breakerPhase
	fails     int
	tripAfter int
	cooldown  time.Duration
	trippedAt time.Time
	now       func() time.Time
}

// NewBreaker trips after tripAfter consecutive failures and probes
// again once cooldown has elapsed.
func NewBreaker(tripAfter int, cooldown time.Duration) *Breaker {
	return &Breaker{tripAfter: tripAfter, cooldown: cooldown, now: time.Now}
}

// Do runs fn unless the breaker is shedding load.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrBreakerOpen
	}
	err := fn()
	b.observe(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.phase {
	case phaseTripped:
		if b.now().Sub(b.trippedAt) < b.cooldown {
			return false
		}
		// Cooldown elapsed. This caller becomes the probe.
		b.phase = phaseProbing
		return true
	case phaseProbing:
		// A probe is already in flight.
		return false
	default:
		return true
	}
}

func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.phase = phaseClosed
		b.fails = 0
		return
	}
	if b.phase == phaseProbing {
		b.trip()
		return
	}
	b.fails++
	if b.fails >= b.tripAfter {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.phase = phaseTripped
	b.fails = 0
	b.trippedAt = b.now()
}

// Phase reports the breaker phase as "closed", "open", or "probing".
func (b *Breaker) Phase() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase.String()
}
