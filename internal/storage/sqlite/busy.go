package sqlite

import (
	"math/rand"
	"strings"
	"time"
)

// BusyPolicy controls how long a query keeps waiting for the database
// to yield its lock before the error surfaces to the caller. Agent
// hook scripts hammer the coordination store in bursts, so short
// stretches of SQLITE_BUSY are routine rather than exceptional.
type BusyPolicy struct {
	Attempts   int           // retries after the initial call
	FirstDelay time.Duration // doubled on each subsequent retry
	Jitter     float64       // random fraction of the delay added on top
}

// DefaultBusyPolicy sits out roughly two and a half seconds of lock
// contention before giving up.
func DefaultBusyPolicy() BusyPolicy {
	return BusyPolicy{
		Attempts:   6,
		FirstDelay: 40 * time.Millisecond,
		Jitter:     0.2,
	}
}

// waitForUnlock runs fn, sleeping through lock-contention errors per
// the policy. Any other error returns immediately.
func waitForUnlock(p BusyPolicy, sleep func(time.Duration), fn func() error) error {
	delay := p.FirstDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !lockContention(err) || attempt == p.Attempts {
			return err
		}
		sleep(delay + time.Duration(rand.Float64()*p.Jitter*float64(delay)))
		delay *= 2
	}
}

func lockContention(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
