package sqlite

import (
	"errors"
	"testing"
	"time"
)

func noSleep(time.Duration) {}

func TestBusyWaitFirstTrySuccess(t *testing.T) {
	calls := 0
	err := waitForUnlock(DefaultBusyPolicy(), noSleep, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBusyWaitRetriesThenSucceeds(t *testing.T) {
	calls := 0
	var delays []time.Duration
	err := waitForUnlock(DefaultBusyPolicy(), func(d time.Duration) {
		delays = append(delays, d)
	}, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 {
		t.Fatalf("slept %d times, want 2", len(delays))
	}
	if delays[1] < delays[0] {
		t.Fatalf("delays not increasing: %v", delays)
	}
}

func TestBusyWaitGivesUp(t *testing.T) {
	p := BusyPolicy{Attempts: 3, FirstDelay: time.Millisecond}
	calls := 0
	err := waitForUnlock(p, noSleep, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (initial + 3 retries)", calls)
	}
}

func TestBusyWaitOtherErrorsSurface(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint violation")
	err := waitForUnlock(DefaultBusyPolicy(), noSleep, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestLockContentionMatchesBusyCodes(t *testing.T) {
	if !lockContention(errors.New("SQLITE_BUSY: locked")) {
		t.Fatal("SQLITE_BUSY should count as contention")
	}
	if lockContention(errors.New("no such table: trails")) {
		t.Fatal("schema errors are not contention")
	}
}
