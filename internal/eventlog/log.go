// Package eventlog is an append-only log of typed coordination events with a
// pure projector that rebuilds current state by folding events in sequence
// order. Appends go through a temp-write + fsync + rename so a crash mid-write
// can never leave a torn record visible.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

// Log is one append-only event file. Safe for concurrent use within a
// process; it assumes a single writing process, which the server deployment
// guarantees. A second writer would race the sequence counter.
type Log struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open prepares a log at path, discarding any temp file a crashed writer
// left behind, and verifies the existing sequence is contiguous from 1.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("event log path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// A leftover temp file means a writer crashed before its rename: the
	// event was never visible, so the write never happened.
	if err := os.Remove(path + ".tmp"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clear stale temp: %w", err)
	}
	l := &Log{path: path, now: func() time.Time { return time.Now().UTC() }}
	if _, err := l.Events(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append writes one event and returns it with its assigned sequence number.
// The new log content is staged in a temp file, fsynced, and renamed over
// the log; the directory is fsynced so the rename itself is durable.
func (l *Log) Append(eventType core.EventType, payload any) (core.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return core.Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	existing, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return core.Event{}, fmt.Errorf("read log: %w", err)
	}
	next, err := lastSequence(existing)
	if err != nil {
		return core.Event{}, err
	}
	next++

	ev := core.Event{
		Sequence:  next,
		Type:      eventType,
		Payload:   raw,
		Timestamp: l.now(),
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return core.Event{}, fmt.Errorf("marshal event: %w", err)
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return core.Event{}, fmt.Errorf("create temp: %w", err)
	}
	if _, err := f.Write(existing); err == nil {
		_, err = f.Write(append(line, '\n'))
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return core.Event{}, fmt.Errorf("stage event: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return core.Event{}, fmt.Errorf("commit event: %w", err)
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		return core.Event{}, err
	}
	return ev, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open log dir: %w", err)
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("sync log dir: %w", err)
	}
	return nil
}

// lastSequence validates contiguity from 1 and returns the final sequence
// number (0 for an empty log).
func lastSequence(content []byte) (uint64, error) {
	var last uint64
	if len(content) == 0 {
		return 0, nil
	}
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev core.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return 0, fmt.Errorf("torn event record after sequence %d: %w", last, err)
		}
		if ev.Sequence != last+1 {
			return 0, fmt.Errorf("sequence gap: %d follows %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan log: %w", err)
	}
	return last, nil
}

// Events returns every event in sequence order. Readers never block writers:
// the read is a plain file read of an immutable-once-renamed snapshot.
func (l *Log) Events() ([]core.Event, error) {
	return l.EventsSince(0)
}

// EventsSince returns events with sequence strictly greater than after.
func (l *Log) EventsSince(after uint64) ([]core.Event, error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	var out []core.Event
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last uint64
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev core.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("torn event record after sequence %d: %w", last, err)
		}
		if ev.Sequence != last+1 {
			return nil, fmt.Errorf("sequence gap: %d follows %d", ev.Sequence, last)
		}
		last = ev.Sequence
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	return out, nil
}
