package eventlog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	l := newTestLog(t)
	for i := 1; i <= 5; i++ {
		ev, err := l.Append(core.EventFindingRecorded, core.Finding{ID: "f", AgentID: "a"})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Sequence != uint64(i) {
			t.Fatalf("sequence = %d, want %d", ev.Sequence, i)
		}
	}
	events, err := l.Events()
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestEventsSince(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 4; i++ {
		if _, err := l.Append(core.EventTaskCreated, core.Task{ID: "t"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := l.EventsSince(2)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 3 {
		t.Fatalf("EventsSince(2) = %v", events)
	}
}

// A crash between staging and rename leaves only a temp file; on reopen the
// log contains either the whole event or no trace of it, never a torn line.
func TestCrashMidAppendLeavesLogIntact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Append(core.EventTaskCreated, core.Task{ID: "t1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Simulate the crash: a staged-but-never-renamed temp with a half
	// record sits next to the log.
	if err := os.WriteFile(path+".tmp", []byte(`{"sequence":2,"ty`), 0644); err != nil {
		t.Fatalf("stage torn temp: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("stale temp survived reopen")
	}
	events, err := l2.Events()
	if err != nil {
		t.Fatalf("events after recovery: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events after recovery, want 1", len(events))
	}
	ev, err := l2.Append(core.EventTaskCreated, core.Task{ID: "t2"})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if ev.Sequence != 2 {
		t.Fatalf("sequence after recovery = %d, want 2", ev.Sequence)
	}
}

func TestOpenRejectsSequenceGap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	lines := []string{
		`{"sequence":1,"type":"task.created","payload":{},"timestamp":"2026-01-01T00:00:00Z"}`,
		`{"sequence":3,"type":"task.created","payload":{},"timestamp":"2026-01-01T00:00:01Z"}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if _, err := Open(path); err == nil || !strings.Contains(err.Error(), "sequence gap") {
		t.Fatalf("want sequence gap error, got %v", err)
	}
}

func TestProjectReplayDeterminism(t *testing.T) {
	l := newTestLog(t)
	now := time.Now().UTC()
	l.Append(core.EventAgentRegistered, core.Agent{ID: "a1", PID: 100, Status: core.AgentIdle, RegisteredAt: now})
	l.Append(core.EventTaskCreated, core.Task{ID: "t1", Agent: "a1", Status: core.TaskRunning})
	l.Append(core.EventClaimAcquired, core.Claim{ID: 1, AgentID: "a1", Files: []string{"a.py"}, Exclusive: true})
	l.Append(core.EventFindingRecorded, core.Finding{ID: "f1", AgentID: "a1", Category: "bug"})
	l.Append(core.EventClaimReleased, ReleasePayload{ClaimID: 1})
	l.Append(core.EventAgentStatus, StatusPayload{AgentID: "a1", Status: core.AgentBlocked})

	events, err := l.Events()
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	first, err := Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	second, err := Project(events)
	if err != nil {
		t.Fatalf("reproject: %v", err)
	}
	a, _ := first.Canonical()
	b, _ := second.Canonical()
	if !bytes.Equal(a, b) {
		t.Fatalf("replay diverged:\n%s\n%s", a, b)
	}

	if first.Agents["a1"].Status != core.AgentBlocked {
		t.Fatalf("agent status = %s, want blocked", first.Agents["a1"].Status)
	}
	if len(first.Claims) != 0 {
		t.Fatalf("claim survived release: %v", first.Claims)
	}
	if len(first.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(first.Findings))
	}
}

func TestProjectPrefixAgreement(t *testing.T) {
	l := newTestLog(t)
	l.Append(core.EventAgentRegistered, core.Agent{ID: "a1"})
	l.Append(core.EventAgentRegistered, core.Agent{ID: "a2"})
	l.Append(core.EventAgentDeregistered, DeregisterPayload{AgentID: "a1"})

	events, _ := l.Events()
	full, err := Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	prefix, err := Project(events[:2])
	if err != nil {
		t.Fatalf("project prefix: %v", err)
	}
	if len(prefix.Agents) != 2 || len(full.Agents) != 1 {
		t.Fatalf("prefix agents=%d full agents=%d", len(prefix.Agents), len(full.Agents))
	}
}
