// Package claim implements mutual exclusion over sets of file patterns for
// independent agent processes. The filesystem is the synchronization
// primitive: a lock is the presence of a marker directory created with an
// atomic mkdir, and lock classes are always taken in one fixed global order
// so deadlock is structurally impossible.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/glob"
	"github.com/mistakeknot/waggle/internal/probe"
)

// Class is a lock resource class. Acquisition must follow ascending class
// order: version control, then database, then per-file locks.
type Class int

const (
	ClassVCS Class = iota
	ClassDB
	ClassFile
)

func (c Class) String() string {
	switch c {
	case ClassVCS:
		return "vcs"
	case ClassDB:
		return "db"
	case ClassFile:
		return "file"
	default:
		return "unknown"
	}
}

// Config controls acquisition retry and stale reclamation.
type Config struct {
	Dir        string        // coordination directory
	BaseDelay  time.Duration // first backoff step
	MaxDelay   time.Duration // backoff ceiling
	Timeout    time.Duration // overall acquisition deadline
	StaleAfter time.Duration // minimum age before a dead holder's lock is reclaimable
}

// DefaultConfig returns the standard tuning: 100ms base, 5s ceiling,
// 10s acquisition timeout, 5m stale threshold.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Timeout:    10 * time.Second,
		StaleAfter: 5 * time.Minute,
	}
}

// Chain coordinates claims for one coordination directory.
type Chain struct {
	cfg   Config
	probe probe.HealthProbe
	pid   int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Chain rooted at cfg.Dir, creating the lock layout if needed.
func New(cfg Config, hp probe.HealthProbe) (*Chain, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("coordination dir required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if hp == nil {
		hp = probe.Process{}
	}
	for _, sub := range []string{"locks/files", "claims"} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create lock layout: %w", err)
		}
	}
	return &Chain{
		cfg:   cfg,
		probe: hp,
		pid:   os.Getpid(),
		now:   func() time.Time { return time.Now().UTC() },
		sleep: sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDelay computes min(max, base*2^(attempt-1)) jittered by ±50%.
func (c *Chain) backoffDelay(attempt int) time.Duration {
	d := c.cfg.BaseDelay << (attempt - 1)
	if d > c.cfg.MaxDelay || d <= 0 {
		d = c.cfg.MaxDelay
	}
	half := float64(d) / 2
	return time.Duration(half + rand.Float64()*float64(d))
}

// Handle tracks the lock classes one caller currently holds so out-of-order
// acquisitions can be rejected at the API boundary.
type Handle struct {
	chain *Chain
	agent string
	held  []heldLock
}

type heldLock struct {
	class Class
	path  string // marker directory
}

// Handle returns a lock handle for one agent.
func (c *Chain) Handle(agentID string) *Handle {
	return &Handle{chain: c, agent: agentID}
}

// Acquire takes the class-level lock (vcs or db), enforcing ascending class
// order against locks already held through this handle. Returns
// ErrDeadlockPrevented without retrying if the order is violated.
func (h *Handle) Acquire(ctx context.Context, class Class) error {
	for _, held := range h.held {
		if held.class >= class {
			return fmt.Errorf("%s after %s: %w", class, held.class, core.ErrDeadlockPrevented)
		}
	}
	marker := h.chain.classMarker(class)
	deadline := h.chain.now().Add(h.chain.cfg.Timeout)
	for attempt := 1; ; attempt++ {
		err := h.chain.createMarker(marker, owner{AgentID: h.agent, PID: h.chain.pid, AcquiredAt: h.chain.now(), Exclusive: true})
		if err == nil {
			h.held = append(h.held, heldLock{class: class, path: marker})
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire %s lock: %w", class, err)
		}
		// Holder may be dead: reclaim inline rather than waiting for a scan.
		if h.chain.tryReclaim(marker) {
			continue
		}
		if h.chain.now().After(deadline) {
			return fmt.Errorf("acquire %s lock: %w", class, core.ErrClaimConflict)
		}
		if err := h.chain.sleep(ctx, h.chain.backoffDelay(attempt)); err != nil {
			return err
		}
	}
}

// Release frees the most recently acquired lock of the given class.
func (h *Handle) Release(class Class) error {
	for i := len(h.held) - 1; i >= 0; i-- {
		if h.held[i].class == class {
			err := os.RemoveAll(h.held[i].path)
			h.held = append(h.held[:i], h.held[i+1:]...)
			return err
		}
	}
	return fmt.Errorf("release %s: %w", class, core.ErrNotFound)
}

// ReleaseAll frees every held lock in reverse acquisition order.
func (h *Handle) ReleaseAll() {
	for i := len(h.held) - 1; i >= 0; i-- {
		os.RemoveAll(h.held[i].path)
	}
	h.held = nil
}

// Claim atomically acquires an exclusive or shared hold on a set of file
// patterns. On contention it retries with exponential backoff until the
// configured timeout, then fails with a *core.ConflictError. A partial
// acquisition interrupted by any failure is rolled back in reverse order.
func (c *Chain) Claim(ctx context.Context, agentID string, files []string, reason string, exclusive bool) (*core.Claim, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id required")
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file required")
	}
	files = append([]string(nil), files...)
	sort.Strings(files)
	for _, f := range files {
		if err := glob.Validate(f); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	deadline := c.now().Add(c.cfg.Timeout)

	var lastConflict *core.ConflictError
	for attempt := 1; ; attempt++ {
		cl, conflict, err := c.tryClaim(ctx, agentID, files, reason, exclusive)
		if err != nil {
			return nil, err
		}
		if cl != nil {
			return cl, nil
		}
		lastConflict = conflict
		if c.now().After(deadline) {
			break
		}
		if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
			break
		}
	}
	if lastConflict == nil {
		lastConflict = &core.ConflictError{}
	}
	return nil, lastConflict
}

// tryClaim performs one serialized acquisition attempt under the db-class
// lock. Returns (claim, nil, nil) on success and (nil, conflict, nil) on
// contention.
func (c *Chain) tryClaim(ctx context.Context, agentID string, files []string, reason string, exclusive bool) (*core.Claim, *core.ConflictError, error) {
	h := c.Handle(agentID)
	if err := h.Acquire(ctx, ClassDB); err != nil {
		if errors.Is(err, core.ErrClaimConflict) {
			return nil, &core.ConflictError{}, nil
		}
		return nil, nil, err
	}
	defer h.ReleaseAll()

	held, err := c.listMarkers()
	if err != nil {
		return nil, nil, err
	}
	var conflicts []core.ConflictDetail
	for _, m := range held {
		if !m.owner.Exclusive && !exclusive {
			continue
		}
		for _, f := range files {
			overlap, err := glob.Overlaps(m.pattern, f)
			if err != nil {
				continue // foreign marker with an invalid pattern never blocks
			}
			if overlap {
				conflicts = append(conflicts, core.ConflictDetail{
					Path:    m.pattern,
					ClaimID: m.owner.ClaimID,
					AgentID: m.owner.AgentID,
				})
				break
			}
		}
	}
	if len(conflicts) > 0 {
		return nil, &core.ConflictError{Conflicts: conflicts}, nil
	}

	id, err := c.nextClaimID()
	if err != nil {
		return nil, nil, err
	}
	now := c.now()
	cl := &core.Claim{
		ID:         id,
		AgentID:    agentID,
		PID:        c.pid,
		Files:      files,
		Exclusive:  exclusive,
		Reason:     reason,
		AcquiredAt: now,
	}

	created := make([]string, 0, len(files))
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			os.RemoveAll(created[i])
		}
	}
	for _, f := range files {
		marker := c.fileMarker(f, id, exclusive)
		err := c.createMarker(marker, owner{
			ClaimID: id, AgentID: agentID, PID: c.pid,
			AcquiredAt: now, Exclusive: exclusive, Pattern: f,
		})
		if err != nil {
			rollback()
			if os.IsExist(err) {
				return nil, &core.ConflictError{Conflicts: []core.ConflictDetail{{Path: f}}}, nil
			}
			return nil, nil, fmt.Errorf("create marker for %s: %w", f, err)
		}
		created = append(created, marker)
	}
	if err := c.writeClaimRecord(cl); err != nil {
		rollback()
		return nil, nil, err
	}
	return cl, nil, nil
}

// Release frees every marker of a claim in reverse acquisition order and
// removes its record.
func (c *Chain) Release(ctx context.Context, claimID uint64) error {
	cl, err := c.Get(claimID)
	if err != nil {
		return err
	}
	h := c.Handle(cl.AgentID)
	if err := h.Acquire(ctx, ClassDB); err != nil {
		return err
	}
	defer h.ReleaseAll()

	for i := len(cl.Files) - 1; i >= 0; i-- {
		marker := c.fileMarker(cl.Files[i], cl.ID, cl.Exclusive)
		if err := os.RemoveAll(marker); err != nil {
			return fmt.Errorf("remove marker: %w", err)
		}
	}
	if err := os.Remove(c.claimRecordPath(claimID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove claim record: %w", err)
	}
	return nil
}

// Get loads one claim record.
func (c *Chain) Get(claimID uint64) (*core.Claim, error) {
	return readClaimRecord(c.claimRecordPath(claimID))
}

// List returns all currently held claims, ordered by id.
func (c *Chain) List() ([]core.Claim, error) {
	entries, err := os.ReadDir(filepath.Join(c.cfg.Dir, "claims"))
	if err != nil {
		return nil, fmt.Errorf("read claims dir: %w", err)
	}
	out := make([]core.Claim, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		cl, err := readClaimRecord(filepath.Join(c.cfg.Dir, "claims", e.Name()))
		if err != nil {
			continue // torn record from a crashed writer; reclaim scan handles it
		}
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IsClaimed reports the claim currently covering path, preferring exclusive
// holds over shared ones.
func (c *Chain) IsClaimed(path string) (uint64, bool) {
	held, err := c.listMarkers()
	if err != nil {
		return 0, false
	}
	var sharedID uint64
	var sharedFound bool
	for _, m := range held {
		overlap, err := glob.Overlaps(m.pattern, path)
		if err != nil || !overlap {
			continue
		}
		if m.owner.Exclusive {
			return m.owner.ClaimID, true
		}
		sharedID, sharedFound = m.owner.ClaimID, true
	}
	return sharedID, sharedFound
}

// nextClaimID allocates a monotonically increasing claim id. Callers hold
// the db-class lock, which serializes allocation across processes.
func (c *Chain) nextClaimID() (uint64, error) {
	seqPath := filepath.Join(c.cfg.Dir, "seq")
	var next uint64 = 1
	data, err := os.ReadFile(seqPath)
	if err == nil {
		n, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("corrupt claim sequence file: %w", perr)
		}
		next = n + 1
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("read claim sequence: %w", err)
	}
	tmp := seqPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)), 0644); err != nil {
		return 0, fmt.Errorf("write claim sequence: %w", err)
	}
	if err := os.Rename(tmp, seqPath); err != nil {
		return 0, fmt.Errorf("commit claim sequence: %w", err)
	}
	return next, nil
}
