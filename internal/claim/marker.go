package claim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

// owner is the marker payload: who holds the lock, since when, and from
// which process. Presence of the marker directory is the lock; owner.json
// only carries metadata for conflict reporting and stale detection.
type owner struct {
	ClaimID    uint64    `json:"claim_id,omitempty"`
	AgentID    string    `json:"agent_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Exclusive  bool      `json:"exclusive"`
	Pattern    string    `json:"pattern,omitempty"`
}

type marker struct {
	path    string
	pattern string
	owner   owner
}

func (c *Chain) classMarker(class Class) string {
	return filepath.Join(c.cfg.Dir, "locks", class.String()+".lock")
}

// fileMarker names a marker deterministically from the claimed resource.
// Shared markers embed the claim id so multiple readers can coexist.
func (c *Chain) fileMarker(pattern string, claimID uint64, exclusive bool) string {
	name := sanitize(pattern)
	if !exclusive {
		name = fmt.Sprintf("%s.shared.%d", name, claimID)
	}
	return filepath.Join(c.cfg.Dir, "locks", "files", name+".lock")
}

// sanitize maps a path pattern onto a single marker file name. Separators
// become "__" and literal underscores are percent-encoded along with
// everything outside the safe set, so distinct patterns never share a marker.
func sanitize(pattern string) string {
	var b strings.Builder
	for _, r := range filepath.ToSlash(pattern) {
		switch {
		case r == '/':
			b.WriteString("__")
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%04X", r)
		}
	}
	return b.String()
}

// createMarker atomically creates the marker directory and writes owner
// metadata inside it. The mkdir is the linearization point; a crash before
// owner.json lands leaves an ownerless marker that the reclaim scan removes
// after the stale threshold.
func (c *Chain) createMarker(path string, o owner) error {
	if err := os.Mkdir(path, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(o)
	if err != nil {
		os.RemoveAll(path)
		return fmt.Errorf("marshal owner: %w", err)
	}
	tmp := filepath.Join(path, "owner.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.RemoveAll(path)
		return fmt.Errorf("write owner: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(path, "owner.json")); err != nil {
		os.RemoveAll(path)
		return fmt.Errorf("commit owner: %w", err)
	}
	return nil
}

func readOwner(markerPath string) (owner, error) {
	var o owner
	data, err := os.ReadFile(filepath.Join(markerPath, "owner.json"))
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("decode owner: %w", err)
	}
	return o, nil
}

// listMarkers returns all live file markers with readable owners. Markers
// whose owner.json is missing or torn are skipped here; the reclaim scan is
// responsible for clearing them.
func (c *Chain) listMarkers() ([]marker, error) {
	dir := filepath.Join(c.cfg.Dir, "locks", "files")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read markers: %w", err)
	}
	out := make([]marker, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		o, err := readOwner(path)
		if err != nil {
			continue
		}
		out = append(out, marker{path: path, pattern: o.Pattern, owner: o})
	}
	return out, nil
}

func (c *Chain) claimRecordPath(id uint64) string {
	return filepath.Join(c.cfg.Dir, "claims", fmt.Sprintf("%d.json", id))
}

// writeClaimRecord persists the claim via temp write + rename so a crash
// never leaves a half-written record visible.
func (c *Chain) writeClaimRecord(cl *core.Claim) error {
	data, err := json.Marshal(cl)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	path := c.claimRecordPath(cl.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write claim record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit claim record: %w", err)
	}
	return nil
}

func readClaimRecord(path string) (*core.Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("read claim record: %w", err)
	}
	var cl core.Claim
	if err := json.Unmarshal(data, &cl); err != nil {
		return nil, fmt.Errorf("decode claim record: %w", err)
	}
	return &cl, nil
}
