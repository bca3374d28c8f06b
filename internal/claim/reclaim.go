package claim

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Reclaimed describes one stale lock freed by a scan.
type Reclaimed struct {
	ClaimID uint64
	AgentID string
	PID     int
	Pattern string
}

// Scan sweeps every marker and reclaims those whose holder process is dead
// and whose age exceeds the stale threshold. Reclamation failures are logged
// and retried on the next scan; they never propagate to the caller.
func (c *Chain) Scan() []Reclaimed {
	var out []Reclaimed

	// Class locks first: a crashed claimer stuck holding the db lock would
	// otherwise block every acquisition until its backoff probe fires.
	for _, class := range []Class{ClassVCS, ClassDB} {
		if c.tryReclaim(c.classMarker(class)) {
			log.Printf("claimchain: reclaimed stale %s lock", class)
		}
	}

	dir := filepath.Join(c.cfg.Dir, "locks", "files")
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("claimchain: scan: %v", err)
		return out
	}
	freedClaims := make(map[uint64]bool)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		o, rerr := readOwner(path)
		if !c.tryReclaim(path) {
			continue
		}
		r := Reclaimed{}
		if rerr == nil {
			r = Reclaimed{ClaimID: o.ClaimID, AgentID: o.AgentID, PID: o.PID, Pattern: o.Pattern}
		}
		out = append(out, r)
		if o.ClaimID != 0 {
			freedClaims[o.ClaimID] = true
		}
		log.Printf("claimchain: reclaimed stale lock %s (agent=%s pid=%d)", e.Name(), o.AgentID, o.PID)
	}

	// Drop claim records whose markers are all gone.
	for id := range freedClaims {
		cl, err := c.Get(id)
		if err != nil {
			continue
		}
		live := false
		for _, f := range cl.Files {
			if _, err := os.Stat(c.fileMarker(f, cl.ID, cl.Exclusive)); err == nil {
				live = true
				break
			}
		}
		if !live {
			if err := os.Remove(c.claimRecordPath(id)); err != nil && !os.IsNotExist(err) {
				log.Printf("claimchain: drop claim record %d: %v", id, err)
			}
		}
	}
	return out
}

// tryReclaim removes a marker if its holder is provably gone. The removal is
// guarded by a sibling ".reclaim" directory created atomically, so two
// concurrent reclaimers cannot both free the same marker. Returns true if
// this call freed the marker.
func (c *Chain) tryReclaim(markerPath string) bool {
	o, err := readOwner(markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Marker without owner metadata: a writer crashed between mkdir
			// and the owner rename. Only age can make it reclaimable.
			info, serr := os.Stat(markerPath)
			if serr != nil || c.now().Sub(info.ModTime()) < c.cfg.StaleAfter {
				return false
			}
		} else {
			return false
		}
	} else {
		if c.now().Sub(o.AcquiredAt) < c.cfg.StaleAfter {
			return false
		}
		if c.probe.Alive(o.PID) {
			return false
		}
	}

	guard := markerPath + ".reclaim"
	if err := os.Mkdir(guard, 0755); err != nil {
		return false // another reclaimer holds the guard
	}
	defer os.RemoveAll(guard)

	// Re-check under the guard: the holder may have released and a new
	// claimer re-created the marker while we probed.
	if o2, err := readOwner(markerPath); err == nil {
		if !o2.AcquiredAt.Equal(o.AcquiredAt) || o2.PID != o.PID {
			return false
		}
	}
	if err := os.RemoveAll(markerPath); err != nil {
		log.Printf("claimchain: reclaim %s: %v", markerPath, err)
		return false
	}
	return true
}
