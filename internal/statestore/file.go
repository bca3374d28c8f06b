package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mistakeknot/waggle/internal/core"
)

// File stores one JSON file per record under agents/, tasks/, findings/ and
// claims/. Cross-process exclusion is the caller's job: the dual-write
// adapter serializes mutations under the claim chain's db-class lock.
type File struct {
	dir string
}

// NewFile creates the directory layout if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("state dir required")
	}
	for _, sub := range []string{"agents", "tasks", "findings", "claims"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create state layout: %w", err)
		}
	}
	return &File{dir: dir}, nil
}

// writeRecord stages the record in a temp file and renames it into place so
// readers only ever see whole records.
func (f *File) writeRecord(sub, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", sub, err)
	}
	path := filepath.Join(f.dir, sub, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s record: %w", sub, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s record: %w", sub, err)
	}
	return nil
}

func (f *File) removeRecord(sub, name string) error {
	err := os.Remove(filepath.Join(f.dir, sub, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s record: %w", sub, err)
	}
	return nil
}

func (f *File) PutAgent(agent core.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id required")
	}
	return f.writeRecord("agents", agent.ID, agent)
}

func (f *File) DeleteAgent(agentID string) error {
	return f.removeRecord("agents", agentID)
}

func (f *File) PutTask(task core.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id required")
	}
	return f.writeRecord("tasks", task.ID, task)
}

func (f *File) AddFinding(finding core.Finding) error {
	if finding.ID == "" {
		return fmt.Errorf("finding id required")
	}
	return f.writeRecord("findings", finding.ID, finding)
}

func (f *File) PutClaim(claim core.Claim) error {
	if claim.ID == 0 {
		return fmt.Errorf("claim id required")
	}
	return f.writeRecord("claims", strconv.FormatUint(claim.ID, 10), claim)
}

func (f *File) DeleteClaim(claimID uint64) error {
	return f.removeRecord("claims", strconv.FormatUint(claimID, 10))
}

func (f *File) Snapshot() (core.State, error) {
	st := core.NewState()
	if err := readDir(filepath.Join(f.dir, "agents"), func(data []byte) error {
		var a core.Agent
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		st.Agents[a.ID] = a
		return nil
	}); err != nil {
		return core.State{}, err
	}
	if err := readDir(filepath.Join(f.dir, "tasks"), func(data []byte) error {
		var t core.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		st.Tasks[t.ID] = t
		return nil
	}); err != nil {
		return core.State{}, err
	}
	if err := readDir(filepath.Join(f.dir, "findings"), func(data []byte) error {
		var fi core.Finding
		if err := json.Unmarshal(data, &fi); err != nil {
			return err
		}
		st.Findings = append(st.Findings, fi)
		return nil
	}); err != nil {
		return core.State{}, err
	}
	if err := readDir(filepath.Join(f.dir, "claims"), func(data []byte) error {
		var c core.Claim
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		st.Claims[c.ID] = c
		return nil
	}); err != nil {
		return core.State{}, err
	}
	return st, nil
}

func readDir(dir string, fn func(data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read record %s: %w", e.Name(), err)
		}
		if err := fn(data); err != nil {
			return fmt.Errorf("decode record %s: %w", e.Name(), err)
		}
	}
	return nil
}
