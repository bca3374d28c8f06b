package dualwrite

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/mistakeknot/waggle/internal/core"
)

// Entity comparison is done on canonical JSON so new fields participate
// automatically.

func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func diffAgents(legacy, projected map[string]core.Agent) []string {
	var keys []string
	for id, la := range legacy {
		pa, ok := projected[id]
		if !ok || !equalJSON(la, pa) {
			keys = append(keys, id)
		}
	}
	for id := range projected {
		if _, ok := legacy[id]; !ok {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	return keys
}

func diffTasks(legacy, projected map[string]core.Task) []string {
	var keys []string
	for id, lt := range legacy {
		pt, ok := projected[id]
		if !ok || !equalJSON(lt, pt) {
			keys = append(keys, id)
		}
	}
	for id := range projected {
		if _, ok := legacy[id]; !ok {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	return keys
}

func diffClaims(legacy, projected map[uint64]core.Claim) []string {
	var keys []string
	for id, lc := range legacy {
		pc, ok := projected[id]
		if !ok || !equalJSON(lc, pc) {
			keys = append(keys, strconv.FormatUint(id, 10))
		}
	}
	for id := range projected {
		if _, ok := legacy[id]; !ok {
			keys = append(keys, strconv.FormatUint(id, 10))
		}
	}
	sort.Strings(keys)
	return keys
}
