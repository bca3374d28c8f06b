package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mistakeknot/waggle/internal/claim"
	"github.com/mistakeknot/waggle/internal/dualwrite"
	"github.com/mistakeknot/waggle/internal/eventlog"
	"github.com/mistakeknot/waggle/internal/heuristic"
	"github.com/mistakeknot/waggle/internal/heuristic/capacity"
	"github.com/mistakeknot/waggle/internal/heuristic/fraud"
	"github.com/mistakeknot/waggle/internal/probe"
	"github.com/mistakeknot/waggle/internal/statestore"
	"github.com/mistakeknot/waggle/internal/storage"
	"github.com/mistakeknot/waggle/internal/trail"
	"github.com/mistakeknot/waggle/internal/ws"
)

// testEnv bundles the full service wiring behind an httptest.Server. The
// claim chain probes the test process's own pid, so claims held by "agents"
// in these tests always look live.
type testEnv struct {
	srv      *httptest.Server
	hub      *ws.Hub
	store    *storage.InMemory
	capacity *capacity.Manager
	memory   *heuristic.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	legacy := statestore.NewMemory()
	elog, err := eventlog.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	adapter := dualwrite.New(legacy, elog)

	chain, err := claim.New(claim.DefaultConfig(filepath.Join(dir, "claims")), probe.Static{Live: map[int]bool{os.Getpid(): true}})
	if err != nil {
		t.Fatalf("claim chain: %v", err)
	}

	st := storage.NewInMemory()
	ledger := trail.NewLedger(st, trail.DefaultConfig())
	mem := heuristic.New(st, heuristic.DefaultConfig())
	sc := fraud.NewScanner(st, fraud.DefaultScannerConfig())
	rs := fraud.NewResponder(st, mem, fraud.DefaultResponderConfig())
	cm := capacity.New(st, nil, capacity.DefaultConfig())

	hub := ws.NewHub()
	svc := NewService(st, adapter, chain, ledger).
		WithHeuristics(mem, sc, rs, cm).
		WithEvents(elog).
		WithBroadcaster(hub)
	srv := httptest.NewServer(NewRouter(svc, hub.Handler()))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, hub: hub, store: st, capacity: cm, memory: mem}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func jsonBody(t *testing.T, body any) *bytes.Reader {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(buf)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}
