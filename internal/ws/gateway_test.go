package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	httpapi "github.com/mistakeknot/waggle/internal/http"
	"github.com/mistakeknot/waggle/internal/storage"
	"github.com/mistakeknot/waggle/internal/trail"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// newWSServer wires the hub behind the trail endpoints, which is enough
// surface to drive broadcasts through the real router.
func newWSServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	st := storage.NewInMemory()
	ledger := trail.NewLedger(st, trail.DefaultConfig())
	hub := NewHub()
	svc := httpapi.NewService(st, nil, nil, ledger).WithBroadcaster(hub)
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler()))
	t.Cleanup(srv.Close)
	return srv, hub
}

// dialWS connects a WebSocket client to the given server.
func dialWS(t *testing.T, srv *httptest.Server, agent string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/" + agent
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial %s: %v", agent, err)
	}
	return conn
}

// readWSEvent reads a single JSON event from a WS connection with a timeout.
func readWSEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var event map[string]any
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func depositTrail(t *testing.T, baseURL, agent, location string) {
	t.Helper()
	buf, _ := json.Marshal(map[string]any{
		"location":      location,
		"location_type": "file",
		"scent":         "discovery",
		"strength":      0.7,
		"agent_id":      agent,
	})
	resp, err := http.Post(baseURL+"/api/trails", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("deposit trail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deposit trail: %d", resp.StatusCode)
	}
}

func TestWSRejectsMissingAgent(t *testing.T) {
	srv, _ := newWSServer(t)

	resp, err := http.Get(srv.URL + "/ws/agents/")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWSReceivesTrailEvents(t *testing.T) {
	srv, _ := newWSServer(t)

	conn := dialWS(t, srv, "agent-a")
	defer conn.Close(websocket.StatusNormalClosure, "")

	depositTrail(t, srv.URL, "agent-b", "internal/claim/chain.go")

	event := readWSEvent(t, conn, 2*time.Second)
	if event["type"] != "trail.deposited" {
		t.Fatalf("expected trail.deposited, got %v", event["type"])
	}
}

func TestWSFanout(t *testing.T) {
	srv, _ := newWSServer(t)

	connA := dialWS(t, srv, "agent-a")
	defer connA.Close(websocket.StatusNormalClosure, "")
	connB := dialWS(t, srv, "agent-b")
	defer connB.Close(websocket.StatusNormalClosure, "")

	depositTrail(t, srv.URL, "agent-c", "cmd/waggle/main.go")

	for _, conn := range []*websocket.Conn{connA, connB} {
		event := readWSEvent(t, conn, 2*time.Second)
		if event["type"] != "trail.deposited" {
			t.Fatalf("expected trail.deposited, got %v", event["type"])
		}
	}
}

func TestWSTargetedSend(t *testing.T) {
	srv, hub := newWSServer(t)

	connA := dialWS(t, srv, "agent-a")
	defer connA.Close(websocket.StatusNormalClosure, "")
	connB := dialWS(t, srv, "agent-b")
	defer connB.Close(websocket.StatusNormalClosure, "")

	hub.Send("agent-b", map[string]any{"type": "claim.reclaimed"})

	event := readWSEvent(t, connB, 2*time.Second)
	if event["type"] != "claim.reclaimed" {
		t.Fatalf("expected claim.reclaimed, got %v", event["type"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var noop map[string]any
	if err := wsjson.Read(ctx, connA, &noop); err == nil {
		t.Fatal("agent-a should not receive an event targeted at agent-b")
	}
}

func TestWSSubscriptionCleanup(t *testing.T) {
	srv, hub := newWSServer(t)

	conn := dialWS(t, srv, "agent-temp")
	conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to process the close.
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(map[string]any{"type": "trail.deposited"})
	depositTrail(t, srv.URL, "agent-x", "after/close.go")
}

func TestWSConcurrentBroadcast(t *testing.T) {
	srv, hub := newWSServer(t)

	const numSubscribers = 10
	const numEvents = 5

	conns := make([]*websocket.Conn, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		conns[i] = dialWS(t, srv, fmt.Sprintf("agent-%d", i))
		defer conns[i].Close(websocket.StatusNormalClosure, "")
	}

	for i := 0; i < numEvents; i++ {
		hub.Broadcast(map[string]any{"type": "trail.deposited", "seq": i})
	}

	var wg sync.WaitGroup
	for i := 0; i < numSubscribers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < numEvents; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				var event map[string]any
				err := wsjson.Read(ctx, conns[idx], &event)
				cancel()
				if err != nil {
					t.Errorf("subscriber %d failed to read event %d: %v", idx, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
