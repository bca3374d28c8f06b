// Package ws fans coordination events out to connected agents. Agents
// subscribe once and watch the blackboard change instead of polling.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{} // agent -> conns
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

// Handler accepts websocket subscriptions at /ws/agents/{agent}. The
// connection is read-drained; agents only listen.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/ws/agents/")
		agent := strings.Trim(path, "/")
		if agent == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(agent, conn)
		defer h.remove(agent, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn  *websocket.Conn
	agent string
}

// Broadcast delivers event to every connected agent. Failed writes evict
// the connection.
func (h *Hub) Broadcast(event any) {
	h.send(h.snapshot(""), event)
}

// Send delivers event only to the named agent's connections.
func (h *Hub) Send(agent string, event any) {
	h.send(h.snapshot(agent), event)
}

func (h *Hub) send(entries []connEntry, event any) {
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.agent, e.conn)
			}(e)
		}
	}
}

func (h *Hub) snapshot(agent string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	if agent != "" {
		for conn := range h.conns[agent] {
			out = append(out, connEntry{conn: conn, agent: agent})
		}
		return out
	}
	for name, conns := range h.conns {
		for conn := range conns {
			out = append(out, connEntry{conn: conn, agent: name})
		}
	}
	return out
}

func (h *Hub) add(agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perAgent, ok := h.conns[agent]
	if !ok {
		perAgent = make(map[*websocket.Conn]struct{})
		h.conns[agent] = perAgent
	}
	perAgent[conn] = struct{}{}
}

func (h *Hub) remove(agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perAgent, ok := h.conns[agent]
	if !ok {
		return
	}
	delete(perAgent, conn)
	if len(perAgent) == 0 {
		delete(h.conns, agent)
	}
}
