package httpapi

import (
	"github.com/mistakeknot/waggle/internal/claim"
	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/dualwrite"
	"github.com/mistakeknot/waggle/internal/heuristic"
	"github.com/mistakeknot/waggle/internal/heuristic/capacity"
	"github.com/mistakeknot/waggle/internal/heuristic/fraud"
	"github.com/mistakeknot/waggle/internal/storage"
	"github.com/mistakeknot/waggle/internal/trail"
)

type Broadcaster interface {
	Broadcast(event any)
}

// EventSource tails the append-only event log.
type EventSource interface {
	EventsSince(after uint64) ([]core.Event, error)
}

type Service struct {
	store   storage.Store
	adapter *dualwrite.Adapter
	chain   *claim.Chain
	trails  *trail.Ledger

	memory    *heuristic.Memory
	scanner   *fraud.Scanner
	responder *fraud.Responder
	capacity  *capacity.Manager

	events EventSource
	bus    Broadcaster
}

func NewService(store storage.Store, adapter *dualwrite.Adapter, chain *claim.Chain, trails *trail.Ledger) *Service {
	return &Service{store: store, adapter: adapter, chain: chain, trails: trails}
}

func (s *Service) WithHeuristics(m *heuristic.Memory, sc *fraud.Scanner, rs *fraud.Responder, cm *capacity.Manager) *Service {
	s.memory = m
	s.scanner = sc
	s.responder = rs
	s.capacity = cm
	return s
}

func (s *Service) WithEvents(es EventSource) *Service {
	s.events = es
	return s
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

func (s *Service) broadcast(eventType core.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(map[string]any{
		"type":    string(eventType),
		"payload": payload,
	})
}
