package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
)

// Store is the persistence surface for the heuristic memory, the fraud
// pipeline, domain capacity accounting, and pheromone trails. Callers
// treat it as a single backend; the sqlite implementation keeps all
// tables in one database file.
type Store interface {
	// Heuristic operations
	CreateHeuristic(ctx context.Context, h core.Heuristic) (core.Heuristic, error)
	GetHeuristic(ctx context.Context, id string) (core.Heuristic, error)
	UpdateHeuristic(ctx context.Context, h core.Heuristic) (core.Heuristic, error)
	ListHeuristics(ctx context.Context, domain string, status core.HeuristicStatus) ([]core.Heuristic, error)
	// CountHeuristics counts heuristics that occupy capacity in a domain:
	// active and dormant rows that have not been superseded.
	CountHeuristics(ctx context.Context, domain string) (int, error)

	// Confidence audit trail
	AppendConfidenceUpdate(ctx context.Context, u core.ConfidenceUpdate) (core.ConfidenceUpdate, error)
	ConfidenceUpdates(ctx context.Context, heuristicID string, since time.Time) ([]core.ConfidenceUpdate, error)

	// Fraud pipeline
	CreateFraudReport(ctx context.Context, r core.FraudReport, signals []core.AnomalySignal) (core.FraudReport, error)
	FraudReports(ctx context.Context, heuristicID string) ([]core.FraudReport, error)
	AnomalySignals(ctx context.Context, reportID string) ([]core.AnomalySignal, error)
	AppendFraudResponse(ctx context.Context, r core.FraudResponse) (core.FraudResponse, error)
	FraudResponses(ctx context.Context, heuristicID string) ([]core.FraudResponse, error)
	MarkResponseRolledBack(ctx context.Context, responseID string, at time.Time) error

	// Domain capacity
	GetDomainMetadata(ctx context.Context, domain string) (core.DomainMetadata, error)
	PutDomainMetadata(ctx context.Context, m core.DomainMetadata) error
	GetDomainBaseline(ctx context.Context, domain string) (core.DomainBaseline, error)
	PutDomainBaseline(ctx context.Context, b core.DomainBaseline) error
	RecordExpansion(ctx context.Context, e core.ExpansionEvent) error
	RecordMerge(ctx context.Context, m core.HeuristicMerge) error
	Merges(ctx context.Context, domain string) ([]core.HeuristicMerge, error)

	// Pheromone trails
	InsertTrail(ctx context.Context, t core.Trail) error
	ActiveTrails(ctx context.Context, now time.Time) ([]core.Trail, error)
	DeleteExpiredTrails(ctx context.Context, now time.Time) (int, error)
}
