package fraud

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/heuristic"
	"github.com/mistakeknot/waggle/internal/storage"
)

// ResponderConfig tunes response strength.
type ResponderConfig struct {
	FreezeFor    time.Duration
	TightenedCap int
	// RepeatConfirmed is how many fraud_confirmed reports a heuristic can
	// accumulate before the next one also triggers auto-deprecation.
	RepeatConfirmed int
	// DefaultBaseline is the reset confidence when a domain has no
	// recorded baseline.
	DefaultBaseline float64
}

func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		FreezeFor:       24 * time.Hour,
		TightenedCap:    3,
		RepeatConfirmed: 2,
		DefaultBaseline: 0.5,
	}
}

// Responder maps fraud classifications to graduated actions and executes
// them. Every action is idempotent and individually reversible.
type Responder struct {
	store  storage.Store
	memory *heuristic.Memory
	cfg    ResponderConfig
	now    func() time.Time
}

func NewResponder(store storage.Store, memory *heuristic.Memory, cfg ResponderConfig) *Responder {
	return &Responder{store: store, memory: memory, cfg: cfg, now: time.Now}
}

// Actions returns the response plan for a report. Golden heuristics are
// never auto-deprecated; a confirmed repeat offender that is golden gets
// escalated instead.
func (r *Responder) Actions(ctx context.Context, report core.FraudReport) ([]core.ResponseAction, error) {
	switch report.Classification {
	case core.FraudClean:
		return nil, nil
	case core.FraudLowConfidence:
		return []core.ResponseAction{core.ActionAlert}, nil
	case core.FraudSuspicious:
		return []core.ResponseAction{core.ActionAlert, core.ActionRateLimitTighten}, nil
	case core.FraudLikely:
		return []core.ResponseAction{core.ActionAlert, core.ActionConfidenceFreeze, core.ActionRateLimitTighten}, nil
	case core.FraudConfirmed:
		actions := []core.ResponseAction{
			core.ActionAlert,
			core.ActionQuarantine,
			core.ActionConfidenceReset,
			core.ActionCEOEscalation,
		}
		repeat, err := r.confirmedBefore(ctx, report)
		if err != nil {
			return nil, err
		}
		if repeat >= r.cfg.RepeatConfirmed {
			h, err := r.store.GetHeuristic(ctx, report.HeuristicID)
			if err != nil {
				return nil, err
			}
			if !h.IsGolden {
				actions = append(actions, core.ActionAutoDeprecate)
			}
		}
		return actions, nil
	default:
		return nil, fmt.Errorf("unknown classification %q", report.Classification)
	}
}

// Respond executes the full plan for a report and returns the recorded
// responses.
func (r *Responder) Respond(ctx context.Context, report core.FraudReport) ([]core.FraudResponse, error) {
	actions, err := r.Actions(ctx, report)
	if err != nil {
		return nil, err
	}
	var out []core.FraudResponse
	for _, action := range actions {
		resp, err := r.Execute(ctx, report, action)
		if err != nil {
			return out, fmt.Errorf("execute %s: %w", action, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

// Execute performs one action against the report's heuristic and records
// a response row. Re-executing an action leaves the heuristic in the same
// state.
func (r *Responder) Execute(ctx context.Context, report core.FraudReport, action core.ResponseAction) (core.FraudResponse, error) {
	id := report.HeuristicID
	now := r.now()
	detail := ""
	switch action {
	case core.ActionAlert:
		log.Printf("fraud: %s heuristic %s score %.3f", report.Classification, id, report.FraudScore)
	case core.ActionConfidenceFreeze:
		until := now.Add(r.cfg.FreezeFor)
		if err := r.memory.Freeze(ctx, id, until); err != nil {
			return core.FraudResponse{}, err
		}
		detail = "frozen until " + until.Format(time.RFC3339)
	case core.ActionConfidenceReset:
		baseline, err := r.baseline(ctx, id)
		if err != nil {
			return core.FraudResponse{}, err
		}
		if _, err := r.memory.ResetConfidence(ctx, id, baseline, "fraud response for report "+report.ID); err != nil {
			return core.FraudResponse{}, err
		}
		detail = fmt.Sprintf("reset to baseline %.2f", baseline)
	case core.ActionQuarantine:
		if err := r.memory.Quarantine(ctx, id); err != nil {
			return core.FraudResponse{}, err
		}
	case core.ActionRateLimitTighten:
		if err := r.memory.TightenCap(ctx, id, r.cfg.TightenedCap); err != nil {
			return core.FraudResponse{}, err
		}
		detail = fmt.Sprintf("daily cap lowered to %d", r.cfg.TightenedCap)
	case core.ActionCEOEscalation:
		detail = "pending human review"
		log.Printf("fraud: escalating heuristic %s for review", id)
	case core.ActionAutoDeprecate:
		if err := r.memory.Deprecate(ctx, id, false); err != nil {
			return core.FraudResponse{}, err
		}
	default:
		return core.FraudResponse{}, fmt.Errorf("unknown action %q", action)
	}
	return r.store.AppendFraudResponse(ctx, core.FraudResponse{
		ReportID:    report.ID,
		HeuristicID: id,
		Action:      action,
		Detail:      detail,
		ExecutedAt:  now,
	})
}

// Rollback reverses one executed response and stamps its rollback time.
func (r *Responder) Rollback(ctx context.Context, resp core.FraudResponse) error {
	if resp.RollbackAt != nil {
		return nil
	}
	id := resp.HeuristicID
	switch resp.Action {
	case core.ActionAlert, core.ActionCEOEscalation:
		// Nothing to undo.
	case core.ActionConfidenceFreeze:
		if err := r.memory.Unfreeze(ctx, id); err != nil {
			return err
		}
	case core.ActionConfidenceReset:
		prior, err := r.priorConfidence(ctx, id)
		if err != nil {
			return err
		}
		if _, err := r.memory.ResetConfidence(ctx, id, prior, "rollback of response "+resp.ID); err != nil {
			return err
		}
	case core.ActionQuarantine:
		if err := r.memory.Unquarantine(ctx, id); err != nil {
			return err
		}
	case core.ActionRateLimitTighten:
		if err := r.memory.TightenCap(ctx, id, 0); err != nil {
			return err
		}
	case core.ActionAutoDeprecate:
		if err := r.memory.Reactivate(ctx, id); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown action %q", resp.Action)
	}
	return r.store.MarkResponseRolledBack(ctx, resp.ID, r.now())
}

func (r *Responder) confirmedBefore(ctx context.Context, report core.FraudReport) (int, error) {
	reports, err := r.store.FraudReports(ctx, report.HeuristicID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, prev := range reports {
		if prev.ID != report.ID && prev.Classification == core.FraudConfirmed {
			n++
		}
	}
	return n, nil
}

func (r *Responder) baseline(ctx context.Context, heuristicID string) (float64, error) {
	h, err := r.store.GetHeuristic(ctx, heuristicID)
	if err != nil {
		return 0, err
	}
	b, err := r.store.GetDomainBaseline(ctx, h.Domain)
	if errors.Is(err, core.ErrNotFound) {
		return r.cfg.DefaultBaseline, nil
	}
	if err != nil {
		return 0, err
	}
	return b.BaselineConfidence, nil
}

// priorConfidence finds what the heuristic's confidence was before its
// most recent reset.
func (r *Responder) priorConfidence(ctx context.Context, heuristicID string) (float64, error) {
	updates, err := r.store.ConfidenceUpdates(ctx, heuristicID, time.Time{})
	if err != nil {
		return 0, err
	}
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].UpdateType == core.UpdateReset {
			return updates[i].OldConfidence, nil
		}
	}
	return 0, fmt.Errorf("heuristic %s has no reset to roll back: %w", heuristicID, core.ErrNotFound)
}
