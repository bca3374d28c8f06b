// Package fraud scores heuristics for confidence-gaming patterns and
// executes graduated, reversible responses.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/storage"
)

// Sample is everything a detector may inspect: the heuristic itself and
// its confidence updates inside the scan window.
type Sample struct {
	Heuristic core.Heuristic
	Updates   []core.ConfidenceUpdate
	Now       time.Time
}

// Detector produces a score in [0,1] for one anomaly pattern. Zero means
// the pattern is absent.
type Detector interface {
	Name() string
	Detect(s Sample) (score float64, detail string)
}

// updateFrequency flags heuristics receiving far more updates than the
// daily cap anticipates.
type updateFrequency struct {
	dailyCap int
}

func (updateFrequency) Name() string { return "update_frequency" }

func (d updateFrequency) Detect(s Sample) (float64, string) {
	n := len(s.Updates)
	if n <= d.dailyCap {
		return 0, ""
	}
	score := clamp01(float64(n-d.dailyCap) / float64(d.dailyCap))
	return score, fmt.Sprintf("%d updates in window against cap %d", n, d.dailyCap)
}

// confidenceTrajectory flags an implausibly steep net confidence climb
// within the window.
type confidenceTrajectory struct {
	maxRise float64
}

func (confidenceTrajectory) Name() string { return "confidence_trajectory" }

func (d confidenceTrajectory) Detect(s Sample) (float64, string) {
	rise := 0.0
	for _, u := range s.Updates {
		rise += u.Delta
	}
	if rise <= 0 {
		return 0, ""
	}
	score := clamp01(rise / d.maxRise)
	if score == 0 {
		return 0, ""
	}
	return score, fmt.Sprintf("net confidence rise %.3f in window", rise)
}

// ratioOutlier flags heuristics whose validation share is suspiciously
// one-sided once enough observations exist. Honest heuristics accumulate
// occasional violations.
type ratioOutlier struct {
	minObservations int
	cleanShare      float64
}

func (ratioOutlier) Name() string { return "ratio_outlier" }

func (d ratioOutlier) Detect(s Sample) (float64, string) {
	h := s.Heuristic
	total := h.TimesValidated + h.TimesViolated
	if total < d.minObservations {
		return 0, ""
	}
	share := float64(h.TimesValidated) / float64(total)
	if share <= d.cleanShare {
		return 0, ""
	}
	score := clamp01((share - d.cleanShare) / (1 - d.cleanShare))
	return score, fmt.Sprintf("%d/%d validations (share %.2f)", h.TimesValidated, total, share)
}

// rateLimitPressure flags agents repeatedly slamming into the daily cap;
// rate-limited rows are recorded precisely so this is visible.
type rateLimitPressure struct{}

func (rateLimitPressure) Name() string { return "rate_limit_pressure" }

func (rateLimitPressure) Detect(s Sample) (float64, string) {
	if len(s.Updates) == 0 {
		return 0, ""
	}
	limited := 0
	for _, u := range s.Updates {
		if u.RateLimited {
			limited++
		}
	}
	if limited == 0 {
		return 0, ""
	}
	share := float64(limited) / float64(len(s.Updates))
	return clamp01(share), fmt.Sprintf("%d of %d updates rate-limited", limited, len(s.Updates))
}

// ScannerConfig sets the scan window, detector thresholds, and per-detector
// weights for the combined score.
type ScannerConfig struct {
	Window          time.Duration
	DailyCap        int
	MaxRise         float64
	MinObservations int
	CleanShare      float64
	Weights         map[string]float64
}

func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Window:          24 * time.Hour,
		DailyCap:        10,
		MaxRise:         0.4,
		MinObservations: 10,
		CleanShare:      0.9,
		Weights: map[string]float64{
			"update_frequency":      0.8,
			"confidence_trajectory": 0.7,
			"ratio_outlier":         0.6,
			"rate_limit_pressure":   0.5,
		},
	}
}

// Scanner runs every detector over a heuristic and folds the signals into
// one fraud report.
type Scanner struct {
	store     storage.Store
	cfg       ScannerConfig
	detectors []Detector
	now       func() time.Time
}

func NewScanner(store storage.Store, cfg ScannerConfig) *Scanner {
	return &Scanner{
		store: store,
		cfg:   cfg,
		detectors: []Detector{
			updateFrequency{dailyCap: cfg.DailyCap},
			confidenceTrajectory{maxRise: cfg.MaxRise},
			ratioOutlier{minObservations: cfg.MinObservations, cleanShare: cfg.CleanShare},
			rateLimitPressure{},
		},
		now: time.Now,
	}
}

// Scan evaluates one heuristic, persists the report with its signals, and
// returns both. A clean heuristic still gets a report row so scans are
// auditable.
func (s *Scanner) Scan(ctx context.Context, heuristicID string) (core.FraudReport, []core.AnomalySignal, error) {
	h, err := s.store.GetHeuristic(ctx, heuristicID)
	if err != nil {
		return core.FraudReport{}, nil, err
	}
	now := s.now()
	updates, err := s.store.ConfidenceUpdates(ctx, heuristicID, now.Add(-s.cfg.Window))
	if err != nil {
		return core.FraudReport{}, nil, err
	}
	sample := Sample{Heuristic: h, Updates: updates, Now: now}

	var signals []core.AnomalySignal
	for _, d := range s.detectors {
		score, detail := d.Detect(sample)
		if score <= 0 {
			continue
		}
		signals = append(signals, core.AnomalySignal{
			HeuristicID: heuristicID,
			Detector:    d.Name(),
			Score:       score,
			Severity:    severity(score),
			Detail:      detail,
			CreatedAt:   now,
		})
	}

	report := core.FraudReport{
		HeuristicID: heuristicID,
		FraudScore:  Combine(signals, s.cfg.Weights),
		SignalCount: len(signals),
		CreatedAt:   now,
	}
	report.Classification = Classify(report.FraudScore)

	report, err = s.store.CreateFraudReport(ctx, report, signals)
	if err != nil {
		return core.FraudReport{}, nil, err
	}
	return report, signals, nil
}

// Combine folds weighted signal scores with a noisy-OR: each signal
// independently raises suspicion, and no single detector saturates the
// result on its own.
func Combine(signals []core.AnomalySignal, weights map[string]float64) float64 {
	cleanProb := 1.0
	for _, sig := range signals {
		w, ok := weights[sig.Detector]
		if !ok {
			w = 0.5
		}
		cleanProb *= 1 - clamp01(w*sig.Score)
	}
	return clamp01(1 - cleanProb)
}

// Classify bands a fraud score.
func Classify(score float64) core.FraudClassification {
	switch {
	case score >= 0.9:
		return core.FraudConfirmed
	case score >= 0.7:
		return core.FraudLikely
	case score >= 0.5:
		return core.FraudSuspicious
	case score >= 0.3:
		return core.FraudLowConfidence
	default:
		return core.FraudClean
	}
}

func severity(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
