package core

import "time"

// HeuristicStatus follows a small state machine: active heuristics can go
// dormant from disuse and be revived by fresh validation; deprecated is
// terminal.
type HeuristicStatus string

const (
	HeuristicActive     HeuristicStatus = "active"
	HeuristicDormant    HeuristicStatus = "dormant"
	HeuristicDeprecated HeuristicStatus = "deprecated"
)

// Heuristic is a confidence-scored rule owned by HeuristicMemory.
// Confidence and ConfidenceEMA are clamped to [0,1] on every write.
type Heuristic struct {
	ID               string          `json:"id"`
	Domain           string          `json:"domain"`
	Rule             string          `json:"rule"`
	Confidence       float64         `json:"confidence"`
	ConfidenceEMA    float64         `json:"confidence_ema"`
	Status           HeuristicStatus `json:"status"`
	TimesValidated   int             `json:"times_validated"`
	TimesViolated    int             `json:"times_violated"`
	TimesContradicted int            `json:"times_contradicted"`
	IsGolden         bool            `json:"is_golden"`
	IsQuarantined    bool            `json:"is_quarantined"`
	FrozenUntil      *time.Time      `json:"frozen_until,omitempty"`
	SupersededBy     string          `json:"superseded_by,omitempty"`
	DailyCapOverride int             `json:"daily_cap_override,omitempty"`
	UpdateCountToday int             `json:"update_count_today"`
	LastUpdateDay    string          `json:"last_update_day,omitempty"` // UTC date, YYYY-MM-DD
	LastUsedAt       time.Time       `json:"last_used_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// UpdateType labels why a confidence update happened.
type UpdateType string

const (
	UpdateValidation    UpdateType = "validation"
	UpdateViolation     UpdateType = "violation"
	UpdateContradiction UpdateType = "contradiction"
	UpdateReset         UpdateType = "reset"
	UpdateMerge         UpdateType = "merge"
)

// ConfidenceUpdate is an append-only audit row for one confidence change.
// Replaying deltas from creation reproduces the current confidence within
// smoothing rounding.
type ConfidenceUpdate struct {
	ID            string     `json:"id"`
	HeuristicID   string     `json:"heuristic_id"`
	OldConfidence float64    `json:"old_confidence"`
	NewConfidence float64    `json:"new_confidence"`
	Delta         float64    `json:"delta"`
	RawTarget     float64    `json:"raw_target"`
	Alpha         float64    `json:"alpha"`
	UpdateType    UpdateType `json:"update_type"`
	Reason        string     `json:"reason,omitempty"`
	RateLimited   bool       `json:"rate_limited"`
	CreatedAt     time.Time  `json:"created_at"`
}

// FraudClassification bands a fraud score.
type FraudClassification string

const (
	FraudClean          FraudClassification = "clean"
	FraudLowConfidence  FraudClassification = "low_confidence"
	FraudSuspicious     FraudClassification = "suspicious"
	FraudLikely         FraudClassification = "fraud_likely"
	FraudConfirmed      FraudClassification = "fraud_confirmed"
)

// AnomalySignal is one named detector's verdict on a heuristic.
type AnomalySignal struct {
	ID          string    `json:"id"`
	ReportID    string    `json:"report_id"`
	HeuristicID string    `json:"heuristic_id"`
	Detector    string    `json:"detector"`
	Score       float64   `json:"score"`
	Severity    string    `json:"severity"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FraudReport is the combined anomaly assessment of one heuristic.
// Classification is a pure function of the current signal set.
type FraudReport struct {
	ID             string              `json:"id"`
	HeuristicID    string              `json:"heuristic_id"`
	FraudScore     float64             `json:"fraud_score"`
	Classification FraudClassification `json:"classification"`
	SignalCount    int                 `json:"signal_count"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ResponseAction is an idempotent, individually reversible reaction to a
// fraud report.
type ResponseAction string

const (
	ActionAlert            ResponseAction = "alert"
	ActionConfidenceFreeze ResponseAction = "confidence_freeze"
	ActionConfidenceReset  ResponseAction = "confidence_reset"
	ActionQuarantine       ResponseAction = "status_quarantine"
	ActionRateLimitTighten ResponseAction = "rate_limit_tighten"
	ActionCEOEscalation    ResponseAction = "ceo_escalation"
	ActionAutoDeprecate    ResponseAction = "auto_deprecate"
)

// FraudResponse records the execution (and possible rollback) of one action.
type FraudResponse struct {
	ID          string         `json:"id"`
	ReportID    string         `json:"report_id"`
	HeuristicID string         `json:"heuristic_id"`
	Action      ResponseAction `json:"action"`
	Detail      string         `json:"detail,omitempty"`
	ExecutedAt  time.Time      `json:"executed_at"`
	RollbackAt  *time.Time     `json:"rollback_at,omitempty"`
}

// DomainState tracks a knowledge domain against its capacity limits.
type DomainState string

const (
	DomainNormal   DomainState = "normal"
	DomainOverflow DomainState = "overflow"
	DomainCritical DomainState = "critical"
)

// DomainMetadata is per-domain capacity state. CurrentCount stays at or
// below HardLimit unless an override is recorded.
type DomainMetadata struct {
	Domain           string      `json:"domain"`
	SoftLimit        int         `json:"soft_limit"`
	HardLimit        int         `json:"hard_limit"`
	CurrentCount     int         `json:"current_count"`
	State            DomainState `json:"state"`
	OverflowSince    *time.Time  `json:"overflow_since,omitempty"`
	CriticalSince    *time.Time  `json:"critical_since,omitempty"`
	OverrideRecorded bool        `json:"override_recorded"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// DomainBaseline holds the confidence a heuristic reverts to on reset.
type DomainBaseline struct {
	Domain             string  `json:"domain"`
	BaselineConfidence float64 `json:"baseline_confidence"`
}

// ExpansionEvent audits an accept/reject decision at the expansion gate.
type ExpansionEvent struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	HeuristicID string    `json:"heuristic_id"`
	Accepted    bool      `json:"accepted"`
	Reason      string    `json:"reason"`
	Novelty     float64   `json:"novelty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MergeStrategy selects how two heuristics' scores are combined.
type MergeStrategy string

const (
	MergeWeightedAverage MergeStrategy = "weighted_average"
	MergeSum             MergeStrategy = "sum"
)

// HeuristicMerge audits one contraction merge: sources are marked
// superseded by the target.
type HeuristicMerge struct {
	ID         string        `json:"id"`
	Domain     string        `json:"domain"`
	SourceIDs  []string      `json:"source_ids"`
	TargetID   string        `json:"target_id"`
	Strategy   MergeStrategy `json:"strategy"`
	Similarity float64       `json:"similarity"`
	CreatedAt  time.Time     `json:"created_at"`
}
