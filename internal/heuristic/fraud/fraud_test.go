package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/heuristic"
	"github.com/mistakeknot/waggle/internal/storage"
)

func newFixture(t *testing.T) (*storage.InMemory, *heuristic.Memory, *Scanner, *Responder, *time.Time) {
	t.Helper()
	st := storage.NewInMemory()
	mem := heuristic.New(st, heuristic.DefaultConfig())
	sc := NewScanner(st, DefaultScannerConfig())
	rs := NewResponder(st, mem, DefaultResponderConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sc.now = func() time.Time { return now }
	rs.now = func() time.Time { return now }
	return st, mem, sc, rs, &now
}

func seedHeuristic(t *testing.T, st *storage.InMemory, h core.Heuristic) core.Heuristic {
	t.Helper()
	if h.Status == "" {
		h.Status = core.HeuristicActive
	}
	created, err := st.CreateHeuristic(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	return created
}

func seedUpdates(t *testing.T, st *storage.InMemory, heuristicID string, at time.Time, n int, delta float64, rateLimited int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.AppendConfidenceUpdate(context.Background(), core.ConfidenceUpdate{
			HeuristicID: heuristicID,
			Delta:       delta,
			RateLimited: i < rateLimited,
			CreatedAt:   at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestScanCleanHeuristic(t *testing.T) {
	st, _, sc, _, now := newFixture(t)
	h := seedHeuristic(t, st, core.Heuristic{Domain: "testing", Rule: "r", TimesValidated: 8, TimesViolated: 3})
	seedUpdates(t, st, h.ID, now.Add(-time.Hour), 3, 0.02, 0)

	report, signals, err := sc.Scan(context.Background(), h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Classification != core.FraudClean {
		t.Fatalf("classification = %s, want clean (score %.3f, signals %v)", report.Classification, report.FraudScore, signals)
	}
	reports, _ := st.FraudReports(context.Background(), h.ID)
	if len(reports) != 1 {
		t.Fatalf("clean scan should still persist a report, got %d", len(reports))
	}
}

func TestScanFlagsGamingPattern(t *testing.T) {
	st, _, sc, _, now := newFixture(t)
	h := seedHeuristic(t, st, core.Heuristic{Domain: "testing", Rule: "r", TimesValidated: 40, TimesViolated: 0})
	// Triple the daily cap, steep climb, a third of the rows rate-limited.
	seedUpdates(t, st, h.ID, now.Add(-time.Hour), 30, 0.02, 10)

	report, signals, err := sc.Scan(context.Background(), h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.FraudScore < 0.9 {
		t.Fatalf("score = %.3f, want >= 0.9 for a blatant pattern", report.FraudScore)
	}
	if report.Classification != core.FraudConfirmed {
		t.Fatalf("classification = %s, want fraud_confirmed", report.Classification)
	}
	names := map[string]bool{}
	for _, s := range signals {
		names[s.Detector] = true
	}
	for _, want := range []string{"update_frequency", "confidence_trajectory", "ratio_outlier", "rate_limit_pressure"} {
		if !names[want] {
			t.Fatalf("missing signal %s in %v", want, names)
		}
	}
	stored, _ := st.AnomalySignals(context.Background(), report.ID)
	if len(stored) != report.SignalCount {
		t.Fatalf("stored %d signals, report says %d", len(stored), report.SignalCount)
	}
}

func TestCombineNoisyOR(t *testing.T) {
	weights := map[string]float64{"a": 1, "b": 1}
	single := Combine([]core.AnomalySignal{{Detector: "a", Score: 0.5}}, weights)
	if single != 0.5 {
		t.Fatalf("single signal = %v, want 0.5", single)
	}
	both := Combine([]core.AnomalySignal{{Detector: "a", Score: 0.5}, {Detector: "b", Score: 0.5}}, weights)
	if both != 0.75 {
		t.Fatalf("two signals = %v, want 0.75", both)
	}
	if got := Combine(nil, weights); got != 0 {
		t.Fatalf("no signals = %v, want 0", got)
	}
}

func TestClassifyBands(t *testing.T) {
	cases := []struct {
		score float64
		want  core.FraudClassification
	}{
		{0.0, core.FraudClean},
		{0.29, core.FraudClean},
		{0.3, core.FraudLowConfidence},
		{0.5, core.FraudSuspicious},
		{0.7, core.FraudLikely},
		{0.9, core.FraudConfirmed},
		{1.0, core.FraudConfirmed},
	}
	for _, c := range cases {
		if got := Classify(c.score); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestConfirmedResponsePlan(t *testing.T) {
	st, _, _, rs, _ := newFixture(t)
	ctx := context.Background()
	h := seedHeuristic(t, st, core.Heuristic{Domain: "testing", Rule: "r", Confidence: 0.95, ConfidenceEMA: 0.95})
	report, _ := st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: h.ID, FraudScore: 0.95, Classification: core.FraudConfirmed}, nil)

	responses, err := rs.Respond(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	got := map[core.ResponseAction]bool{}
	for _, r := range responses {
		got[r.Action] = true
		if r.ExecutedAt.IsZero() {
			t.Fatalf("response %s missing executed_at", r.Action)
		}
	}
	for _, want := range []core.ResponseAction{core.ActionAlert, core.ActionQuarantine, core.ActionConfidenceReset, core.ActionCEOEscalation} {
		if !got[want] {
			t.Fatalf("missing action %s in %v", want, got)
		}
	}
	if got[core.ActionAutoDeprecate] {
		t.Fatal("first confirmed report should not auto-deprecate")
	}

	after, _ := st.GetHeuristic(ctx, h.ID)
	if !after.IsQuarantined {
		t.Fatal("heuristic not quarantined")
	}
	if after.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want baseline 0.5", after.Confidence)
	}
}

func TestRepeatOffenderAutoDeprecates(t *testing.T) {
	st, _, _, rs, _ := newFixture(t)
	ctx := context.Background()
	h := seedHeuristic(t, st, core.Heuristic{Domain: "testing", Rule: "r", Confidence: 0.9, ConfidenceEMA: 0.9})
	for i := 0; i < 2; i++ {
		st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: h.ID, Classification: core.FraudConfirmed}, nil)
	}
	report, _ := st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: h.ID, FraudScore: 0.95, Classification: core.FraudConfirmed}, nil)

	if _, err := rs.Respond(ctx, report); err != nil {
		t.Fatal(err)
	}
	after, _ := st.GetHeuristic(ctx, h.ID)
	if after.Status != core.HeuristicDeprecated {
		t.Fatalf("status = %s, want deprecated", after.Status)
	}
}

func TestGoldenNeverAutoDeprecated(t *testing.T) {
	st, _, _, rs, _ := newFixture(t)
	ctx := context.Background()
	h := seedHeuristic(t, st, core.Heuristic{Domain: "testing", Rule: "r", IsGolden: true, Confidence: 0.95, ConfidenceEMA: 0.95})
	for i := 0; i < 3; i++ {
		st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: h.ID, Classification: core.FraudConfirmed}, nil)
	}
	report, _ := st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: h.ID, Classification: core.FraudConfirmed}, nil)

	actions, err := rs.Actions(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range actions {
		if a == core.ActionAutoDeprecate {
			t.Fatal("golden heuristic planned for auto-deprecation")
		}
	}
}

func TestExecuteIdempotent(t *testing.T) {
	st, _, _, rs, _ := newFixture(t)
	ctx := context.Background()
	h := seedHeuristic(t, st, core.Heuristic{Domain: "testing", Rule: "r"})
	report, _ := st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: h.ID, Classification: core.FraudSuspicious}, nil)

	if _, err := rs.Execute(ctx, report, core.ActionRateLimitTighten); err != nil {
		t.Fatal(err)
	}
	first, _ := st.GetHeuristic(ctx, h.ID)
	if _, err := rs.Execute(ctx, report, core.ActionRateLimitTighten); err != nil {
		t.Fatal(err)
	}
	second, _ := st.GetHeuristic(ctx, h.ID)
	if first.DailyCapOverride != second.DailyCapOverride {
		t.Fatalf("re-execution changed state: %d vs %d", first.DailyCapOverride, second.DailyCapOverride)
	}
}

func TestRollbackReversesEachAction(t *testing.T) {
	st, _, _, rs, now := newFixture(t)
	ctx := context.Background()
	h := seedHeuristic(t, st, core.Heuristic{Domain: "testing", Rule: "r", Confidence: 0.9, ConfidenceEMA: 0.9})
	report, _ := st.CreateFraudReport(ctx, core.FraudReport{HeuristicID: h.ID, Classification: core.FraudConfirmed}, nil)

	responses, err := rs.Respond(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	for _, resp := range responses {
		if err := rs.Rollback(ctx, resp); err != nil {
			t.Fatalf("rollback %s: %v", resp.Action, err)
		}
	}
	after, _ := st.GetHeuristic(ctx, h.ID)
	if after.IsQuarantined {
		t.Fatal("quarantine not rolled back")
	}
	if after.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want pre-reset 0.9", after.Confidence)
	}
	stored, _ := st.FraudResponses(ctx, h.ID)
	for _, resp := range stored {
		if resp.RollbackAt == nil || !resp.RollbackAt.Equal(*now) {
			t.Fatalf("response %s missing rollback stamp", resp.Action)
		}
	}
}
