package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/waggle/internal/core"
)

// CreateFraudReport inserts the report and its signals in one transaction
// so a report row never exists without the evidence behind it.
func (s *Store) CreateFraudReport(ctx context.Context, r core.FraudReport, signals []core.AnomalySignal) (core.FraudReport, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.FraudReport{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO fraud_reports (id, heuristic_id, fraud_score, classification, signal_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.HeuristicID, r.FraudScore, string(r.Classification), r.SignalCount, formatTime(r.CreatedAt),
	); err != nil {
		return core.FraudReport{}, fmt.Errorf("insert fraud report: %w", err)
	}
	for _, sig := range signals {
		if sig.ID == "" {
			sig.ID = uuid.NewString()
		}
		if _, err := tx.Exec(
			`INSERT INTO anomaly_signals (id, report_id, heuristic_id, detector, score, severity, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.ID, r.ID, sig.HeuristicID, sig.Detector, sig.Score, sig.Severity, sig.Detail, formatTime(sig.CreatedAt),
		); err != nil {
			return core.FraudReport{}, fmt.Errorf("insert anomaly signal: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.FraudReport{}, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (s *Store) FraudReports(ctx context.Context, heuristicID string) ([]core.FraudReport, error) {
	rows, err := s.db.Query(
		`SELECT id, heuristic_id, fraud_score, classification, signal_count, created_at
		 FROM fraud_reports WHERE heuristic_id = ? ORDER BY created_at, id`,
		heuristicID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fraud reports: %w", err)
	}
	defer rows.Close()

	var out []core.FraudReport
	for rows.Next() {
		var (
			r              core.FraudReport
			classification string
			createdAt      string
		)
		if err := rows.Scan(&r.ID, &r.HeuristicID, &r.FraudScore, &classification, &r.SignalCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fraud report: %w", err)
		}
		r.Classification = core.FraudClassification(classification)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) AnomalySignals(ctx context.Context, reportID string) ([]core.AnomalySignal, error) {
	rows, err := s.db.Query(
		`SELECT id, report_id, heuristic_id, detector, score, severity, detail, created_at
		 FROM anomaly_signals WHERE report_id = ? ORDER BY id`,
		reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("query anomaly signals: %w", err)
	}
	defer rows.Close()

	var out []core.AnomalySignal
	for rows.Next() {
		var (
			sig       core.AnomalySignal
			createdAt string
		)
		if err := rows.Scan(&sig.ID, &sig.ReportID, &sig.HeuristicID, &sig.Detector, &sig.Score, &sig.Severity, &sig.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan anomaly signal: %w", err)
		}
		sig.CreatedAt = parseTime(createdAt)
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) AppendFraudResponse(ctx context.Context, r core.FraudResponse) (core.FraudResponse, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ExecutedAt.IsZero() {
		r.ExecutedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO fraud_responses (id, report_id, heuristic_id, action, detail, executed_at, rollback_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReportID, r.HeuristicID, string(r.Action), r.Detail, formatTime(r.ExecutedAt), nullableTime(r.RollbackAt),
	)
	if err != nil {
		return core.FraudResponse{}, fmt.Errorf("insert fraud response: %w", err)
	}
	return r, nil
}

func (s *Store) FraudResponses(ctx context.Context, heuristicID string) ([]core.FraudResponse, error) {
	rows, err := s.db.Query(
		`SELECT id, report_id, heuristic_id, action, detail, executed_at, rollback_at
		 FROM fraud_responses WHERE heuristic_id = ? ORDER BY executed_at, id`,
		heuristicID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fraud responses: %w", err)
	}
	defer rows.Close()

	var out []core.FraudResponse
	for rows.Next() {
		var (
			r          core.FraudResponse
			action     string
			executedAt string
			rollbackAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ReportID, &r.HeuristicID, &action, &r.Detail, &executedAt, &rollbackAt); err != nil {
			return nil, fmt.Errorf("scan fraud response: %w", err)
		}
		r.Action = core.ResponseAction(action)
		r.ExecutedAt = parseTime(executedAt)
		if rollbackAt.Valid && rollbackAt.String != "" {
			t := parseTime(rollbackAt.String)
			r.RollbackAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) MarkResponseRolledBack(ctx context.Context, responseID string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE fraud_responses SET rollback_at = ? WHERE id = ?`,
		formatTime(at), responseID,
	)
	if err != nil {
		return fmt.Errorf("mark rollback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fraud response %s: %w", responseID, core.ErrNotFound)
	}
	return nil
}
