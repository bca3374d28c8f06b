// Package sqlite persists waggle's heuristic memory, fraud pipeline,
// domain capacity records, and pheromone trails in a single SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/mistakeknot/waggle/internal/core"
	"github.com/mistakeknot/waggle/internal/storage"
)

//go:embed schema.sql
var schema string

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

type Store struct {
	db dbHandle
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection avoids SQLITE_BUSY and
	// keeps the PRAGMA on the connection that does the work.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const heuristicColumns = `id, domain, rule, confidence, confidence_ema, status,
	times_validated, times_violated, times_contradicted, is_golden, is_quarantined,
	frozen_until, superseded_by, daily_cap_override, update_count_today,
	last_update_day, last_used_at, created_at, updated_at`

func (s *Store) CreateHeuristic(ctx context.Context, h core.Heuristic) (core.Heuristic, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = h.CreatedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO heuristics (`+heuristicColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Domain, h.Rule, h.Confidence, h.ConfidenceEMA, string(h.Status),
		h.TimesValidated, h.TimesViolated, h.TimesContradicted, boolInt(h.IsGolden), boolInt(h.IsQuarantined),
		nullableTime(h.FrozenUntil), h.SupersededBy, h.DailyCapOverride, h.UpdateCountToday,
		h.LastUpdateDay, formatTime(h.LastUsedAt), formatTime(h.CreatedAt), formatTime(h.UpdatedAt),
	)
	if err != nil {
		return core.Heuristic{}, fmt.Errorf("insert heuristic: %w", err)
	}
	return h, nil
}

func (s *Store) GetHeuristic(ctx context.Context, id string) (core.Heuristic, error) {
	row := s.db.QueryRow(`SELECT `+heuristicColumns+` FROM heuristics WHERE id = ?`, id)
	h, err := scanHeuristic(row)
	if err == sql.ErrNoRows {
		return core.Heuristic{}, fmt.Errorf("heuristic %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Heuristic{}, fmt.Errorf("get heuristic: %w", err)
	}
	return h, nil
}

func (s *Store) UpdateHeuristic(ctx context.Context, h core.Heuristic) (core.Heuristic, error) {
	res, err := s.db.Exec(
		`UPDATE heuristics SET domain=?, rule=?, confidence=?, confidence_ema=?, status=?,
		 times_validated=?, times_violated=?, times_contradicted=?, is_golden=?, is_quarantined=?,
		 frozen_until=?, superseded_by=?, daily_cap_override=?, update_count_today=?,
		 last_update_day=?, last_used_at=?, updated_at=?
		 WHERE id=?`,
		h.Domain, h.Rule, h.Confidence, h.ConfidenceEMA, string(h.Status),
		h.TimesValidated, h.TimesViolated, h.TimesContradicted, boolInt(h.IsGolden), boolInt(h.IsQuarantined),
		nullableTime(h.FrozenUntil), h.SupersededBy, h.DailyCapOverride, h.UpdateCountToday,
		h.LastUpdateDay, formatTime(h.LastUsedAt), formatTime(h.UpdatedAt),
		h.ID,
	)
	if err != nil {
		return core.Heuristic{}, fmt.Errorf("update heuristic: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Heuristic{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.Heuristic{}, fmt.Errorf("heuristic %s: %w", h.ID, core.ErrNotFound)
	}
	return h, nil
}

func (s *Store) ListHeuristics(ctx context.Context, domain string, status core.HeuristicStatus) ([]core.Heuristic, error) {
	query := `SELECT ` + heuristicColumns + ` FROM heuristics WHERE 1=1`
	var args []any
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list heuristics: %w", err)
	}
	defer rows.Close()

	var out []core.Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heuristic: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountHeuristics(ctx context.Context, domain string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM heuristics
		 WHERE domain = ? AND superseded_by = '' AND status IN ('active', 'dormant')`,
		domain,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count heuristics: %w", err)
	}
	return n, nil
}

func (s *Store) AppendConfidenceUpdate(ctx context.Context, u core.ConfidenceUpdate) (core.ConfidenceUpdate, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO confidence_updates (id, heuristic_id, old_confidence, new_confidence, delta,
		 raw_target, alpha, update_type, reason, rate_limited, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.HeuristicID, u.OldConfidence, u.NewConfidence, u.Delta,
		u.RawTarget, u.Alpha, string(u.UpdateType), u.Reason, boolInt(u.RateLimited), formatTime(u.CreatedAt),
	)
	if err != nil {
		return core.ConfidenceUpdate{}, fmt.Errorf("insert confidence update: %w", err)
	}
	return u, nil
}

func (s *Store) ConfidenceUpdates(ctx context.Context, heuristicID string, since time.Time) ([]core.ConfidenceUpdate, error) {
	rows, err := s.db.Query(
		`SELECT id, heuristic_id, old_confidence, new_confidence, delta, raw_target, alpha,
		 update_type, reason, rate_limited, created_at
		 FROM confidence_updates
		 WHERE heuristic_id = ? AND created_at >= ?
		 ORDER BY created_at, id`,
		heuristicID, formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query confidence updates: %w", err)
	}
	defer rows.Close()

	var out []core.ConfidenceUpdate
	for rows.Next() {
		var (
			u           core.ConfidenceUpdate
			updateType  string
			rateLimited int
			createdAt   string
		)
		if err := rows.Scan(&u.ID, &u.HeuristicID, &u.OldConfidence, &u.NewConfidence, &u.Delta,
			&u.RawTarget, &u.Alpha, &updateType, &u.Reason, &rateLimited, &createdAt); err != nil {
			return nil, fmt.Errorf("scan confidence update: %w", err)
		}
		u.UpdateType = core.UpdateType(updateType)
		u.RateLimited = rateLimited != 0
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanHeuristic(row scanner) (core.Heuristic, error) {
	var (
		h                        core.Heuristic
		status                   string
		golden, quarantined      int
		frozenUntil              sql.NullString
		lastUsed, created, updated string
	)
	err := row.Scan(&h.ID, &h.Domain, &h.Rule, &h.Confidence, &h.ConfidenceEMA, &status,
		&h.TimesValidated, &h.TimesViolated, &h.TimesContradicted, &golden, &quarantined,
		&frozenUntil, &h.SupersededBy, &h.DailyCapOverride, &h.UpdateCountToday,
		&h.LastUpdateDay, &lastUsed, &created, &updated)
	if err != nil {
		return core.Heuristic{}, err
	}
	h.Status = core.HeuristicStatus(status)
	h.IsGolden = golden != 0
	h.IsQuarantined = quarantined != 0
	if frozenUntil.Valid && frozenUntil.String != "" {
		t := parseTime(frozenUntil.String)
		h.FrozenUntil = &t
	}
	h.LastUsedAt = parseTime(lastUsed)
	h.CreatedAt = parseTime(created)
	h.UpdatedAt = parseTime(updated)
	return h, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
