package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/waggle/internal/core"
)

func (s *Store) GetDomainMetadata(ctx context.Context, domain string) (core.DomainMetadata, error) {
	row := s.db.QueryRow(
		`SELECT domain, soft_limit, hard_limit, current_count, state, overflow_since, critical_since, override_recorded, updated_at
		 FROM domain_metadata WHERE domain = ?`, domain,
	)
	var (
		m                        core.DomainMetadata
		state                    string
		overflowSince, criticalSince sql.NullString
		override                 int
		updatedAt                string
	)
	err := row.Scan(&m.Domain, &m.SoftLimit, &m.HardLimit, &m.CurrentCount, &state, &overflowSince, &criticalSince, &override, &updatedAt)
	if err == sql.ErrNoRows {
		return core.DomainMetadata{}, fmt.Errorf("domain %s: %w", domain, core.ErrNotFound)
	}
	if err != nil {
		return core.DomainMetadata{}, fmt.Errorf("get domain metadata: %w", err)
	}
	m.State = core.DomainState(state)
	if overflowSince.Valid && overflowSince.String != "" {
		t := parseTime(overflowSince.String)
		m.OverflowSince = &t
	}
	if criticalSince.Valid && criticalSince.String != "" {
		t := parseTime(criticalSince.String)
		m.CriticalSince = &t
	}
	m.OverrideRecorded = override != 0
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func (s *Store) PutDomainMetadata(ctx context.Context, m core.DomainMetadata) error {
	_, err := s.db.Exec(
		`INSERT INTO domain_metadata (domain, soft_limit, hard_limit, current_count, state, overflow_since, critical_since, override_recorded, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		   soft_limit=excluded.soft_limit, hard_limit=excluded.hard_limit,
		   current_count=excluded.current_count, state=excluded.state,
		   overflow_since=excluded.overflow_since, critical_since=excluded.critical_since,
		   override_recorded=excluded.override_recorded, updated_at=excluded.updated_at`,
		m.Domain, m.SoftLimit, m.HardLimit, m.CurrentCount, string(m.State),
		nullableTime(m.OverflowSince), nullableTime(m.CriticalSince), boolInt(m.OverrideRecorded), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put domain metadata: %w", err)
	}
	return nil
}

func (s *Store) GetDomainBaseline(ctx context.Context, domain string) (core.DomainBaseline, error) {
	var b core.DomainBaseline
	err := s.db.QueryRow(
		`SELECT domain, baseline_confidence FROM domain_baselines WHERE domain = ?`, domain,
	).Scan(&b.Domain, &b.BaselineConfidence)
	if err == sql.ErrNoRows {
		return core.DomainBaseline{}, fmt.Errorf("baseline %s: %w", domain, core.ErrNotFound)
	}
	if err != nil {
		return core.DomainBaseline{}, fmt.Errorf("get baseline: %w", err)
	}
	return b, nil
}

func (s *Store) PutDomainBaseline(ctx context.Context, b core.DomainBaseline) error {
	_, err := s.db.Exec(
		`INSERT INTO domain_baselines (domain, baseline_confidence) VALUES (?, ?)
		 ON CONFLICT(domain) DO UPDATE SET baseline_confidence=excluded.baseline_confidence`,
		b.Domain, b.BaselineConfidence,
	)
	if err != nil {
		return fmt.Errorf("put baseline: %w", err)
	}
	return nil
}

func (s *Store) RecordExpansion(ctx context.Context, e core.ExpansionEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO expansion_events (id, domain, heuristic_id, accepted, reason, novelty, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Domain, e.HeuristicID, boolInt(e.Accepted), e.Reason, e.Novelty, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert expansion event: %w", err)
	}
	return nil
}

func (s *Store) RecordMerge(ctx context.Context, m core.HeuristicMerge) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	sourceJSON, _ := json.Marshal(m.SourceIDs)
	_, err := s.db.Exec(
		`INSERT INTO heuristic_merges (id, domain, source_ids, target_id, strategy, similarity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Domain, string(sourceJSON), m.TargetID, string(m.Strategy), m.Similarity, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert merge: %w", err)
	}
	return nil
}

func (s *Store) Merges(ctx context.Context, domain string) ([]core.HeuristicMerge, error) {
	rows, err := s.db.Query(
		`SELECT id, domain, source_ids, target_id, strategy, similarity, created_at
		 FROM heuristic_merges WHERE domain = ? ORDER BY created_at, id`, domain,
	)
	if err != nil {
		return nil, fmt.Errorf("query merges: %w", err)
	}
	defer rows.Close()

	var out []core.HeuristicMerge
	for rows.Next() {
		var (
			m          core.HeuristicMerge
			sourceJSON string
			strategy   string
			createdAt  string
		)
		if err := rows.Scan(&m.ID, &m.Domain, &sourceJSON, &m.TargetID, &strategy, &m.Similarity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		_ = json.Unmarshal([]byte(sourceJSON), &m.SourceIDs)
		m.Strategy = core.MergeStrategy(strategy)
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertTrail(ctx context.Context, t core.Trail) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO trails (id, location, location_type, scent, strength, agent_id, message, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Location, t.LocationType, string(t.Scent), t.Strength, t.AgentID, t.Message, formatTime(t.CreatedAt), formatTime(t.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert trail: %w", err)
	}
	return nil
}

func (s *Store) ActiveTrails(ctx context.Context, now time.Time) ([]core.Trail, error) {
	rows, err := s.db.Query(
		`SELECT id, location, location_type, scent, strength, agent_id, message, created_at, expires_at
		 FROM trails WHERE expires_at > ? ORDER BY created_at, id`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query trails: %w", err)
	}
	defer rows.Close()

	var out []core.Trail
	for rows.Next() {
		var (
			t                    core.Trail
			scent                string
			createdAt, expiresAt string
		)
		if err := rows.Scan(&t.ID, &t.Location, &t.LocationType, &scent, &t.Strength, &t.AgentID, &t.Message, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan trail: %w", err)
		}
		t.Scent = core.Scent(scent)
		t.CreatedAt = parseTime(createdAt)
		t.ExpiresAt = parseTime(expiresAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteExpiredTrails(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM trails WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired trails: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
