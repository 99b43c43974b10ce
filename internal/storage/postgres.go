package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"metersentry/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/metersentry?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			ts BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			raw_json JSONB,
			suspicious BOOLEAN NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			reasons_json JSONB NOT NULL,
			ledger_ref TEXT,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_source_seq ON readings(source_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_received ON readings(received_at)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL,
			evidence_type TEXT NOT NULL,
			severity DOUBLE PRECISION NOT NULL,
			description TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			metadata_json JSONB,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_source_ts ON evidence(source_id, ts)`,
		`CREATE TABLE IF NOT EXISTS attack_patterns (
			pattern_id TEXT PRIMARY KEY,
			pattern_type TEXT NOT NULL,
			description TEXT NOT NULL,
			frequency INTEGER NOT NULL,
			severity DOUBLE PRECISION NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveReading(ctx context.Context, r model.StoredReading) error {
	if s.db == nil {
		return nil
	}
	raw := any(nil)
	if r.Raw != "" {
		raw = r.Raw
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (source_id, seq, ts, value, raw_json, suspicious, score, reasons_json, ledger_ref, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.SourceID,
		r.Seq,
		r.Ts,
		r.Value,
		raw,
		r.Suspicious,
		r.Score,
		encodeJSON(r.Reasons),
		r.LedgerRef,
		receivedAt.UTC(),
	)
	return err
}

func (s *postgresStore) LastSeqs(ctx context.Context) (map[string]int64, error) {
	return s.lastSeqs(ctx)
}

func (s *postgresStore) RecentReadings(ctx context.Context, sourceID string, limit int) ([]model.StoredReading, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, seq, ts, value, raw_json, suspicious, score, reasons_json, ledger_ref, received_at
		FROM readings WHERE source_id = $1 ORDER BY id DESC LIMIT $2`,
		sourceID, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

func (s *postgresStore) SourceSummary(ctx context.Context, sourceID string) (SourceSummary, error) {
	out := SourceSummary{SourceID: sourceID}
	if s.db == nil {
		return out, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE suspicious), COALESCE(MAX(seq), 0)
		FROM readings WHERE source_id = $1`, sourceID)
	if err := row.Scan(&out.ReadingCount, &out.SuspiciousCount, &out.LastSeq); err != nil {
		return out, err
	}
	if out.ReadingCount == 0 {
		return out, nil
	}
	row = s.db.QueryRowContext(ctx,
		`SELECT ts, value, received_at FROM readings WHERE source_id = $1 ORDER BY id DESC LIMIT 1`,
		sourceID)
	if err := row.Scan(&out.LastTs, &out.LastValue, &out.LastReceivedAt); err != nil && err != sql.ErrNoRows {
		return out, err
	}
	return out, nil
}

func (s *postgresStore) SaveEvidence(ctx context.Context, sourceID string, ev model.Evidence) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (source_id, evidence_type, severity, description, confidence, metadata_json, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sourceID,
		ev.Type,
		ev.Severity,
		ev.Description,
		ev.Confidence,
		encodeJSON(ev.Metadata),
		ev.Timestamp.UTC(),
	)
	return err
}

func (s *postgresStore) SaveAttackPattern(ctx context.Context, p model.AttackPattern) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attack_patterns (pattern_id, pattern_type, description, frequency, severity, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pattern_id) DO UPDATE SET
			frequency = EXCLUDED.frequency,
			severity = EXCLUDED.severity,
			last_seen = EXCLUDED.last_seen`,
		p.PatternID,
		p.PatternType,
		p.Description,
		p.Frequency,
		p.Severity,
		p.FirstSeen.UTC(),
		p.LastSeen.UTC(),
	)
	return err
}
