package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"metersentry/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:metersentry.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			raw_json TEXT,
			suspicious INTEGER NOT NULL,
			score REAL NOT NULL,
			reasons_json TEXT NOT NULL,
			ledger_ref TEXT,
			received_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_source_seq ON readings(source_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_received ON readings(received_at)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL,
			evidence_type TEXT NOT NULL,
			severity REAL NOT NULL,
			description TEXT NOT NULL,
			confidence REAL NOT NULL,
			metadata_json TEXT,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_source_ts ON evidence(source_id, ts)`,
		`CREATE TABLE IF NOT EXISTS attack_patterns (
			pattern_id TEXT PRIMARY KEY,
			pattern_type TEXT NOT NULL,
			description TEXT NOT NULL,
			frequency INTEGER NOT NULL,
			severity REAL NOT NULL,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveReading(ctx context.Context, r model.StoredReading) error {
	if s.db == nil {
		return nil
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (source_id, seq, ts, value, raw_json, suspicious, score, reasons_json, ledger_ref, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SourceID,
		r.Seq,
		r.Ts,
		r.Value,
		r.Raw,
		r.Suspicious,
		r.Score,
		encodeJSON(r.Reasons),
		r.LedgerRef,
		receivedAt.UTC(),
	)
	return err
}

func (s *sqliteStore) LastSeqs(ctx context.Context) (map[string]int64, error) {
	return s.lastSeqs(ctx)
}

func (s *sqliteStore) RecentReadings(ctx context.Context, sourceID string, limit int) ([]model.StoredReading, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, seq, ts, value, raw_json, suspicious, score, reasons_json, ledger_ref, received_at
		FROM readings WHERE source_id = ? ORDER BY id DESC LIMIT ?`,
		sourceID, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

func (s *sqliteStore) SourceSummary(ctx context.Context, sourceID string) (SourceSummary, error) {
	out := SourceSummary{SourceID: sourceID}
	if s.db == nil {
		return out, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(suspicious), 0), COALESCE(MAX(seq), 0)
		FROM readings WHERE source_id = ?`, sourceID)
	if err := row.Scan(&out.ReadingCount, &out.SuspiciousCount, &out.LastSeq); err != nil {
		return out, err
	}
	if out.ReadingCount == 0 {
		return out, nil
	}
	row = s.db.QueryRowContext(ctx,
		`SELECT ts, value, received_at FROM readings WHERE source_id = ? ORDER BY id DESC LIMIT 1`,
		sourceID)
	if err := row.Scan(&out.LastTs, &out.LastValue, &out.LastReceivedAt); err != nil && err != sql.ErrNoRows {
		return out, err
	}
	return out, nil
}

func (s *sqliteStore) SaveEvidence(ctx context.Context, sourceID string, ev model.Evidence) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence (source_id, evidence_type, severity, description, confidence, metadata_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (s *sqliteStore) SaveAttackPattern(ctx context.Context, p model.AttackPattern) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attack_patterns (pattern_id, pattern_type, description, frequency, severity, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_id) DO UPDATE SET
			frequency = excluded.frequency,
			severity = excluded.severity,
			last_seen = excluded.last_seen`,
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
