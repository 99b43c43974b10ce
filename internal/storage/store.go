package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"metersentry/internal/config"
	"metersentry/internal/model"
)

// Store persists accepted readings and the forensic trail. A nil Store is a
// valid no-op for callers that tolerate it, but the pipeline treats save
// failures as rejections.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveReading(ctx context.Context, r model.StoredReading) error
	LastSeqs(ctx context.Context) (map[string]int64, error)
	RecentReadings(ctx context.Context, sourceID string, limit int) ([]model.StoredReading, error)
	SourceSummary(ctx context.Context, sourceID string) (SourceSummary, error)
	SaveEvidence(ctx context.Context, sourceID string, ev model.Evidence) error
	SaveAttackPattern(ctx context.Context, p model.AttackPattern) error
}

// SourceSummary aggregates the persisted history of one source.
type SourceSummary struct {
	SourceID        string    `json:"source_id"`
	ReadingCount    int64     `json:"reading_count"`
	SuspiciousCount int64     `json:"suspicious_count"`
	LastSeq         int64     `json:"last_seq"`
	LastTs          int64     `json:"last_ts"`
	LastValue       float64   `json:"last_value"`
	LastReceivedAt  time.Time `json:"last_received_at"`
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) lastSeqs(ctx context.Context) (map[string]int64, error) {
	if b.db == nil {
		return map[string]int64{}, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT source_id, MAX(seq) FROM readings GROUP BY source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var sourceID string
		var seq int64
		if err := rows.Scan(&sourceID, &seq); err != nil {
			return nil, err
		}
		out[sourceID] = seq
	}
	return out, rows.Err()
}

func scanReadings(rows *sql.Rows) ([]model.StoredReading, error) {
	defer rows.Close()
	var out []model.StoredReading
	for rows.Next() {
		var r model.StoredReading
		var raw, ledgerRef sql.NullString
		var reasons string
		if err := rows.Scan(&r.SourceID, &r.Seq, &r.Ts, &r.Value, &raw,
			&r.Suspicious, &r.Score, &reasons, &ledgerRef, &r.ReceivedAt); err != nil {
			return nil, err
		}
		if raw.Valid {
			r.Raw = raw.String
		}
		if ledgerRef.Valid {
			r.LedgerRef = ledgerRef.String
		}
		if reasons != "" {
			_ = json.Unmarshal([]byte(reasons), &r.Reasons)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
