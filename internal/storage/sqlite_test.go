package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"metersentry/internal/config"
	"metersentry/internal/model"
)

func testStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(config.StorageConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func storedReading(sourceID string, seq int64, suspicious bool) model.StoredReading {
	return model.StoredReading{
		SourceID:   sourceID,
		Seq:        seq,
		Ts:         1_000_000 + seq,
		Value:      float64(seq) * 1.5,
		Raw:        `{"seq":` + "1" + `}`,
		Suspicious: suspicious,
		Score:      0.25,
		Reasons:    []string{"signature-reuse"},
		ReceivedAt: time.Now().UTC(),
	}
}

func TestSaveAndQueryReadings(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 5; seq++ {
		if err := store.SaveReading(ctx, storedReading("meter-1", seq, seq == 5)); err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}
	if err := store.SaveReading(ctx, storedReading("meter-2", 9, false)); err != nil {
		t.Fatalf("save meter-2: %v", err)
	}

	readings, err := store.RecentReadings(ctx, "meter-1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("count: %d", len(readings))
	}
	if readings[0].Seq != 5 {
		t.Fatalf("newest first expected, got seq %d", readings[0].Seq)
	}
	if len(readings[0].Reasons) != 1 || readings[0].Reasons[0] != "signature-reuse" {
		t.Fatalf("reasons roundtrip: %v", readings[0].Reasons)
	}
}

func TestLastSeqs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 7; seq++ {
		_ = store.SaveReading(ctx, storedReading("meter-1", seq, false))
	}
	_ = store.SaveReading(ctx, storedReading("meter-2", 42, false))

	seqs, err := store.LastSeqs(ctx)
	if err != nil {
		t.Fatalf("last seqs: %v", err)
	}
	if seqs["meter-1"] != 7 || seqs["meter-2"] != 42 {
		t.Fatalf("seqs: %v", seqs)
	}
}

func TestSourceSummary(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 4; seq++ {
		_ = store.SaveReading(ctx, storedReading("meter-1", seq, seq%2 == 0))
	}
	summary, err := store.SourceSummary(ctx, "meter-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.ReadingCount != 4 || summary.SuspiciousCount != 2 || summary.LastSeq != 4 {
		t.Fatalf("summary: %+v", summary)
	}
	empty, err := store.SourceSummary(ctx, "unknown")
	if err != nil {
		t.Fatalf("empty summary: %v", err)
	}
	if empty.ReadingCount != 0 {
		t.Fatalf("unknown source has readings: %+v", empty)
	}
}

func TestEvidencePersistence(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	err := store.SaveEvidence(ctx, "meter-1", model.Evidence{
		Type:        "sequence-rollback",
		Severity:    0.9,
		Description: "sequence rolled back from 10 to 8",
		Timestamp:   time.Now().UTC(),
		Metadata:    map[string]any{"last_seq": 10},
		Confidence:  0.95,
	})
	if err != nil {
		t.Fatalf("save evidence: %v", err)
	}
}

func TestAttackPatternUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	p := model.AttackPattern{
		PatternID:   "pat-1",
		PatternType: "replay_attack",
		Description: "replayed signed reading",
		Frequency:   1,
		FirstSeen:   time.Now().UTC(),
		LastSeen:    time.Now().UTC(),
		Severity:    0.9,
	}
	if err := store.SaveAttackPattern(ctx, p); err != nil {
		t.Fatalf("save pattern: %v", err)
	}
	p.Frequency = 3
	p.LastSeen = p.LastSeen.Add(time.Minute)
	if err := store.SaveAttackPattern(ctx, p); err != nil {
		t.Fatalf("upsert pattern: %v", err)
	}
}
