package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"metersentry/internal/admission"
	"metersentry/internal/bus"
	"metersentry/internal/config"
	"metersentry/internal/ensemble"
	"metersentry/internal/forensics"
	"metersentry/internal/gate"
	"metersentry/internal/model"
	"metersentry/internal/profiler"
	"metersentry/internal/storage"
	"metersentry/internal/verify"
)

type meterKey struct {
	priv *secp256k1.PrivateKey
	addr string
}

func newMeterKey(t *testing.T) meterKey {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw := priv.PubKey().SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(raw[1:])
	sum := h.Sum(nil)
	return meterKey{priv: priv, addr: "0x" + hex.EncodeToString(sum[12:])}
}

func (k meterKey) sign(t *testing.T, payload map[string]any) string {
	t.Helper()
	canonical, err := verify.CanonicalJSON(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n"))
	h.Write([]byte(strconv.Itoa(len(canonical))))
	h.Write(canonical)
	compact := ecdsa.SignCompact(k.priv, h.Sum(nil), false)
	rsv := make([]byte, 65)
	copy(rsv, compact[1:])
	rsv[64] = compact[0]
	return "0x" + hex.EncodeToString(rsv)
}

func (k meterKey) reading(t *testing.T, seq int64, ts int64, value string) []byte {
	t.Helper()
	payload := map[string]any{
		"sourceID": k.addr,
		"seq":      json.Number(strconv.FormatInt(seq, 10)),
		"ts":       json.Number(strconv.FormatInt(ts, 10)),
		"value":    json.Number(value),
	}
	sig := k.sign(t, payload)
	payload["signature"] = sig
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func newTestPipeline(t *testing.T, admissionCfg config.AdmissionConfig, store storage.Store) (*Pipeline, *bus.Bus) {
	t.Helper()
	if store == nil {
		dsn := "file:" + filepath.Join(t.TempDir(), "pipe.db")
		var err error
		store, err = storage.NewSQLite(dsn)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		if err := store.Init(context.Background()); err != nil {
			t.Fatalf("init store: %v", err)
		}
	}
	detectors, err := ensemble.New(config.DefaultConfig().Ensemble, nil)
	if err != nil {
		t.Fatalf("new ensemble: %v", err)
	}
	eventBus := bus.New(100)
	t.Cleanup(eventBus.Close)
	pipe := New(config.PipelineConfig{
		Workers:        2,
		ScoringTimeout: 2 * time.Second,
		StorageTimeout: 5 * time.Second,
	}, 16, true, Deps{
		Verifier:  verify.New(),
		Gate:      gate.New(config.DefaultConfig().Gate),
		Admission: admission.New(admissionCfg, nil),
		Ensemble:  detectors,
		Profiler:  profiler.New(config.DefaultConfig().Profiler),
		Forensics: forensics.New(config.DefaultConfig().Forensics, store, nil),
		Store:     store,
		Bus:       eventBus,
	})
	return pipe, eventBus
}

func openAdmission() config.AdmissionConfig {
	return config.AdmissionConfig{
		Enabled:           true,
		RequestsPerMinute: 1000,
		BurstSize:         100,
		WindowSize:        time.Minute,
		PenaltyDuration:   5 * time.Minute,
	}
}

func TestProcessAcceptsValidReading(t *testing.T) {
	pipe, eventBus := newTestPipeline(t, openAdmission(), nil)
	key := newMeterKey(t)
	sub := eventBus.Subscribe(bus.TopicAllReadings)
	defer eventBus.Unsubscribe(sub)

	result := pipe.Process(context.Background(), "", key.reading(t, 1, time.Now().Unix(), "42.5"))
	if result.Reject != nil {
		t.Fatalf("rejected: %+v", result.Reject)
	}
	if !result.Accepted || result.Reading.SourceID != key.addr {
		t.Fatalf("result: %+v", result)
	}
	if result.Ensemble == nil || result.Profile == nil || result.Forensics == nil {
		t.Fatalf("scoring results missing")
	}

	stored, err := pipe.store.RecentReadings(context.Background(), key.addr, 10)
	if err != nil || len(stored) != 1 {
		t.Fatalf("persisted readings: %d err=%v", len(stored), err)
	}
	select {
	case ev := <-sub.C:
		if ev.Type != "reading" {
			t.Fatalf("event type: %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no broadcast")
	}
}

func TestProcessRejectsTamperedReading(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), nil)
	key := newMeterKey(t)
	raw := key.reading(t, 1, time.Now().Unix(), "10.0")
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	obj["value"] = 9999.0
	tampered, _ := json.Marshal(obj)

	result := pipe.Process(context.Background(), "", tampered)
	if result.Reject == nil || result.Reject.Kind != model.KindInvalidSignature {
		t.Fatalf("expected invalid-signature, got %+v", result.Reject)
	}
}

func TestProcessRejectsSequenceReplay(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), nil)
	key := newMeterKey(t)
	now := time.Now().Unix()
	if res := pipe.Process(context.Background(), "", key.reading(t, 5, now, "1")); res.Reject != nil {
		t.Fatalf("setup reject: %+v", res.Reject)
	}
	res := pipe.Process(context.Background(), "", key.reading(t, 5, now, "2"))
	if res.Reject == nil || res.Reject.Kind != model.KindNonIncreasingSeq {
		t.Fatalf("expected non-increasing-seq, got %+v", res.Reject)
	}
	if res.Reject.LastSeq != 5 {
		t.Fatalf("last_seq: %d", res.Reject.LastSeq)
	}
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), nil)
	key := newMeterKey(t)
	res := pipe.Process(context.Background(), "", key.reading(t, 1, time.Now().Unix()-1000, "1"))
	if res.Reject == nil || res.Reject.Kind != model.KindStaleTimestamp {
		t.Fatalf("expected stale-timestamp, got %+v", res.Reject)
	}
}

func TestProcessRateLimits(t *testing.T) {
	cfg := config.AdmissionConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
		BurstSize:         1,
		WindowSize:        time.Minute,
		PenaltyDuration:   5 * time.Minute,
	}
	pipe, _ := newTestPipeline(t, cfg, nil)
	key := newMeterKey(t)
	now := time.Now().Unix()
	for seq := int64(1); seq <= 2; seq++ {
		if res := pipe.Process(context.Background(), "client-a", key.reading(t, seq, now, "1")); res.Reject != nil {
			t.Fatalf("request %d rejected: %+v", seq, res.Reject)
		}
	}
	res := pipe.Process(context.Background(), "client-a", key.reading(t, 3, now, "1"))
	if res.Reject == nil || res.Reject.Kind != model.KindRateLimit {
		t.Fatalf("expected rate-limit-exceeded, got %+v", res.Reject)
	}
	if res.Reject.RetryAfter <= 0 {
		t.Fatalf("retry_after: %d", res.Reject.RetryAfter)
	}
}

func TestLargeGapForwardedWithReason(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), nil)
	key := newMeterKey(t)
	now := time.Now().Unix()
	if res := pipe.Process(context.Background(), "", key.reading(t, 1, now, "1")); res.Reject != nil {
		t.Fatalf("setup reject: %+v", res.Reject)
	}
	res := pipe.Process(context.Background(), "", key.reading(t, 500, now, "1"))
	if res.Reject != nil {
		t.Fatalf("large gap rejected: %+v", res.Reject)
	}
	found := false
	for _, reason := range res.Verdict.Reasons {
		if reason == "large-sequence-gap" {
			found = true
		}
	}
	if !found {
		t.Fatalf("gap reason missing: %v", res.Verdict.Reasons)
	}
}

type failingStore struct {
	storage.Store
}

func (failingStore) SaveReading(context.Context, model.StoredReading) error {
	return errors.New("disk full")
}
func (failingStore) SaveEvidence(context.Context, string, model.Evidence) error { return nil }

func (failingStore) SaveAttackPattern(context.Context, model.AttackPattern) error { return nil }

func TestPersistFailureRejects(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), failingStore{})
	key := newMeterKey(t)
	res := pipe.Process(context.Background(), "", key.reading(t, 1, time.Now().Unix(), "1"))
	if res.Reject == nil || res.Reject.Kind != model.KindDBError {
		t.Fatalf("expected db-error, got %+v", res.Reject)
	}
}

func TestDegradedVerdictIsNeutral(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), nil)
	v := pipe.mergeVerdict(model.Reading{}, nil, nil, nil, true)
	if v.Suspicious || v.Score != 0 {
		t.Fatalf("degraded verdict not neutral: %+v", v)
	}
	if len(v.Reasons) != 1 || v.Reasons[0] != "detector-unavailable" {
		t.Fatalf("reasons: %v", v.Reasons)
	}
}

func TestScoringPanicFailsOpen(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), nil)
	pipe.profiler = nil
	key := newMeterKey(t)

	res := pipe.Process(context.Background(), "", key.reading(t, 1, time.Now().Unix(), "42.5"))
	if res.Reject != nil {
		t.Fatalf("rejected: %+v", res.Reject)
	}
	if !res.Accepted || !res.ScoringDegraded {
		t.Fatalf("expected degraded acceptance, got %+v", res)
	}
	if res.Ensemble != nil || res.Profile != nil || res.Forensics != nil {
		t.Fatalf("partial scoring results leaked: %+v", res)
	}
	if res.Verdict.Suspicious || res.Verdict.Score != 0 {
		t.Fatalf("degraded verdict not neutral: %+v", res.Verdict)
	}
	if len(res.Verdict.Reasons) != 1 || res.Verdict.Reasons[0] != "detector-unavailable" {
		t.Fatalf("reasons: %v", res.Verdict.Reasons)
	}

	stored, err := pipe.store.RecentReadings(context.Background(), key.addr, 10)
	if err != nil || len(stored) != 1 {
		t.Fatalf("persisted readings: %d err=%v", len(stored), err)
	}
}

func TestSubmitAsyncBackpressure(t *testing.T) {
	pipe, _ := newTestPipeline(t, openAdmission(), nil)
	pipe.queue = make(chan job, 1)
	if !pipe.SubmitAsync("c", []byte("{}")) {
		t.Fatalf("first enqueue failed")
	}
	if pipe.SubmitAsync("c", []byte("{}")) {
		t.Fatalf("second enqueue should report backpressure")
	}
	if pipe.QueueDepth() != 1 {
		t.Fatalf("queue depth: %d", pipe.QueueDepth())
	}
}
