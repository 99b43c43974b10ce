package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"metersentry/internal/admission"
	"metersentry/internal/bus"
	"metersentry/internal/config"
	"metersentry/internal/ensemble"
	"metersentry/internal/forensics"
	"metersentry/internal/gate"
	"metersentry/internal/pipeline"
	"metersentry/internal/profiler"
	"metersentry/internal/storage"
	"metersentry/internal/verify"
)

type fixture struct {
	server *Server
	key    *secp256k1.PrivateKey
	addr   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	manager := config.NewStaticManager(cfg)

	dsn := "file:" + filepath.Join(t.TempDir(), "api.db")
	store, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))

	detectors, err := ensemble.New(cfg.Ensemble, nil)
	require.NoError(t, err)

	ingressGate := gate.New(cfg.Gate)
	admissionCtl := admission.New(cfg.Admission, nil)
	profiles := profiler.New(cfg.Profiler)
	forensicEngine := forensics.New(cfg.Forensics, store, nil)
	eventBus := bus.New(cfg.Bus.QueueSize)
	t.Cleanup(eventBus.Close)

	pipe := pipeline.New(cfg.Pipeline, 16, true, pipeline.Deps{
		Verifier:  verify.New(),
		Gate:      ingressGate,
		Admission: admissionCtl,
		Ensemble:  detectors,
		Profiler:  profiles,
		Forensics: forensicEngine,
		Store:     store,
		Bus:       eventBus,
	})

	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	raw := key.PubKey().SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(raw[1:])
	sum := h.Sum(nil)

	return &fixture{
		server: &Server{
			cfg:       manager,
			pipeline:  pipe,
			gate:      ingressGate,
			admission: admissionCtl,
			ensemble:  detectors,
			profiler:  profiles,
			forensics: forensicEngine,
			store:     store,
			bus:       eventBus,
			version:   "test",
		},
		key:  key,
		addr: "0x" + hex.EncodeToString(sum[12:]),
	}
}

func (f *fixture) signedReading(t *testing.T, seq int64) []byte {
	t.Helper()
	payload := map[string]any{
		"sourceID": f.addr,
		"seq":      json.Number(strconv.FormatInt(seq, 10)),
		"ts":       json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
		"value":    json.Number("42.5"),
	}
	canonical, err := verify.CanonicalJSON(payload)
	require.NoError(t, err)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n"))
	h.Write([]byte(strconv.Itoa(len(canonical))))
	h.Write(canonical)
	compact := ecdsa.SignCompact(f.key, h.Sum(nil), false)
	rsv := make([]byte, 65)
	copy(rsv, compact[1:])
	rsv[64] = compact[0]
	payload["signature"] = "0x" + hex.EncodeToString(rsv)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitReadingAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp["status"])
	require.Equal(t, f.addr, resp["source_id"])
}

func TestSubmitReadingSchemaError(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/submitReading", []byte(`{"sourceID":""}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "rejected", resp["status"])
	require.Equal(t, "invalid-schema", resp["error"])
}

func TestSubmitReadingReplayConflict(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 7)).Code)

	rec := f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 7))
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "non-increasing-seq", resp["error"])
	require.Equal(t, float64(7), resp["last_seq"])
}

func TestSubmitReadingMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/submitReading", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)

	rec := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, "test", resp["version"])
}

func TestSourceStatusAfterSubmit(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 3)).Code)

	rec := f.do(t, http.MethodGet, "/status/"+f.addr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, float64(3), resp["last_seq"])

	summary := resp["summary"].(map[string]any)
	require.Equal(t, float64(1), summary["reading_count"])
}

func TestReadingsEndpoint(t *testing.T) {
	f := newFixture(t)
	for seq := int64(1); seq <= 3; seq++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, seq)).Code)
	}
	rec := f.do(t, http.MethodGet, "/readings/"+f.addr+"?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, float64(2), resp["count"])
}

func TestForensicsEndpoints(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 1)).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/forensics", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/forensics/"+f.addr, nil).Code)
}

func TestProfileEndpoint(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/profile/"+f.addr, nil).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 1)).Code)
	rec := f.do(t, http.MethodGet, "/profile/"+f.addr, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap profiler.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 1, snap.SampleCount)
}

func TestAdmissionEndpoints(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 1)).Code)

	rec := f.do(t, http.MethodGet, "/admission/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats admission.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.Total)

	rec = f.do(t, http.MethodGet, "/admission/"+f.addr, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/admission/"+f.addr, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admission/"+f.addr, nil).Code)
}

func TestWeightsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/ensemble/weights", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := []byte(`{"weights":{"statistical":0.4,"signature":0.3,"temporal":0.2,"sequence":0.1}}`)
	rec = f.do(t, http.MethodPost, "/ensemble/weights", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Weights map[string]float64 `json:"weights"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0.4, resp.Weights[ensemble.DetectorStatistical])

	rec = f.do(t, http.MethodPost, "/ensemble/weights", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream/"+bus.TopicAllReadings, nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.server.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	// Give the subscriber time to register, then publish through the pipeline.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/submitReading", f.signedReading(t, 1)).Code)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	require.Contains(t, body, "event: reading")
	require.Contains(t, body, f.addr)
}
