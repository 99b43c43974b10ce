package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"metersentry/internal/admission"
	"metersentry/internal/bus"
	"metersentry/internal/config"
	"metersentry/internal/ensemble"
	"metersentry/internal/forensics"
	"metersentry/internal/gate"
	"metersentry/internal/metrics"
	"metersentry/internal/model"
	"metersentry/internal/pipeline"
	"metersentry/internal/profiler"
	"metersentry/internal/storage"
)

type Server struct {
	cfg       *config.Manager
	pipeline  *pipeline.Pipeline
	gate      *gate.Gate
	admission *admission.Controller
	ensemble  *ensemble.Ensemble
	profiler  *profiler.Profiler
	forensics *forensics.Engine
	store     storage.Store
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	version   string
}

type Deps struct {
	Pipeline  *pipeline.Pipeline
	Gate      *gate.Gate
	Admission *admission.Controller
	Ensemble  *ensemble.Ensemble
	Profiler  *profiler.Profiler
	Forensics *forensics.Engine
	Store     storage.Store
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Version   string
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if deps.Logger != nil {
			deps.Logger.Info("api disabled")
		}
		return nil
	}
	if deps.Logger != nil {
		deps.Logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:       cfg,
		pipeline:  deps.Pipeline,
		gate:      deps.Gate,
		admission: deps.Admission,
		ensemble:  deps.Ensemble,
		profiler:  deps.Profiler,
		forensics: deps.Forensics,
		store:     deps.Store,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		version:   deps.Version,
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if deps.Logger != nil {
				deps.Logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submitReading", s.handleSubmit)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/", s.handleSourceStatus)
	mux.HandleFunc("/readings/", s.handleReadings)
	mux.HandleFunc("/forensics", s.handleForensics)
	mux.HandleFunc("/forensics/", s.handleSourceForensics)
	mux.HandleFunc("/profile/", s.handleProfile)
	mux.HandleFunc("/admission/stats", s.handleAdmissionStats)
	mux.HandleFunc("/admission/", s.handleAdmissionClient)
	mux.HandleFunc("/ensemble/weights", s.handleWeights)
	mux.HandleFunc("/stream/", s.handleStream)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":     false,
			"status": "rejected",
			"error":  string(model.KindInvalidSchema),
			"detail": "unreadable body",
		})
		return
	}
	clientID := r.Header.Get("X-Client-ID")

	result := s.pipeline.Process(r.Context(), clientID, body)
	if result.Reject != nil {
		s.writeReject(w, result.Reject)
		return
	}
	v := result.Verdict
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"status":     "accepted",
		"source_id":  result.Reading.SourceID,
		"stored_seq": result.Reading.Seq,
		"suspicious": v.Suspicious,
		"score":      v.Score,
		"confidence": v.Confidence,
		"reasons":    v.Reasons,
		"degraded":   result.ScoringDegraded,
	})
}

func (s *Server) writeReject(w http.ResponseWriter, rej *model.Reject) {
	resp := map[string]any{
		"ok":     false,
		"status": "rejected",
		"error":  string(rej.Kind),
		"detail": rej.Detail,
	}
	status := http.StatusBadRequest
	switch rej.Kind {
	case model.KindNonIncreasingSeq:
		status = http.StatusConflict
		resp["last_seq"] = rej.LastSeq
	case model.KindRateLimit:
		status = http.StatusTooManyRequests
		resp["retry_after"] = rej.RetryAfter
		w.Header().Set("Retry-After", strconv.FormatInt(rej.RetryAfter, 10))
	case model.KindDBError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"time":            time.Now().UTC().Format(time.RFC3339Nano),
		"version":         s.version,
		"config_path":     s.cfg.Path(),
		"queue_depth":     s.pipeline.QueueDepth(),
		"sources_tracked": s.profiler.SourceCount(),
		"subscribers":     s.bus.SubscriberCount(),
		"bus_dropped":     s.bus.Dropped(),
		"kafka_enabled":   cfg.Ingest.Kafka.Enabled,
		"storage_driver":  cfg.Storage.Driver,
	})
}

func (s *Server) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sourceID := strings.TrimPrefix(r.URL.Path, "/status/")
	if sourceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	summary, err := s.store.SourceSummary(r.Context(), sourceID)
	if err != nil {
		s.serverError(w, "source summary failed", err)
		return
	}
	resp := map[string]any{
		"source_id": sourceID,
		"last_seq":  s.gate.LastSeq(sourceID),
		"summary":   summary,
	}
	if snap, ok := s.profiler.Snapshot(sourceID); ok {
		resp["profile"] = snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sourceID := strings.TrimPrefix(r.URL.Path, "/readings/")
	if sourceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	readings, err := s.store.RecentReadings(r.Context(), sourceID, limit)
	if err != nil {
		s.serverError(w, "recent readings failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source_id": sourceID,
		"readings":  readings,
		"count":     len(readings),
	})
}

func (s *Server) handleForensics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.forensics.SystemForensics())
}

func (s *Server) handleSourceForensics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sourceID := strings.TrimPrefix(r.URL.Path, "/forensics/")
	if sourceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.forensics.SourceAnalysis(sourceID))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sourceID := strings.TrimPrefix(r.URL.Path, "/profile/")
	snap, ok := s.profiler.Snapshot(sourceID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAdmissionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.admission.Stats())
}

func (s *Server) handleAdmissionClient(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimPrefix(r.URL.Path, "/admission/")
	if clientID == "" || clientID == "stats" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		info, ok := s.admission.ClientInfo(clientID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		s.admission.ResetClient(clientID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"weights": s.ensemble.Weights()})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			Weights     map[string]float64              `json:"weights"`
			Performance map[string]ensemble.Performance `json:"performance"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(req.Performance) > 0 {
			s.ensemble.ReweightFromPerformance(req.Performance)
		} else if len(req.Weights) > 0 {
			s.ensemble.SetWeights(req.Weights)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"weights": s.ensemble.Weights()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleStream serves server-sent events for a topic. Heartbeat comments keep
// idle connections alive; a dropped consumer just misses the newest events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topic := strings.TrimPrefix(r.URL.Path, "/stream/")
	if topic == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe(topic)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := s.cfg.Get().Bus.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "err", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"status": "error",
		"error":  string(model.KindDBError),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
