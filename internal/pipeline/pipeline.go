package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"metersentry/internal/admission"
	"metersentry/internal/bus"
	"metersentry/internal/config"
	"metersentry/internal/ensemble"
	"metersentry/internal/forensics"
	"metersentry/internal/gate"
	"metersentry/internal/metrics"
	"metersentry/internal/model"
	"metersentry/internal/profiler"
	"metersentry/internal/storage"
	"metersentry/internal/verify"
)

// Result is the full outcome of processing one submission. Reject is nil iff
// the reading was accepted and persisted.
type Result struct {
	Accepted        bool                  `json:"accepted"`
	Reading         model.Reading         `json:"reading"`
	Verdict         model.Verdict         `json:"verdict"`
	Ensemble        *model.EnsembleResult `json:"ensemble,omitempty"`
	Profile         *profiler.Result      `json:"profile,omitempty"`
	Forensics       *forensics.Analysis   `json:"forensics,omitempty"`
	ScoringDegraded bool                  `json:"scoring_degraded,omitempty"`
	Reject          *model.Reject         `json:"reject,omitempty"`
}

type job struct {
	clientID string
	raw      []byte
}

// Pipeline wires verification, ordering, admission, scoring, persistence and
// broadcast into one path. Scoring is fail-open: a scoring failure yields a
// neutral verdict. Persistence is fail-closed: a save failure rejects.
type Pipeline struct {
	cfg     config.PipelineConfig
	keepRaw bool

	verifier  *verify.Verifier
	gate      *gate.Gate
	admission *admission.Controller
	ensemble  *ensemble.Ensemble
	profiler  *profiler.Profiler
	forensics *forensics.Engine
	store     storage.Store
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger

	queue chan job
	wg    sync.WaitGroup
}

type Deps struct {
	Verifier  *verify.Verifier
	Gate      *gate.Gate
	Admission *admission.Controller
	Ensemble  *ensemble.Ensemble
	Profiler  *profiler.Profiler
	Forensics *forensics.Engine
	Store     storage.Store
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func New(cfg config.PipelineConfig, queueSize int, keepRaw bool, deps Deps) *Pipeline {
	if queueSize <= 0 {
		queueSize = 10000
	}
	return &Pipeline{
		cfg:       cfg,
		keepRaw:   keepRaw,
		verifier:  deps.Verifier,
		gate:      deps.Gate,
		admission: deps.Admission,
		ensemble:  deps.Ensemble,
		profiler:  deps.Profiler,
		forensics: deps.Forensics,
		store:     deps.Store,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		queue:     make(chan job, queueSize),
	}
}

// Run starts the worker pool draining the ingest queue. It returns when the
// context is cancelled and the queue is drained.
func (p *Pipeline) Run(ctx context.Context) {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-p.queue:
					if !ok {
						return
					}
					p.observeQueue()
					p.Process(ctx, j.clientID, j.raw)
				}
			}
		}()
	}
	p.wg.Wait()
}

// SubmitAsync enqueues a raw submission without blocking. It reports false
// when the queue is full; the caller decides how to surface backpressure.
func (p *Pipeline) SubmitAsync(clientID string, raw []byte) bool {
	select {
	case p.queue <- job{clientID: clientID, raw: raw}:
		p.observeQueue()
		return true
	default:
		return false
	}
}

// Process runs the full path for one submission.
func (p *Pipeline) Process(ctx context.Context, clientID string, raw []byte) Result {
	reading, rej := p.verifier.Verify(raw)
	if rej != nil {
		return p.reject(reading, rej)
	}

	reading, rej = p.gate.Check(reading)
	if rej != nil {
		return p.reject(reading, rej)
	}

	if clientID == "" {
		clientID = reading.SourceID
	}
	if decision := p.admission.Allow(clientID); !decision.Allowed {
		r := model.NewReject(model.KindRateLimit, "client over budget")
		r.RetryAfter = decision.RetryAfter
		return p.reject(reading, r)
	}

	result := Result{Accepted: true, Reading: reading}
	ens, prof, forens, degraded := p.score(ctx, reading)
	result.Ensemble = ens
	result.Profile = prof
	result.Forensics = forens
	result.ScoringDegraded = degraded
	result.Verdict = p.mergeVerdict(reading, ens, prof, forens, degraded)

	if rej := p.persist(ctx, reading, result.Verdict); rej != nil {
		return p.reject(reading, rej)
	}

	p.publish(result)
	if p.metrics != nil {
		p.metrics.Accepted.Inc()
		if result.Verdict.Suspicious {
			p.metrics.Suspicious.Inc()
		}
	}
	return result
}

// score runs the three analyzers concurrently under the scoring timeout.
// On timeout the reading still flows: the caller receives nil results and a
// degraded flag.
func (p *Pipeline) score(ctx context.Context, r model.Reading) (*model.EnsembleResult, *profiler.Result, *forensics.Analysis, bool) {
	scoreCtx, cancel := context.WithTimeout(ctx, p.cfg.ScoringTimeout)
	defer cancel()

	type scored struct {
		ens          model.EnsembleResult
		prof         profiler.Result
		forens       forensics.Analysis
		ensFailed    bool
		profFailed   bool
		forensFailed bool
	}
	done := make(chan scored, 1)
	go func() {
		var s scored
		var wg sync.WaitGroup
		// A panic in any scorer degrades the verdict instead of crashing.
		run := func(stage string, failed *bool, fn func()) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					*failed = true
					if p.logger != nil {
						p.logger.Error("scoring stage panicked",
							"stage", stage, "source_id", r.SourceID, "seq", r.Seq, "panic", rec)
					}
				}
			}()
			fn()
		}
		wg.Add(3)
		go run("ensemble", &s.ensFailed, func() { s.ens = p.ensemble.Detect(r) })
		go run("profiler", &s.profFailed, func() { s.prof = p.profiler.Analyze(r) })
		go run("forensics", &s.forensFailed, func() { s.forens = p.forensics.AnalyzeReading(scoreCtx, r) })
		wg.Wait()
		done <- s
	}()

	select {
	case s := <-done:
		if s.ensFailed || s.profFailed || s.forensFailed {
			if p.metrics != nil {
				p.metrics.ScoringFailed.Inc()
			}
			return nil, nil, nil, true
		}
		return &s.ens, &s.prof, &s.forens, false
	case <-scoreCtx.Done():
		if p.metrics != nil {
			p.metrics.ScoringFailed.Inc()
		}
		if p.logger != nil {
			p.logger.Warn("scoring timed out, accepting with neutral verdict",
				"source_id", r.SourceID, "seq", r.Seq)
		}
		return nil, nil, nil, true
	}
}

func (p *Pipeline) mergeVerdict(r model.Reading, ens *model.EnsembleResult, prof *profiler.Result, forens *forensics.Analysis, degraded bool) model.Verdict {
	if degraded {
		return model.Verdict{Reasons: []string{"detector-unavailable"}}
	}
	v := model.Verdict{
		Suspicious:     ens.Suspicious || prof.Suspicious || forens.AnomalyDetected,
		Score:          maxf(ens.OverallScore, prof.Score, forens.Score),
		Confidence:     ens.Confidence,
		ConsensusScore: ens.ConsensusScore,
		RiskLevel:      string(forens.Risk),
	}
	seen := make(map[string]struct{})
	add := func(reason string) {
		if _, ok := seen[reason]; ok {
			return
		}
		seen[reason] = struct{}{}
		v.Reasons = append(v.Reasons, reason)
	}
	for _, reason := range ens.FinalReasons {
		add(reason)
	}
	for _, reason := range prof.Reasons {
		add(reason)
	}
	for _, ev := range forens.Evidence {
		add(ev.Type)
	}
	if r.LargeGap {
		add("large-sequence-gap")
	}
	return v
}

func (p *Pipeline) persist(ctx context.Context, r model.Reading, v model.Verdict) *model.Reject {
	if p.store == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(ctx, p.cfg.StorageTimeout)
	defer cancel()
	stored := model.StoredReading{
		SourceID:   r.SourceID,
		Seq:        r.Seq,
		Ts:         r.Ts,
		Value:      r.Value,
		Suspicious: v.Suspicious,
		Score:      v.Score,
		Reasons:    v.Reasons,
		ReceivedAt: time.Now().UTC(),
	}
	if p.keepRaw {
		stored.Raw = string(r.Raw)
	}
	if err := p.store.SaveReading(saveCtx, stored); err != nil {
		if p.logger != nil {
			p.logger.Error("failed to persist reading",
				"source_id", r.SourceID, "seq", r.Seq, "error", err)
		}
		return model.NewReject(model.KindDBError, "failed to persist reading")
	}
	return nil
}

func (p *Pipeline) publish(result Result) {
	if p.bus == nil {
		return
	}
	r := result.Reading
	p.bus.Publish(bus.TopicAllReadings, "reading", result)
	p.bus.Publish(bus.SourceTopic(r.SourceID), "reading", result)
	if result.Verdict.Suspicious {
		p.bus.Publish(bus.TopicAlerts, "alert", result)
	}
}

func (p *Pipeline) reject(r model.Reading, rej *model.Reject) Result {
	if p.metrics != nil {
		p.metrics.Rejected.WithLabelValues(string(rej.Kind)).Inc()
	}
	if p.logger != nil {
		p.logger.Info("submission rejected",
			"source_id", r.SourceID, "seq", r.Seq, "kind", rej.Kind, "detail", rej.Detail)
	}
	return Result{Reading: r, Reject: rej}
}

func (p *Pipeline) observeQueue() {
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
	}
}

// QueueDepth reports buffered submissions awaiting a worker.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

func maxf(values ...float64) float64 {
	var m float64
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
