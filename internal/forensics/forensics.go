package forensics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"metersentry/internal/config"
	"metersentry/internal/model"
)

const historyLimit = 100

// Evidence types emitted by the engine.
const (
	EvidenceRollback       = "sequence-rollback"
	EvidenceLargeGap       = "large-sequence-gap"
	EvidenceConstantStride = "constant-sequence-stride"
	EvidenceStale          = "stale-timestamp"
	EvidenceRegularTiming  = "regular-timing"
	EvidenceNegativeValue  = "negative-value"
	EvidenceExtremeValue   = "extreme-value"
	EvidenceSuddenChange   = "sudden-value-change"
	EvidenceSigFormat      = "malformed-signature-format"
	EvidenceSigLength      = "invalid-signature-length"
	EvidenceSigReuse       = "signature-reuse"
	EvidenceCoordinated    = "coordinated-activity"
)

const (
	PatternReplay = "replay_attack"
	PatternTiming = "timing_attack"
)

// Sink receives evidence and patterns for persistence. Failures are logged
// and never block analysis.
type Sink interface {
	SaveEvidence(ctx context.Context, sourceID string, ev model.Evidence) error
	SaveAttackPattern(ctx context.Context, p model.AttackPattern) error
}

type sourceTrail struct {
	mu         sync.Mutex
	seqs       []int64
	timestamps []int64
	values     []float64
	sigs       []string
	sigSeen    map[string]int
	evidence   []model.Evidence
}

type observed struct {
	sourceID string
	ts       int64
	value    float64
	seenAt   time.Time
}

// Analysis is the forensic verdict for a single reading.
type Analysis struct {
	SourceID        string                `json:"source_id"`
	AnomalyDetected bool                  `json:"anomaly_detected"`
	Score           float64               `json:"score"`
	Evidence        []model.Evidence      `json:"evidence"`
	Patterns        []model.AttackPattern `json:"patterns,omitempty"`
	Risk            model.RiskLevel       `json:"risk_level"`
	Recommendations []string              `json:"recommendations"`
}

// Engine keeps append-only evidence trails per source and mines them for
// attack patterns. Evidence is removed only by the retention sweep.
type Engine struct {
	cfg    config.ForensicsConfig
	sink   Sink
	logger *slog.Logger

	mu       sync.Mutex
	trails   map[string]*sourceTrail
	patterns map[string]*model.AttackPattern
	recent   []observed
	now      func() time.Time
}

func New(cfg config.ForensicsConfig, sink Sink, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		trails:   make(map[string]*sourceTrail),
		patterns: make(map[string]*model.AttackPattern),
		now:      time.Now,
	}
}

// AnalyzeReading runs all evidence checks inline and folds the reading into
// the source's trail.
func (e *Engine) AnalyzeReading(ctx context.Context, r model.Reading) Analysis {
	now := e.now().UTC()
	trail := e.trail(r.SourceID)
	trail.mu.Lock()

	var found []model.Evidence
	found = append(found, e.sequenceEvidence(trail, r, now)...)
	found = append(found, e.timingEvidence(trail, r, now)...)
	found = append(found, e.valueEvidence(trail, r, now)...)
	found = append(found, e.signatureEvidence(trail, r, now)...)

	trail.record(r)
	trail.evidence = append(trail.evidence, found...)
	trail.mu.Unlock()

	e.mu.Lock()
	e.recent = append(e.recent, observed{sourceID: r.SourceID, ts: r.Ts, value: r.Value, seenAt: now})
	e.mu.Unlock()

	patterns := e.matchReplayPattern(r.SourceID, found, now)

	for _, ev := range found {
		e.persistEvidence(ctx, r.SourceID, ev)
	}
	for _, p := range patterns {
		e.persistPattern(ctx, p)
	}

	var score float64
	for _, ev := range found {
		score += ev.Severity
	}
	score = model.Clamp01(score)
	risk := riskLevel(score, patterns)

	return Analysis{
		SourceID:        r.SourceID,
		AnomalyDetected: score > 0.5,
		Score:           score,
		Evidence:        found,
		Patterns:        patterns,
		Risk:            risk,
		Recommendations: recommendations(risk),
	}
}

func (e *Engine) sequenceEvidence(trail *sourceTrail, r model.Reading, now time.Time) []model.Evidence {
	var out []model.Evidence
	if n := len(trail.seqs); n > 0 {
		last := trail.seqs[n-1]
		if r.Seq <= last {
			out = append(out, model.Evidence{
				Type:        EvidenceRollback,
				Severity:    0.9,
				Description: fmt.Sprintf("sequence rolled back from %d to %d", last, r.Seq),
				Timestamp:   now,
				Metadata:    map[string]any{"last_seq": last, "seq": r.Seq},
				Confidence:  0.95,
			})
		} else if gap := r.Seq - last; gap > 100 {
			out = append(out, model.Evidence{
				Type:        EvidenceLargeGap,
				Severity:    0.6,
				Description: fmt.Sprintf("sequence gap of %d", gap),
				Timestamp:   now,
				Metadata:    map[string]any{"gap": gap},
				Confidence:  0.8,
			})
		}
	}
	if n := len(trail.seqs); n >= 5 {
		stride := r.Seq - trail.seqs[n-1]
		constant := stride > 1
		for i := n - 4; constant && i < n; i++ {
			if trail.seqs[i]-trail.seqs[i-1] != stride {
				constant = false
			}
		}
		if constant {
			out = append(out, model.Evidence{
				Type:        EvidenceConstantStride,
				Severity:    0.4,
				Description: fmt.Sprintf("constant sequence stride of %d", stride),
				Timestamp:   now,
				Metadata:    map[string]any{"stride": stride},
				Confidence:  0.7,
			})
		}
	}
	return out
}

func (e *Engine) timingEvidence(trail *sourceTrail, r model.Reading, now time.Time) []model.Evidence {
	var out []model.Evidence
	if age := now.Unix() - r.Ts; age > 3600 {
		out = append(out, model.Evidence{
			Type:        EvidenceStale,
			Severity:    0.5,
			Description: fmt.Sprintf("timestamp %ds in the past", age),
			Timestamp:   now,
			Metadata:    map[string]any{"age_seconds": age},
			Confidence:  0.9,
		})
	}
	if n := len(trail.timestamps); n >= 5 {
		intervals := make([]float64, 0, 5)
		prev := trail.timestamps[n-5]
		for _, ts := range trail.timestamps[n-4:] {
			intervals = append(intervals, float64(ts-prev))
			prev = ts
		}
		intervals = append(intervals, float64(r.Ts-trail.timestamps[n-1]))
		m := mean(intervals)
		if m > 0 && stdev(intervals) < 0.1*m {
			out = append(out, model.Evidence{
				Type:        EvidenceRegularTiming,
				Severity:    0.3,
				Description: fmt.Sprintf("machine-regular intervals near %.1fs", m),
				Timestamp:   now,
				Metadata:    map[string]any{"mean_interval": m},
				Confidence:  0.6,
			})
		}
	}
	return out
}

func (e *Engine) valueEvidence(trail *sourceTrail, r model.Reading, now time.Time) []model.Evidence {
	var out []model.Evidence
	if r.Value < 0 {
		out = append(out, model.Evidence{
			Type:        EvidenceNegativeValue,
			Severity:    0.8,
			Description: fmt.Sprintf("negative meter value %.3f", r.Value),
			Timestamp:   now,
			Metadata:    map[string]any{"value": r.Value},
			Confidence:  0.95,
		})
	}
	if r.Value > 10000 {
		out = append(out, model.Evidence{
			Type:        EvidenceExtremeValue,
			Severity:    0.7,
			Description: fmt.Sprintf("extreme meter value %.3f", r.Value),
			Timestamp:   now,
			Metadata:    map[string]any{"value": r.Value},
			Confidence:  0.85,
		})
	}
	if n := len(trail.values); n >= 5 {
		recent := trail.values[n-5:]
		changes := make([]float64, 0, len(recent)-1)
		for i := 1; i < len(recent); i++ {
			changes = append(changes, math.Abs(recent[i]-recent[i-1]))
		}
		avg := mean(changes)
		delta := math.Abs(r.Value - recent[len(recent)-1])
		if avg > 0 && delta > 3*avg {
			out = append(out, model.Evidence{
				Type:        EvidenceSuddenChange,
				Severity:    0.6,
				Description: fmt.Sprintf("value jumped by %.3f against recent average change %.3f", delta, avg),
				Timestamp:   now,
				Metadata:    map[string]any{"change": delta, "avg_change": avg},
				Confidence:  0.7,
			})
		}
	}
	return out
}

func (e *Engine) signatureEvidence(trail *sourceTrail, r model.Reading, now time.Time) []model.Evidence {
	var out []model.Evidence
	sig := r.Signature
	if !strings.HasPrefix(sig, "0x") || !isHex(sig[2:]) {
		out = append(out, model.Evidence{
			Type:        EvidenceSigFormat,
			Severity:    0.8,
			Description: "signature is not 0x-prefixed hex",
			Timestamp:   now,
			Confidence:  0.95,
		})
	}
	if len(sig) < 130 || len(sig) > 132 {
		out = append(out, model.Evidence{
			Type:        EvidenceSigLength,
			Severity:    0.7,
			Description: fmt.Sprintf("signature length %d outside expected range", len(sig)),
			Timestamp:   now,
			Metadata:    map[string]any{"length": len(sig)},
			Confidence:  0.9,
		})
	}
	if trail.sigSeen[sig] > 0 {
		out = append(out, model.Evidence{
			Type:        EvidenceSigReuse,
			Severity:    0.9,
			Description: "signature reused from a previous reading",
			Timestamp:   now,
			Metadata:    map[string]any{"occurrences": trail.sigSeen[sig] + 1},
			Confidence:  0.95,
		})
	}
	return out
}

// matchReplayPattern records a replay_attack pattern when a single reading
// carries both signature reuse and a sequence rollback.
func (e *Engine) matchReplayPattern(sourceID string, found []model.Evidence, now time.Time) []model.AttackPattern {
	var reuse, rollback bool
	for _, ev := range found {
		switch ev.Type {
		case EvidenceSigReuse:
			reuse = true
		case EvidenceRollback:
			rollback = true
		}
	}
	if !reuse || !rollback {
		return nil
	}
	p := e.upsertPattern(sourceID, PatternReplay,
		fmt.Sprintf("replayed signed reading on %s", sourceID), 0.9, now)
	return []model.AttackPattern{p}
}

func (e *Engine) upsertPattern(sourceID, patternType, description string, severity float64, now time.Time) model.AttackPattern {
	key := patternType + "|" + sourceID
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[key]
	if !ok {
		p = &model.AttackPattern{
			PatternID:   uuid.NewString(),
			PatternType: patternType,
			Description: description,
			Frequency:   1,
			FirstSeen:   now,
			LastSeen:    now,
			Severity:    severity,
		}
		e.patterns[key] = p
	} else {
		p.Frequency++
		p.LastSeen = now
		if severity > p.Severity {
			p.Severity = severity
		}
	}
	return *p
}

// StartCycle runs the periodic analysis loop: cross-source correlation,
// timing-pattern mining and the retention sweep.
func (e *Engine) StartCycle(ctx context.Context) {
	interval := e.cfg.CycleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runCycle(ctx)
			}
		}
	}()
}

func (e *Engine) runCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil && e.logger != nil {
			e.logger.Error("forensic cycle panicked", "panic", rec)
		}
	}()
	e.detectCoordinated(ctx)
	e.detectTimingPatterns(ctx)
	removed := e.sweepRetention()
	if removed > 0 && e.logger != nil {
		e.logger.Info("forensic retention sweep", "removed", removed)
	}
}

// detectCoordinated flags groups of three or more sources reporting nearly
// identical values inside the coincidence span.
func (e *Engine) detectCoordinated(ctx context.Context) {
	span := int64(e.cfg.CoincidenceSpan / time.Second)
	if span <= 0 {
		span = 60
	}
	now := e.now().UTC()

	e.mu.Lock()
	window := make([]observed, len(e.recent))
	copy(window, e.recent)
	e.mu.Unlock()

	cutoff := now.Unix() - span
	flagged := make(map[string]struct{})
	for i, a := range window {
		if a.ts < cutoff {
			continue
		}
		involved := map[string]struct{}{a.sourceID: {}}
		for _, b := range window[i+1:] {
			if b.sourceID == a.sourceID || b.ts < cutoff {
				continue
			}
			if abs64(b.ts-a.ts) <= span && math.Abs(b.value-a.value) <= 0.1 {
				involved[b.sourceID] = struct{}{}
			}
		}
		if len(involved) < 3 {
			continue
		}
		for sourceID := range involved {
			if _, done := flagged[sourceID]; done {
				continue
			}
			flagged[sourceID] = struct{}{}
			ev := model.Evidence{
				Type:        EvidenceCoordinated,
				Severity:    0.8,
				Description: fmt.Sprintf("%d sources reported value %.3f within %ds", len(involved), a.value, span),
				Timestamp:   now,
				Metadata:    map[string]any{"sources": len(involved), "value": a.value},
				Confidence:  0.8,
			}
			trail := e.trail(sourceID)
			trail.mu.Lock()
			trail.evidence = append(trail.evidence, ev)
			trail.mu.Unlock()
			e.persistEvidence(ctx, sourceID, ev)
		}
	}
}

// detectTimingPatterns promotes sources with four or more regular-timing
// observations into a timing_attack pattern.
func (e *Engine) detectTimingPatterns(ctx context.Context) {
	now := e.now().UTC()
	e.mu.Lock()
	sources := make([]string, 0, len(e.trails))
	for id := range e.trails {
		sources = append(sources, id)
	}
	e.mu.Unlock()

	for _, id := range sources {
		trail := e.trail(id)
		trail.mu.Lock()
		regular := 0
		for _, ev := range trail.evidence {
			if ev.Type == EvidenceRegularTiming {
				regular++
			}
		}
		trail.mu.Unlock()
		if regular < 4 {
			continue
		}
		p := e.upsertPattern(id, PatternTiming,
			fmt.Sprintf("automated submission cadence on %s", id), 0.6, now)
		e.persistPattern(ctx, p)
	}
}

// sweepRetention is the only path that deletes evidence.
func (e *Engine) sweepRetention() int {
	horizon := e.cfg.RetentionHorizon
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	cutoff := e.now().UTC().Add(-horizon)

	e.mu.Lock()
	keep := e.recent[:0]
	recentCutoff := e.now().Add(-10 * time.Minute)
	for _, o := range e.recent {
		if o.seenAt.After(recentCutoff) {
			keep = append(keep, o)
		}
	}
	e.recent = keep
	trails := make([]*sourceTrail, 0, len(e.trails))
	for _, t := range e.trails {
		trails = append(trails, t)
	}
	e.mu.Unlock()

	removed := 0
	for _, trail := range trails {
		trail.mu.Lock()
		kept := trail.evidence[:0]
		for _, ev := range trail.evidence {
			if ev.Timestamp.After(cutoff) {
				kept = append(kept, ev)
			} else {
				removed++
			}
		}
		trail.evidence = kept
		trail.mu.Unlock()
	}
	return removed
}

// SourceAnalysis summarises the retained evidence for one source.
type SourceAnalysis struct {
	SourceID       string                `json:"source_id"`
	EvidenceCount  int                   `json:"evidence_count"`
	EvidenceByType map[string]int        `json:"evidence_by_type"`
	RecentScore    float64               `json:"recent_score"`
	Risk           model.RiskLevel       `json:"risk_level"`
	Patterns       []model.AttackPattern `json:"patterns,omitempty"`
	Recommendation []string              `json:"recommendations"`
}

func (e *Engine) SourceAnalysis(sourceID string) SourceAnalysis {
	trail := e.trail(sourceID)
	trail.mu.Lock()
	byType := make(map[string]int)
	var recentScore float64
	hourAgo := e.now().UTC().Add(-time.Hour)
	for _, ev := range trail.evidence {
		byType[ev.Type]++
		if ev.Timestamp.After(hourAgo) {
			recentScore += ev.Severity
		}
	}
	count := len(trail.evidence)
	trail.mu.Unlock()

	recentScore = model.Clamp01(recentScore)

	e.mu.Lock()
	var patterns []model.AttackPattern
	for key, p := range e.patterns {
		if strings.HasSuffix(key, "|"+sourceID) {
			patterns = append(patterns, *p)
		}
	}
	e.mu.Unlock()

	risk := riskLevel(recentScore, patterns)

	return SourceAnalysis{
		SourceID:       sourceID,
		EvidenceCount:  count,
		EvidenceByType: byType,
		RecentScore:    recentScore,
		Risk:           risk,
		Patterns:       patterns,
		Recommendation: recommendations(risk),
	}
}

// SystemForensics is the fleet-wide summary.
type SystemForensics struct {
	SourcesTracked  int            `json:"sources_tracked"`
	EvidenceTotal   int            `json:"evidence_total"`
	EvidenceByType  map[string]int `json:"evidence_by_type"`
	PatternTotal    int            `json:"pattern_total"`
	PatternsByType  map[string]int `json:"patterns_by_type"`
	HighRiskSources []string       `json:"high_risk_sources"`
}

func (e *Engine) SystemForensics() SystemForensics {
	e.mu.Lock()
	sources := make([]string, 0, len(e.trails))
	for id := range e.trails {
		sources = append(sources, id)
	}
	patternsByType := make(map[string]int)
	maxPatternSev := make(map[string]float64)
	for key, p := range e.patterns {
		patternsByType[p.PatternType]++
		if i := strings.LastIndex(key, "|"); i >= 0 {
			id := key[i+1:]
			if p.Severity > maxPatternSev[id] {
				maxPatternSev[id] = p.Severity
			}
		}
	}
	patternTotal := len(e.patterns)
	e.mu.Unlock()

	out := SystemForensics{
		SourcesTracked: len(sources),
		EvidenceByType: make(map[string]int),
		PatternTotal:   patternTotal,
		PatternsByType: patternsByType,
	}
	hourAgo := e.now().UTC().Add(-time.Hour)
	for _, id := range sources {
		trail := e.trail(id)
		trail.mu.Lock()
		var recentScore float64
		for _, ev := range trail.evidence {
			out.EvidenceByType[ev.Type]++
			if ev.Timestamp.After(hourAgo) {
				recentScore += ev.Severity
			}
		}
		out.EvidenceTotal += len(trail.evidence)
		trail.mu.Unlock()
		if riskFromScore(math.Max(model.Clamp01(recentScore), maxPatternSev[id])) == model.RiskHigh {
			out.HighRiskSources = append(out.HighRiskSources, id)
		}
	}
	return out
}

func (e *Engine) persistEvidence(ctx context.Context, sourceID string, ev model.Evidence) {
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveEvidence(ctx, sourceID, ev); err != nil && e.logger != nil {
		e.logger.Error("failed to persist evidence", "source_id", sourceID, "type", ev.Type, "error", err)
	}
}

func (e *Engine) persistPattern(ctx context.Context, p model.AttackPattern) {
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveAttackPattern(ctx, p); err != nil && e.logger != nil {
		e.logger.Error("failed to persist attack pattern", "pattern_type", p.PatternType, "error", err)
	}
}

func (e *Engine) trail(sourceID string) *sourceTrail {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trails[sourceID]
	if !ok {
		t = &sourceTrail{sigSeen: make(map[string]int)}
		e.trails[sourceID] = t
	}
	return t
}

func (t *sourceTrail) record(r model.Reading) {
	t.seqs = appendBoundedI64(t.seqs, r.Seq)
	t.timestamps = appendBoundedI64(t.timestamps, r.Ts)
	t.values = append(t.values, r.Value)
	if len(t.values) > historyLimit {
		t.values = t.values[len(t.values)-historyLimit:]
	}
	t.sigs = append(t.sigs, r.Signature)
	t.sigSeen[r.Signature]++
	if len(t.sigs) > historyLimit {
		old := t.sigs[0]
		t.sigs = t.sigs[1:]
		if t.sigSeen[old] <= 1 {
			delete(t.sigSeen, old)
		} else {
			t.sigSeen[old]--
		}
	}
}

// riskLevel grades the larger of the anomaly score and the worst matched
// pattern severity.
func riskLevel(score float64, patterns []model.AttackPattern) model.RiskLevel {
	for _, p := range patterns {
		if p.Severity > score {
			score = p.Severity
		}
	}
	return riskFromScore(score)
}

func riskFromScore(score float64) model.RiskLevel {
	switch {
	case score > 0.8:
		return model.RiskHigh
	case score > 0.5:
		return model.RiskMedium
	case score > 0.2:
		return model.RiskLow
	default:
		return model.RiskNormal
	}
}

func recommendations(risk model.RiskLevel) []string {
	switch risk {
	case model.RiskHigh:
		return []string{"isolate source pending investigation", "audit signing key custody"}
	case model.RiskMedium:
		return []string{"increase sampling for this source", "review recent readings manually"}
	case model.RiskLow:
		return []string{"continue monitoring"}
	default:
		return []string{"no action required"}
	}
}

func appendBoundedI64(values []int64, v int64) []int64 {
	values = append(values, v)
	if len(values) > historyLimit {
		values = values[len(values)-historyLimit:]
	}
	return values
}

func isHex(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
