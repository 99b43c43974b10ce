package profiler

import (
	"fmt"
	"math"
	"sync"
	"time"

	"metersentry/internal/config"
	"metersentry/internal/model"
)

// Feature weights for the combined anomaly score. They sum to 1.
const (
	weightValue     = 0.30
	weightTiming    = 0.20
	weightSequence  = 0.25
	weightSignature = 0.15
	weightPattern   = 0.10
)

type profile struct {
	mu sync.Mutex

	valueMean float64
	valueVar  float64
	valueMin  float64
	valueMax  float64

	meanInterval float64
	meanGap      float64

	lastTs    int64
	lastSeq   int64
	lastValue float64

	signatures   []string
	scoreHistory []float64
	sampleCount  int
	lastUpdate   time.Time
}

// Result is a profiler verdict for one reading.
type Result struct {
	Suspicious    bool               `json:"suspicious"`
	Score         float64            `json:"score"`
	Threshold     float64            `json:"threshold"`
	Confidence    float64            `json:"confidence"`
	Reasons       []string           `json:"reasons"`
	FeatureScores map[string]float64 `json:"feature_scores"`
}

// Profiler learns per-source baselines online with exponential moving
// averages and scores each reading against an adaptive threshold. It owns all
// SourceProfile state; nothing else mutates it.
type Profiler struct {
	cfg config.ProfilerConfig

	mu       sync.Mutex
	profiles map[string]*profile
	now      func() time.Time
}

func New(cfg config.ProfilerConfig) *Profiler {
	return &Profiler{
		cfg:      cfg,
		profiles: make(map[string]*profile),
		now:      time.Now,
	}
}

// Analyze scores the reading, then folds it into the source's profile.
func (p *Profiler) Analyze(r model.Reading) Result {
	prof := p.profile(r.SourceID)
	prof.mu.Lock()
	defer prof.mu.Unlock()

	feat := extractFeatures(r, prof)
	var scores map[string]float64
	if prof.sampleCount < p.cfg.MinSamples {
		scores = heuristicScores(feat)
	} else {
		scores = prof.learnedScores(feat)
	}
	score := model.Clamp01(
		scores["value"]*weightValue +
			scores["timing"]*weightTiming +
			scores["sequence"]*weightSequence +
			scores["signature"]*weightSignature +
			scores["pattern"]*weightPattern)

	threshold := prof.threshold(p.cfg.DefaultThreshold)
	confidence := prof.confidence()

	var reasons []string
	for _, name := range []string{"value", "timing", "sequence", "signature", "pattern"} {
		if scores[name] > 0.5 {
			reasons = append(reasons, fmt.Sprintf("%s-anomaly (%.3f)", name, scores[name]))
		}
	}

	prof.update(r, feat, score, p.cfg)
	prof.lastUpdate = p.now().UTC()

	return Result{
		Suspicious:    score > threshold,
		Score:         score,
		Threshold:     threshold,
		Confidence:    confidence,
		Reasons:       reasons,
		FeatureScores: scores,
	}
}

type features struct {
	value      float64
	interval   float64
	seqGap     float64
	sigLength  int
	sigEntropy float64
	hour       int
	changeRate float64
}

func extractFeatures(r model.Reading, prof *profile) features {
	f := features{
		value:      r.Value,
		sigLength:  len(r.Signature),
		sigEntropy: entropy(r.Signature),
		hour:       time.Unix(r.Ts, 0).Hour(),
	}
	if prof.lastTs > 0 {
		f.interval = float64(r.Ts - prof.lastTs)
	}
	if prof.lastSeq > 0 {
		f.seqGap = float64(r.Seq - prof.lastSeq)
	}
	if prof.lastValue > 0 {
		f.changeRate = (r.Value - prof.lastValue) / prof.lastValue
	}
	return f
}

func (prof *profile) learnedScores(f features) map[string]float64 {
	scores := make(map[string]float64, 5)

	std := math.Sqrt(prof.valueVar)
	if std > 0 {
		scores["value"] = deviationScore(math.Abs(f.value-prof.valueMean) / std)
	}

	switch {
	case f.interval <= 0 || prof.meanInterval <= 0:
		scores["timing"] = 0.5
	case f.interval != prof.meanInterval:
		scores["timing"] = deviationScore(math.Abs(f.interval-prof.meanInterval) / math.Max(prof.meanInterval*0.25, 1))
	}

	switch {
	case f.seqGap <= 0:
		scores["sequence"] = 0.8
	case prof.meanGap > 0 && f.seqGap != prof.meanGap:
		scores["sequence"] = deviationScore(math.Abs(f.seqGap-prof.meanGap) / math.Max(prof.meanGap*0.5, 1))
	default:
		scores["sequence"] = 0.1
	}

	var sig float64
	if f.sigLength < 130 || f.sigLength > 132 {
		sig += 0.3
	}
	if f.sigEntropy < 3.0 || f.sigEntropy > 4.5 {
		sig += 0.2
	}
	scores["signature"] = model.Clamp01(sig)

	var pattern float64
	if f.hour < 6 || f.hour > 22 {
		pattern += 0.2
	}
	if math.Abs(f.changeRate) > 0.5 {
		pattern += 0.3
	}
	scores["pattern"] = model.Clamp01(pattern)

	return scores
}

// heuristicScores covers cold-start sources where no learned baseline exists
// yet; fixed thresholds avoid false confidence on the first readings.
func heuristicScores(f features) map[string]float64 {
	scores := map[string]float64{
		"value":     0,
		"timing":    0,
		"sequence":  0.1,
		"signature": 0,
		"pattern":   0.1,
	}
	if f.value > 1000 || f.value < 0 {
		scores["value"] = 0.1
	}
	if f.interval > 300 || f.interval < 0 {
		scores["timing"] = 0.2
	}
	if f.seqGap <= 0 {
		scores["sequence"] = 0.8
	}
	if f.sigLength < 130 || f.sigLength > 132 {
		scores["signature"] = 0.3
	}
	return scores
}

// deviationScore maps a z-score to the two-sided probability mass inside
// [-|z|, |z|]: zero for a reading sitting on the mean, approaching one in the
// tails. Equivalent to 1 - p under the normal approximation.
func deviationScore(z float64) float64 {
	return model.Clamp01(math.Erf(math.Abs(z) / math.Sqrt2))
}

func (prof *profile) threshold(fallback float64) float64 {
	if len(prof.scoreHistory) < 10 {
		return fallback
	}
	recent := tail(prof.scoreHistory, 20)
	m := mean(recent)
	sd := stdev(recent)
	t := m + 2*sd
	if t < 0.3 {
		return 0.3
	}
	if t > 0.9 {
		return 0.9
	}
	return t
}

func (prof *profile) confidence() float64 {
	if prof.sampleCount < 20 {
		return 0.5
	}
	sample := math.Min(float64(prof.sampleCount)/100, 1)
	consistency := 0.5
	if len(prof.scoreHistory) > 10 {
		v := variance(tail(prof.scoreHistory, 10))
		consistency = math.Max(0, 1-v)
	}
	return (sample + consistency) / 2
}

func (prof *profile) update(r model.Reading, f features, score float64, cfg config.ProfilerConfig) {
	alpha := cfg.Alpha

	if prof.sampleCount == 0 {
		prof.valueMean = f.value
		prof.valueMin = f.value
		prof.valueMax = f.value
	} else {
		delta := f.value - prof.valueMean
		prof.valueMean = (1-alpha)*prof.valueMean + alpha*f.value
		prof.valueVar = (1-alpha)*prof.valueVar + alpha*delta*delta
		if f.value < prof.valueMin {
			prof.valueMin = f.value
		}
		if f.value > prof.valueMax {
			prof.valueMax = f.value
		}
	}
	if f.interval > 0 {
		if prof.meanInterval == 0 {
			prof.meanInterval = f.interval
		} else {
			prof.meanInterval = (1-alpha)*prof.meanInterval + alpha*f.interval
		}
	}
	if f.seqGap > 0 {
		if prof.meanGap == 0 {
			prof.meanGap = f.seqGap
		} else {
			prof.meanGap = (1-alpha)*prof.meanGap + alpha*f.seqGap
		}
	}

	prof.signatures = append(prof.signatures, r.Signature)
	if len(prof.signatures) > cfg.HistoryLimit {
		prof.signatures = prof.signatures[len(prof.signatures)-cfg.HistoryLimit:]
	}
	prof.scoreHistory = append(prof.scoreHistory, score)
	if len(prof.scoreHistory) > cfg.HistoryLimit {
		prof.scoreHistory = prof.scoreHistory[len(prof.scoreHistory)-cfg.HistoryLimit:]
	}

	prof.lastTs = r.Ts
	prof.lastSeq = r.Seq
	prof.lastValue = r.Value
	prof.sampleCount++
}

// Snapshot is a read-only view of a learned profile.
type Snapshot struct {
	SourceID     string    `json:"source_id"`
	ValueMean    float64   `json:"value_mean"`
	ValueStd     float64   `json:"value_std"`
	ValueMin     float64   `json:"value_min"`
	ValueMax     float64   `json:"value_max"`
	MeanInterval float64   `json:"mean_interval"`
	MeanGap      float64   `json:"mean_gap"`
	SampleCount  int       `json:"sample_count"`
	HistorySize  int       `json:"anomaly_history_size"`
	LastUpdate   time.Time `json:"last_update"`
}

func (p *Profiler) Snapshot(sourceID string) (Snapshot, bool) {
	p.mu.Lock()
	prof, ok := p.profiles[sourceID]
	p.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	prof.mu.Lock()
	defer prof.mu.Unlock()
	return Snapshot{
		SourceID:     sourceID,
		ValueMean:    prof.valueMean,
		ValueStd:     math.Sqrt(prof.valueVar),
		ValueMin:     prof.valueMin,
		ValueMax:     prof.valueMax,
		MeanInterval: prof.meanInterval,
		MeanGap:      prof.meanGap,
		SampleCount:  prof.sampleCount,
		HistorySize:  len(prof.scoreHistory),
		LastUpdate:   prof.lastUpdate,
	}, true
}

// SourceCount reports how many sources have profiles.
func (p *Profiler) SourceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.profiles)
}

// Cleanup removes profiles idle longer than the horizon. The only deletion
// path for profile state.
func (p *Profiler) Cleanup(idle time.Duration) int {
	cutoff := p.now().Add(-idle)
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed int
	for id, prof := range p.profiles {
		prof.mu.Lock()
		stale := !prof.lastUpdate.IsZero() && prof.lastUpdate.Before(cutoff)
		prof.mu.Unlock()
		if stale {
			delete(p.profiles, id)
			removed++
		}
	}
	return removed
}

func (p *Profiler) profile(sourceID string) *profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[sourceID]
	if !ok {
		prof = &profile{}
		p.profiles[sourceID] = prof
	}
	return prof
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

func variance(values []float64) float64 {
	sd := stdev(values)
	return sd * sd
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func entropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	var e float64
	total := float64(len([]rune(s)))
	for _, c := range counts {
		p := float64(c) / total
		e -= p * math.Log2(p)
	}
	return e
}
