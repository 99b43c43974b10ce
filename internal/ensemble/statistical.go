package ensemble

import (
	"fmt"
	"sync"
	"time"

	"metersentry/internal/model"
)

type statSample struct {
	value float64
	ts    int64
	seq   int64
}

type statState struct {
	mu      sync.Mutex
	samples []statSample
}

// StatisticalDetector flags z-score outliers against a rolling window of
// recent values, inter-arrival intervals and sequence gaps per source.
type StatisticalDetector struct {
	mu           sync.Mutex
	sources      map[string]*statState
	historyLimit int
	confSample   int
}

func NewStatisticalDetector(historyLimit, confSample int) *StatisticalDetector {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	if confSample <= 0 {
		confSample = 50
	}
	return &StatisticalDetector{
		sources:      make(map[string]*statState),
		historyLimit: historyLimit,
		confSample:   confSample,
	}
}

func (d *StatisticalDetector) Name() string { return DetectorStatistical }

func (d *StatisticalDetector) Detect(r model.Reading) model.DetectionResult {
	st := d.state(r.SourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var reasons []string
	var score float64

	if len(st.samples) > 10 {
		values := make([]float64, len(st.samples))
		for i, s := range st.samples {
			values[i] = s.value
		}
		m := mean(values)
		sd := stdev(values)
		if sd > 0 {
			z := abs(r.Value-m) / sd
			if z > 3 {
				reasons = append(reasons, fmt.Sprintf("value-outlier (z-score: %.2f)", z))
				score += min1(z/3) * 0.4
			}
		}
	}

	if len(st.samples) > 5 {
		intervals := make([]float64, 0, len(st.samples)-1)
		for i := 1; i < len(st.samples); i++ {
			intervals = append(intervals, float64(st.samples[i].ts-st.samples[i-1].ts))
		}
		m := mean(intervals)
		sd := stdev(intervals)
		if sd > 0 {
			current := float64(r.Ts - st.samples[len(st.samples)-1].ts)
			z := abs(current-m) / sd
			if z > 2 {
				reasons = append(reasons, fmt.Sprintf("timing-anomaly (z-score: %.2f)", z))
				score += min1(z/2) * 0.3
			}
		}
	}

	if len(st.samples) > 0 {
		gap := r.Seq - st.samples[len(st.samples)-1].seq
		if gap <= 0 {
			reasons = append(reasons, "non-increasing-sequence")
			score += 0.8
		} else if gap > 10 {
			reasons = append(reasons, fmt.Sprintf("large-sequence-gap (%d)", gap))
			score += min1(float64(gap)/20) * 0.3
		}
	}

	st.samples = append(st.samples, statSample{value: r.Value, ts: r.Ts, seq: r.Seq})
	if len(st.samples) > d.historyLimit {
		st.samples = st.samples[len(st.samples)-d.historyLimit:]
	}

	score = model.Clamp01(score)
	return model.DetectionResult{
		Detector:   DetectorStatistical,
		Suspicious: score > 0.5,
		Score:      score,
		Confidence: min1(float64(len(st.samples)) / float64(d.confSample)),
		Reasons:    reasons,
		Metadata:   map[string]any{"history_size": len(st.samples)},
		Timestamp:  time.Now().UTC(),
	}
}

func (d *StatisticalDetector) state(sourceID string) *statState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sources[sourceID]
	if !ok {
		st = &statState{}
		d.sources[sourceID] = st
	}
	return st
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
