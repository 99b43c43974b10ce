package ensemble

import (
	"fmt"
	"sync"
	"time"

	"metersentry/internal/model"
)

const bucketLimit = 50

type temporalState struct {
	mu         sync.Mutex
	hourly     map[int][]float64
	daily      map[int][]float64
	timestamps []int64
}

// TemporalDetector learns per-source hour-of-day and day-of-week value
// baselines and flags readings that deviate from their own bucket.
type TemporalDetector struct {
	mu         sync.Mutex
	sources    map[string]*temporalState
	confSample int
}

func NewTemporalDetector(confSample int) *TemporalDetector {
	if confSample <= 0 {
		confSample = 50
	}
	return &TemporalDetector{
		sources:    make(map[string]*temporalState),
		confSample: confSample,
	}
}

func (d *TemporalDetector) Name() string { return DetectorTemporal }

func (d *TemporalDetector) Detect(r model.Reading) model.DetectionResult {
	st := d.state(r.SourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var reasons []string
	var score float64

	t := time.Unix(r.Ts, 0)
	hour := t.Hour()
	day := int(t.Weekday())

	st.hourly[hour] = appendBounded(st.hourly[hour], r.Value, bucketLimit)
	if vals := st.hourly[hour]; len(vals) > 5 {
		if sd := stdev(vals); sd > 0 {
			z := abs(r.Value-mean(vals)) / sd
			if z > 2 {
				reasons = append(reasons, fmt.Sprintf("unusual-hourly-value (hour %d, z-score: %.2f)", hour, z))
				score += min1(z/2) * 0.4
			}
		}
	}

	st.daily[day] = appendBounded(st.daily[day], r.Value, bucketLimit)
	if vals := st.daily[day]; len(vals) > 5 {
		if sd := stdev(vals); sd > 0 {
			z := abs(r.Value-mean(vals)) / sd
			if z > 2 {
				reasons = append(reasons, fmt.Sprintf("unusual-daily-value (day %d, z-score: %.2f)", day, z))
				score += min1(z/2) * 0.3
			}
		}
	}

	if len(st.timestamps) > 0 {
		interval := float64(r.Ts - st.timestamps[len(st.timestamps)-1])
		st.timestamps = append(st.timestamps, r.Ts)
		if len(st.timestamps) > 5 {
			diffs := make([]float64, 0, len(st.timestamps)-1)
			for i := 1; i < len(st.timestamps); i++ {
				diffs = append(diffs, float64(st.timestamps[i]-st.timestamps[i-1]))
			}
			if sd := stdev(diffs); sd > 0 {
				z := abs(interval-mean(diffs)) / sd
				if z > 2 {
					reasons = append(reasons, fmt.Sprintf("unusual-interval (z-score: %.2f)", z))
					score += min1(z/2) * 0.3
				}
			}
		}
	} else {
		st.timestamps = append(st.timestamps, r.Ts)
	}
	if len(st.timestamps) > 100 {
		st.timestamps = st.timestamps[len(st.timestamps)-100:]
	}

	score = model.Clamp01(score)
	return model.DetectionResult{
		Detector:   DetectorTemporal,
		Suspicious: score > 0.5,
		Score:      score,
		Confidence: min1(float64(len(st.timestamps)) / float64(d.confSample)),
		Reasons:    reasons,
		Metadata:   map[string]any{"hour": hour, "day": day, "pattern_size": len(st.timestamps)},
		Timestamp:  time.Now().UTC(),
	}
}

func (d *TemporalDetector) state(sourceID string) *temporalState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sources[sourceID]
	if !ok {
		st = &temporalState{
			hourly: make(map[int][]float64),
			daily:  make(map[int][]float64),
		}
		d.sources[sourceID] = st
	}
	return st
}

func appendBounded(values []float64, v float64, limit int) []float64 {
	values = append(values, v)
	if len(values) > limit {
		values = values[len(values)-limit:]
	}
	return values
}
