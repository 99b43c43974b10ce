package ensemble

import (
	"fmt"
	"sync"
	"time"

	"metersentry/internal/model"
)

type seqState struct {
	mu        sync.Mutex
	sequences []int64
	seen      map[int64]int
	gaps      []float64
	lastSeq   int64
}

// SequenceDetector flags ordering violations, duplicated sequence numbers and
// gaps that deviate from the source's historical gap distribution.
type SequenceDetector struct {
	mu         sync.Mutex
	sources    map[string]*seqState
	confSample int
}

func NewSequenceDetector(confSample int) *SequenceDetector {
	if confSample <= 0 {
		confSample = 50
	}
	return &SequenceDetector{
		sources:    make(map[string]*seqState),
		confSample: confSample,
	}
}

func (d *SequenceDetector) Name() string { return DetectorSequence }

func (d *SequenceDetector) Detect(r model.Reading) model.DetectionResult {
	st := d.state(r.SourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var reasons []string
	var score float64

	if st.lastSeq != 0 && r.Seq <= st.lastSeq {
		reasons = append(reasons, fmt.Sprintf("non-increasing-sequence (%d -> %d)", st.lastSeq, r.Seq))
		score += 0.8
	}

	if st.lastSeq > 0 {
		gap := float64(r.Seq - st.lastSeq)
		st.gaps = append(st.gaps, gap)
		if len(st.gaps) > 100 {
			st.gaps = st.gaps[len(st.gaps)-100:]
		}
		if len(st.gaps) > 5 {
			if sd := stdev(st.gaps); sd > 0 {
				z := abs(gap-mean(st.gaps)) / sd
				if z > 2 {
					reasons = append(reasons, fmt.Sprintf("unusual-sequence-gap (%.0f, z-score: %.2f)", gap, z))
					score += min1(z/2) * 0.4
				}
			}
		}
	}

	if st.seen[r.Seq] > 0 {
		reasons = append(reasons, fmt.Sprintf("sequence-duplication (%d)", r.Seq))
		score += 0.6
	}

	st.sequences = append(st.sequences, r.Seq)
	st.seen[r.Seq]++
	if len(st.sequences) > 100 {
		old := st.sequences[0]
		st.sequences = st.sequences[1:]
		if st.seen[old] <= 1 {
			delete(st.seen, old)
		} else {
			st.seen[old]--
		}
	}
	st.lastSeq = r.Seq

	score = model.Clamp01(score)
	return model.DetectionResult{
		Detector:   DetectorSequence,
		Suspicious: score > 0.5,
		Score:      score,
		Confidence: min1(float64(len(st.sequences)) / float64(d.confSample)),
		Reasons:    reasons,
		Metadata:   map[string]any{"last_seq": st.lastSeq},
		Timestamp:  time.Now().UTC(),
	}
}

func (d *SequenceDetector) state(sourceID string) *seqState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sources[sourceID]
	if !ok {
		st = &seqState{seen: make(map[int64]int)}
		d.sources[sourceID] = st
	}
	return st
}
