package ensemble

import (
	"log/slog"
	"sync"
	"time"

	"metersentry/internal/config"
	"metersentry/internal/model"
)

// Ensemble runs every detector against a reading and combines the results
// through three voting strategies. Weighted voting is the primary verdict;
// the other strategies are reported for observers.
type Ensemble struct {
	detectors []Detector
	logger    *slog.Logger

	mu      sync.RWMutex
	weights map[string]float64
}

func New(cfg config.EnsembleConfig, logger *slog.Logger) (*Ensemble, error) {
	sigDet, err := NewSignatureDetector(0, 100)
	if err != nil {
		return nil, err
	}
	return &Ensemble{
		detectors: []Detector{
			NewStatisticalDetector(cfg.HistoryLimit, cfg.ConfidenceSample),
			sigDet,
			NewTemporalDetector(cfg.ConfidenceSample),
			NewSequenceDetector(cfg.ConfidenceSample),
		},
		logger: logger,
		weights: map[string]float64{
			DetectorStatistical: cfg.Weights.Statistical,
			DetectorSignature:   cfg.Weights.Signature,
			DetectorTemporal:    cfg.Weights.Temporal,
			DetectorSequence:    cfg.Weights.Sequence,
		},
	}, nil
}

// Detect runs all detectors. A detector failure contributes a neutral
// zero-score result instead of aborting the ensemble.
func (e *Ensemble) Detect(r model.Reading) model.EnsembleResult {
	results := make([]model.DetectionResult, 0, len(e.detectors))
	for _, det := range e.detectors {
		results = append(results, e.runDetector(det, r))
	}

	weighted := e.weightedVote(results)
	confidence := confidenceVote(results)
	majority := majorityVote(results)

	var confSum, scoreSum float64
	suspiciousCount := 0
	for _, res := range results {
		confSum += res.Confidence
		scoreSum += res.Score
		if res.Suspicious {
			suspiciousCount++
		}
	}
	n := float64(len(results))
	agreement := float64(maxInt(suspiciousCount, len(results)-suspiciousCount)) / n
	consensusScore := model.Clamp01(0.4*agreement + 0.3*(confSum/n) + 0.3*(scoreSum/n))

	return model.EnsembleResult{
		Suspicious:     weighted.Consensus,
		OverallScore:   model.Clamp01(weighted.Score),
		Confidence:     confSum / n,
		ConsensusScore: consensusScore,
		Detectors:      results,
		Voting: model.VotingSummary{
			Weighted:   weighted,
			Confidence: confidence,
			Majority:   majority,
		},
		FinalReasons: mergeReasons(results),
	}
}

func (e *Ensemble) runDetector(det Detector, r model.Reading) (res model.DetectionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			if e.logger != nil {
				e.logger.Error("detector panicked", "detector", det.Name(), "panic", rec)
			}
			res = model.DetectionResult{
				Detector:  det.Name(),
				Reasons:   []string{"detector-error"},
				Timestamp: time.Now().UTC(),
			}
		}
	}()
	return det.Detect(r)
}

func (e *Ensemble) weightedVote(results []model.DetectionResult) model.VoteResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var suspiciousWeight, totalWeight, weightedScore float64
	for _, res := range results {
		w := e.weights[res.Detector]
		totalWeight += w
		if res.Suspicious {
			suspiciousWeight += w
		}
		weightedScore += res.Score * w
	}
	var ratio, score float64
	if totalWeight > 0 {
		ratio = suspiciousWeight / totalWeight
		score = weightedScore / totalWeight
	}
	return model.VoteResult{
		SuspiciousWeight: suspiciousWeight,
		TotalWeight:      totalWeight,
		SuspiciousRatio:  ratio,
		Score:            score,
		Consensus:        ratio > 0.5,
	}
}

func confidenceVote(results []model.DetectionResult) model.VoteResult {
	var suspiciousWeight, totalWeight, weightedScore float64
	for _, res := range results {
		totalWeight += res.Confidence
		if res.Suspicious {
			suspiciousWeight += res.Confidence
		}
		weightedScore += res.Score * res.Confidence
	}
	var ratio, score float64
	if totalWeight > 0 {
		ratio = suspiciousWeight / totalWeight
		score = weightedScore / totalWeight
	}
	return model.VoteResult{
		SuspiciousWeight: suspiciousWeight,
		TotalWeight:      totalWeight,
		SuspiciousRatio:  ratio,
		Score:            score,
		Consensus:        ratio > 0.5,
	}
}

func majorityVote(results []model.DetectionResult) model.VoteResult {
	suspicious := 0
	var scoreSum float64
	for _, res := range results {
		if res.Suspicious {
			suspicious++
		}
		scoreSum += res.Score
	}
	var ratio, score float64
	if len(results) > 0 {
		ratio = float64(suspicious) / float64(len(results))
		score = scoreSum / float64(len(results))
	}
	return model.VoteResult{
		SuspiciousWeight: float64(suspicious),
		TotalWeight:      float64(len(results)),
		SuspiciousRatio:  ratio,
		Score:            score,
		Consensus:        ratio > 0.5,
	}
}

func mergeReasons(results []model.DetectionResult) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, res := range results {
		for _, reason := range res.Reasons {
			if _, ok := seen[reason]; ok {
				continue
			}
			seen[reason] = struct{}{}
			out = append(out, reason)
		}
	}
	return out
}

// Weights returns a copy of the active detector weights.
func (e *Ensemble) Weights() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

// SetWeights replaces the static detector weights. Re-weighting is an
// explicit operation, never triggered automatically.
func (e *Ensemble) SetWeights(weights map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, w := range weights {
		if _, ok := e.weights[name]; ok && w >= 0 {
			e.weights[name] = w
		}
	}
}

// Performance is per-detector ground-truth feedback used by explicit
// re-weighting.
type Performance struct {
	Correct        int
	FalsePositives int
	FalseNegatives int
}

// ReweightFromPerformance sets each detector's weight proportional to its F1
// score. Weights are left untouched when every F1 is zero.
func (e *Ensemble) ReweightFromPerformance(perf map[string]Performance) {
	f1 := make(map[string]float64, len(perf))
	var total float64
	for name, p := range perf {
		var precision, recall float64
		if p.Correct+p.FalsePositives > 0 {
			precision = float64(p.Correct) / float64(p.Correct+p.FalsePositives)
		}
		if p.Correct+p.FalseNegatives > 0 {
			recall = float64(p.Correct) / float64(p.Correct+p.FalseNegatives)
		}
		if precision+recall > 0 {
			f1[name] = 2 * precision * recall / (precision + recall)
		}
		total += f1[name]
	}
	if total <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range e.weights {
		e.weights[name] = f1[name] / total
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
