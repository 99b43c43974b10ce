package ensemble

import (
	"math"

	"metersentry/internal/model"
)

// Detector scores a single reading independently of the other detectors.
// Implementations own their per-source state and must be safe for concurrent
// use.
type Detector interface {
	Name() string
	Detect(r model.Reading) model.DetectionResult
}

const (
	DetectorStatistical = "statistical"
	DetectorSignature   = "signature"
	DetectorTemporal    = "temporal"
	DetectorSequence    = "sequence"
)

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

// stdev is the sample standard deviation; zero for fewer than two values.
func stdev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

func variance(values []float64) float64 {
	s := stdev(values)
	return s * s
}

// shannonEntropy is the per-character entropy of s in bits.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	var entropy float64
	total := float64(len([]rune(s)))
	for _, c := range counts {
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
