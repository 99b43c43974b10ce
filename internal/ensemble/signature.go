package ensemble

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"metersentry/internal/model"
)

type sigHistory struct {
	mu     sync.Mutex
	recent []string
	seen   map[string]int
}

func (h *sigHistory) contains(sig string) bool {
	return h.seen[sig] > 0
}

func (h *sigHistory) add(sig string, limit int) {
	h.recent = append(h.recent, sig)
	h.seen[sig]++
	if len(h.recent) > limit {
		old := h.recent[0]
		h.recent = h.recent[1:]
		if h.seen[old] <= 1 {
			delete(h.seen, old)
		} else {
			h.seen[old]--
		}
	}
}

// SignatureDetector validates signature shape, entropy and per-source reuse.
// Source histories live in an LRU so the tracked-source set stays bounded.
type SignatureDetector struct {
	sources      *lru.Cache[string, *sigHistory]
	historyLimit int
}

func NewSignatureDetector(trackedSources, historyLimit int) (*SignatureDetector, error) {
	if trackedSources <= 0 {
		trackedSources = 1024
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	cache, err := lru.New[string, *sigHistory](trackedSources)
	if err != nil {
		return nil, err
	}
	return &SignatureDetector{sources: cache, historyLimit: historyLimit}, nil
}

func (d *SignatureDetector) Name() string { return DetectorSignature }

func (d *SignatureDetector) Detect(r model.Reading) model.DetectionResult {
	var reasons []string
	var score float64
	sig := r.Signature

	if len(sig) < 130 || len(sig) > 132 {
		reasons = append(reasons, fmt.Sprintf("invalid-signature-length (%d)", len(sig)))
		score += 0.6
	}
	if !strings.HasPrefix(sig, "0x") {
		reasons = append(reasons, "invalid-signature-format")
		score += 0.5
	}
	entropy := shannonEntropy(sig)
	if entropy < 3.0 || entropy > 4.5 {
		reasons = append(reasons, fmt.Sprintf("unusual-signature-entropy (%.2f)", entropy))
		score += 0.3
	}

	hist, ok := d.sources.Get(r.SourceID)
	if !ok {
		hist = &sigHistory{seen: make(map[string]int)}
		d.sources.Add(r.SourceID, hist)
	}
	hist.mu.Lock()
	if hist.contains(sig) {
		reasons = append(reasons, "signature-reuse")
		score += 0.7
	}
	hist.add(sig, d.historyLimit)
	hist.mu.Unlock()

	score = model.Clamp01(score)
	return model.DetectionResult{
		Detector:   DetectorSignature,
		Suspicious: score > 0.4,
		Score:      score,
		Confidence: 0.8,
		Reasons:    reasons,
		Metadata:   map[string]any{"entropy": entropy, "length": len(sig)},
		Timestamp:  time.Now().UTC(),
	}
}
