package profiler

import (
	"math"
	"testing"
	"time"

	"metersentry/internal/config"
	"metersentry/internal/model"
)

func testProfiler() *Profiler {
	return New(config.ProfilerConfig{
		Alpha:            0.1,
		MinSamples:       10,
		HistoryLimit:     100,
		DefaultThreshold: 0.7,
	})
}

func testSig(seed byte) string {
	sig := make([]byte, 0, 132)
	sig = append(sig, '0', 'x')
	hexdigits := "0123456789abcdef"
	for i := 0; i < 130; i++ {
		sig = append(sig, hexdigits[(int(seed)+i*3)%16])
	}
	return string(sig)
}

func steadyReading(seq int64, base int64) model.Reading {
	return model.Reading{
		SourceID:  "meter-1",
		Seq:       seq,
		Ts:        base + seq*60,
		Value:     100,
		Signature: testSig(byte(seq)),
	}
}

func TestColdStartUsesHeuristics(t *testing.T) {
	p := testProfiler()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).Unix()
	res := p.Analyze(steadyReading(1, base))
	if res.Threshold != 0.7 {
		t.Fatalf("cold threshold: %f", res.Threshold)
	}
	if res.Confidence != 0.5 {
		t.Fatalf("cold confidence: %f", res.Confidence)
	}
	if res.Suspicious {
		t.Fatalf("cold reading flagged: %+v", res)
	}
}

func TestColdStartFlagsRollback(t *testing.T) {
	p := testProfiler()
	base := time.Now().Unix() - 600
	p.Analyze(steadyReading(5, base))
	res := p.Analyze(steadyReading(4, base))
	if res.FeatureScores["sequence"] != 0.8 {
		t.Fatalf("sequence score: %f", res.FeatureScores["sequence"])
	}
}

func TestLearnedProfileScoresOutlier(t *testing.T) {
	p := testProfiler()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).Unix()
	for seq := int64(1); seq <= 30; seq++ {
		r := steadyReading(seq, base)
		r.Value = 100 + float64(seq%5)
		p.Analyze(r)
	}
	outlier := steadyReading(31, base)
	outlier.Value = 5000
	res := p.Analyze(outlier)
	if res.FeatureScores["value"] < 0.5 {
		t.Fatalf("value outlier scored %f", res.FeatureScores["value"])
	}
	if len(res.Reasons) == 0 {
		t.Fatalf("outlier produced no reasons")
	}
}

func TestAdaptiveThresholdStaysClamped(t *testing.T) {
	p := testProfiler()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).Unix()
	for seq := int64(1); seq <= 40; seq++ {
		res := p.Analyze(steadyReading(seq, base))
		if res.Threshold < 0.3 || res.Threshold > 0.9 {
			t.Fatalf("threshold out of clamp at %d: %f", seq, res.Threshold)
		}
	}
}

func TestConfidenceGrowsWithSamples(t *testing.T) {
	p := testProfiler()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).Unix()
	var last Result
	for seq := int64(1); seq <= 50; seq++ {
		last = p.Analyze(steadyReading(seq, base))
	}
	if last.Confidence <= 0.5 {
		t.Fatalf("confidence did not grow: %f", last.Confidence)
	}
}

func TestSnapshotTracksProfile(t *testing.T) {
	p := testProfiler()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local).Unix()
	for seq := int64(1); seq <= 5; seq++ {
		p.Analyze(steadyReading(seq, base))
	}
	snap, ok := p.Snapshot("meter-1")
	if !ok {
		t.Fatalf("profile missing")
	}
	if snap.SampleCount != 5 {
		t.Fatalf("sample count: %d", snap.SampleCount)
	}
	if math.Abs(snap.ValueMean-100) > 1 {
		t.Fatalf("value mean: %f", snap.ValueMean)
	}
	if snap.MeanInterval < 50 || snap.MeanInterval > 70 {
		t.Fatalf("mean interval: %f", snap.MeanInterval)
	}
	if _, ok := p.Snapshot("unknown"); ok {
		t.Fatalf("snapshot for unknown source")
	}
}

func TestCleanupRemovesIdleProfiles(t *testing.T) {
	p := testProfiler()
	base := time.Now().Unix() - 300
	p.Analyze(steadyReading(1, base))
	p.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if removed := p.Cleanup(24 * time.Hour); removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if p.SourceCount() != 0 {
		t.Fatalf("profile survived cleanup")
	}
}

func TestDeviationScore(t *testing.T) {
	if got := deviationScore(0); got != 0 {
		t.Fatalf("score at z=0: %f", got)
	}
	if got := deviationScore(3); got < 0.99 {
		t.Fatalf("score at z=3: %f", got)
	}
	if a, b := deviationScore(2), deviationScore(-2); math.Abs(a-b) > 1e-12 {
		t.Fatalf("not symmetric: %f vs %f", a, b)
	}
}
