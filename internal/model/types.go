package model

import "time"

// Reading is a verified telemetry event. It is produced exactly once at the
// verifier boundary; downstream stages never re-parse raw JSON.
type Reading struct {
	SourceID  string  `json:"sourceID"`
	Seq       int64   `json:"seq"`
	Ts        int64   `json:"ts"`
	Value     float64 `json:"value"`
	Signature string  `json:"signature"`
	Raw       []byte  `json:"-"`
	LargeGap  bool    `json:"-"`
}

// Verdict is the merged scoring outcome recorded alongside an accepted reading.
type Verdict struct {
	Suspicious     bool     `json:"suspicious"`
	Score          float64  `json:"score"`
	Confidence     float64  `json:"confidence"`
	ConsensusScore float64  `json:"consensus_score"`
	Reasons        []string `json:"reasons"`
	RiskLevel      string   `json:"risk_level,omitempty"`
}

type DetectionResult struct {
	Detector   string         `json:"detector"`
	Suspicious bool           `json:"suspicious"`
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
	Reasons    []string       `json:"reasons"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type VoteResult struct {
	SuspiciousWeight float64 `json:"suspicious_weight"`
	TotalWeight      float64 `json:"total_weight"`
	SuspiciousRatio  float64 `json:"suspicious_ratio"`
	Score            float64 `json:"score"`
	Consensus        bool    `json:"consensus"`
}

type VotingSummary struct {
	Weighted   VoteResult `json:"weighted"`
	Confidence VoteResult `json:"confidence"`
	Majority   VoteResult `json:"majority"`
}

type EnsembleResult struct {
	Suspicious     bool              `json:"suspicious"`
	OverallScore   float64           `json:"overall_score"`
	Confidence     float64           `json:"confidence"`
	ConsensusScore float64           `json:"consensus_score"`
	Detectors      []DetectionResult `json:"detectors"`
	Voting         VotingSummary     `json:"voting"`
	FinalReasons   []string          `json:"final_reasons"`
}

// Evidence is an immutable forensic observation. Records are append-only and
// removed only by the retention sweep.
type Evidence struct {
	Type        string         `json:"type"`
	Severity    float64        `json:"severity"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Confidence  float64        `json:"confidence"`
}

type AttackPattern struct {
	PatternID   string     `json:"pattern_id"`
	PatternType string     `json:"pattern_type"`
	Description string     `json:"description"`
	Frequency   int        `json:"frequency"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	Severity    float64    `json:"severity"`
	Evidence    []Evidence `json:"evidence,omitempty"`
}

type RiskLevel string

const (
	RiskNormal RiskLevel = "NORMAL"
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// StoredReading is the persisted row layout for an accepted reading.
type StoredReading struct {
	SourceID   string    `json:"source_id"`
	Seq        int64     `json:"seq"`
	Ts         int64     `json:"ts"`
	Value      float64   `json:"value"`
	Raw        string    `json:"raw,omitempty"`
	Suspicious bool      `json:"suspicious"`
	Score      float64   `json:"score"`
	Reasons    []string  `json:"reasons"`
	LedgerRef  string    `json:"ledger_ref,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
