package model

// RejectKind is the machine-readable error kind returned to clients.
type RejectKind string

const (
	KindInvalidSchema    RejectKind = "invalid-schema"
	KindInvalidSignature RejectKind = "invalid-signature"
	KindStaleTimestamp   RejectKind = "stale-timestamp"
	KindNonIncreasingSeq RejectKind = "non-increasing-seq"
	KindRateLimit        RejectKind = "rate-limit-exceeded"
	KindDBError          RejectKind = "db-error"
)

// Reject carries a terminal pipeline rejection plus the data a client needs to
// retry correctly (last known sequence, retry-after seconds).
type Reject struct {
	Kind       RejectKind `json:"error"`
	Detail     string     `json:"detail,omitempty"`
	LastSeq    int64      `json:"last_seq,omitempty"`
	RetryAfter int64      `json:"retry_after,omitempty"`
}

func (r *Reject) Error() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Detail
}

func NewReject(kind RejectKind, detail string) *Reject {
	return &Reject{Kind: kind, Detail: detail}
}
