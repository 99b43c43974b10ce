package gate

import (
	"fmt"
	"sync"
	"time"

	"metersentry/internal/config"
	"metersentry/internal/model"
)

// Gate enforces timestamp freshness and strictly increasing sequence numbers
// per source. State is sharded: one entry per source with its own lock, so
// independent sources proceed in parallel while a single source is serialized.
type Gate struct {
	cfg config.GateConfig
	mu  sync.Mutex
	src map[string]*sourceState
	now func() time.Time
}

type sourceState struct {
	mu      sync.Mutex
	lastSeq int64
}

func New(cfg config.GateConfig) *Gate {
	return &Gate{
		cfg: cfg,
		src: make(map[string]*sourceState),
		now: time.Now,
	}
}

// Seed hydrates last-sequence state from the persistence store at startup.
func (g *Gate) Seed(seqs map[string]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, seq := range seqs {
		g.src[id] = &sourceState{lastSeq: seq}
	}
}

// Check validates freshness and ordering. On success the source's lastSeq is
// advanced and the reading is returned with LargeGap set when the gap exceeds
// the configured threshold; large gaps are forwarded, not rejected.
func (g *Gate) Check(r model.Reading) (model.Reading, *model.Reject) {
	now := g.now().Unix()
	age := now - r.Ts
	if age > int64(g.cfg.MaxTimestampAge.Seconds()) {
		return r, model.NewReject(model.KindStaleTimestamp, fmt.Sprintf("timestamp %ds old", age))
	}
	if -age > int64(g.cfg.MaxFutureSkew.Seconds()) {
		return r, model.NewReject(model.KindStaleTimestamp, fmt.Sprintf("timestamp %ds in the future", -age))
	}

	st := g.source(r.SourceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if r.Seq <= st.lastSeq {
		rej := model.NewReject(model.KindNonIncreasingSeq, fmt.Sprintf("seq %d <= last %d", r.Seq, st.lastSeq))
		rej.LastSeq = st.lastSeq
		return r, rej
	}
	if st.lastSeq > 0 && r.Seq-st.lastSeq > g.cfg.LargeGapThreshold {
		r.LargeGap = true
	}
	st.lastSeq = r.Seq
	return r, nil
}

func (g *Gate) LastSeq(sourceID string) int64 {
	g.mu.Lock()
	st, ok := g.src[sourceID]
	g.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSeq
}

func (g *Gate) source(id string) *sourceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.src[id]
	if !ok {
		st = &sourceState{}
		g.src[id] = st
	}
	return st
}
