package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexiqai/coach-gateway/internal/observability"
)

// Stage names used for latency and backpressure accounting.
const (
	stageFrame       = "frame"
	stageChunk       = "chunk"
	stageText        = "text"
	stageRecognition = "recognition"
	stageReasoning   = "reasoning"
	stageSynthesis   = "synthesis"
)

type dropCounters struct {
	frame atomic.Uint64
	chunk atomic.Uint64
	text  atomic.Uint64
}

// StageLatency accumulates the call-site latency of one external stage.
type StageLatency struct {
	Calls  int           `json:"calls"`
	Errors int           `json:"errors"`
	Total  time.Duration `json:"total"`
	Last   time.Duration `json:"last"`
	Mean   time.Duration `json:"mean"`
}

type latencyTracker struct {
	mu     sync.Mutex
	stages map[string]*StageLatency
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{stages: make(map[string]*StageLatency)}
}

func (t *latencyTracker) observe(stage string, d time.Duration, ok bool) {
	observability.RecordStage(stage, d.Seconds(), ok)

	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.stages[stage]
	if l == nil {
		l = &StageLatency{}
		t.stages[stage] = l
	}
	l.Calls++
	if !ok {
		l.Errors++
	}
	l.Total += d
	l.Last = d
	l.Mean = l.Total / time.Duration(l.Calls)
}

func (t *latencyTracker) snapshot() map[string]StageLatency {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]StageLatency, len(t.stages))
	for k, v := range t.stages {
		out[k] = *v
	}
	return out
}

// endToEnd is the sum of the mean latency of each external stage.
func endToEnd(stages map[string]StageLatency) time.Duration {
	var total time.Duration
	for _, stage := range []string{stageRecognition, stageReasoning, stageSynthesis} {
		total += stages[stage].Mean
	}
	return total
}

// Stats is a point-in-time view of a session.
type Stats struct {
	SessionID string                  `json:"session_id"`
	Transport string                  `json:"transport"`
	State     string                  `json:"state"`
	StartedAt time.Time               `json:"started_at"`
	FramesIn  uint64                  `json:"frames_in"`
	BytesIn   uint64                  `json:"bytes_in"`
	BytesOut  uint64                  `json:"bytes_out"`
	Dropped   map[string]uint64       `json:"dropped"`
	Latency   map[string]StageLatency `json:"latency"`
	EndToEnd  time.Duration           `json:"end_to_end"`
}

// Stats returns the session counters and latency accumulators.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	state, started := s.state, s.started
	s.mu.RUnlock()

	lat := s.latency.snapshot()
	return Stats{
		SessionID: s.id,
		Transport: string(s.adapter.Kind()),
		State:     state.String(),
		StartedAt: started,
		FramesIn:  s.framesIn.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		Dropped: map[string]uint64{
			stageFrame: s.drops.frame.Load(),
			stageChunk: s.drops.chunk.Load(),
			stageText:  s.drops.text.Load(),
		},
		Latency:  lat,
		EndToEnd: endToEnd(lat),
	}
}
