package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names one measured interval in the life of a bridged call.
type Stage string

const (
	StageAcceptToAIOpen        Stage = "accept_to_ai_open"
	StageAIOpenToSessionUpdate Stage = "ai_open_to_session_update"
	StageStartToFirstAudio     Stage = "start_to_first_audio"
	StageCallDuration          Stage = "call_duration"
)

// callStages is the report order of the latency window.
var callStages = []Stage{
	StageAcceptToAIOpen,
	StageAIOpenToSessionUpdate,
	StageStartToFirstAudio,
	StageCallDuration,
}

// p95 targets in milliseconds. Call duration is informational only.
var stageTargetsMS = map[Stage]float64{
	StageAcceptToAIOpen:        800,
	StageAIOpenToSessionUpdate: 300,
	StageStartToFirstAudio:     2500,
}

type StageStats struct {
	Stage       Stage   `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target"`
	Healthy     bool    `json:"healthy"`
}

// DropCount is the number of frames dropped toward a leg for one reason.
type DropCount struct {
	Leg    string `json:"leg"`
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Drops       []DropCount  `json:"drops,omitempty"`
}

type dropKey struct {
	leg, reason string
}

// stageWindow keeps the last size samples of every call stage plus running
// drop totals for /v1/perf/latency.
type stageWindow struct {
	mu      sync.Mutex
	size    int
	samples map[Stage]*sampleRing
	drops   map[dropKey]int
}

type sampleRing struct {
	buf  []float64
	n    int
	next int
	last float64
}

func (r *sampleRing) add(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
	r.last = v
}

func (r *sampleRing) sorted() []float64 {
	out := make([]float64, r.n)
	copy(out, r.buf[:r.n])
	sort.Float64s(out)
	return out
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:    size,
		samples: make(map[Stage]*sampleRing),
		drops:   make(map[dropKey]int),
	}
}

// Observe records one sample. Unknown stages and negative durations are ignored.
func (w *stageWindow) Observe(stage Stage, ms float64) {
	if ms < 0 || !knownStage(stage) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.samples[stage]
	if !ok {
		r = &sampleRing{buf: make([]float64, w.size)}
		w.samples[stage] = r
	}
	r.add(ms)
}

func (w *stageWindow) ObserveDrop(leg, reason string) {
	if leg == "" || reason == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drops[dropKey{leg: leg, reason: reason}]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	stages := make([]StageStats, 0, len(callStages))
	for _, stage := range callStages {
		r, ok := w.samples[stage]
		if !ok || r.n == 0 {
			continue
		}
		stages = append(stages, summarize(stage, r))
	}

	drops := make([]DropCount, 0, len(w.drops))
	for k, n := range w.drops {
		drops = append(drops, DropCount{Leg: k.leg, Reason: k.reason, Count: n})
	}
	sort.Slice(drops, func(i, j int) bool {
		if drops[i].Leg != drops[j].Leg {
			return drops[i].Leg < drops[j].Leg
		}
		return drops[i].Reason < drops[j].Reason
	})

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Drops:       drops,
	}
}

func summarize(stage Stage, r *sampleRing) StageStats {
	values := r.sorted()
	target := stageTargetsMS[stage]

	sum, over := 0.0, 0
	for _, v := range values {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	p95 := nearestRank(values, 0.95)
	return StageStats{
		Stage:       stage,
		Samples:     len(values),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(values))),
		P50MS:       round2(nearestRank(values, 0.50)),
		P95MS:       round2(p95),
		MaxMS:       round2(values[len(values)-1]),
		TargetP95MS: target,
		OverTarget:  over,
		Healthy:     target == 0 || p95 <= target,
	}
}

func knownStage(stage Stage) bool {
	for _, s := range callStages {
		if s == stage {
			return true
		}
	}
	return false
}

// nearestRank returns the q-quantile of sorted values.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
