package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// stageBudgets are the p95 latency targets of the ask lifecycle, measured
// from the moment a question is received.
var stageBudgets = map[string]time.Duration{
	"context_retrieved": 400 * time.Millisecond,
	"prompt_built":      450 * time.Millisecond,
	"first_delta":       1500 * time.Millisecond,
	"model_invoked":     8 * time.Second,
	"completed":         9 * time.Second,
}

// StageStats summarises the recent samples of one ask stage.
type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// latencyWindow keeps the last size samples per stage.
type latencyWindow struct {
	mu     sync.Mutex
	size   int
	stages map[string]*ring
}

type ring struct {
	samples []time.Duration
	pos     int
	last    time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, stages: make(map[string]*ring)}
}

func (w *latencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &ring{samples: make([]time.Duration, 0, w.size)}
		w.stages[stage] = r
	}
	if len(r.samples) < w.size {
		r.samples = append(r.samples, d)
	} else {
		r.samples[r.pos] = d
		r.pos = (r.pos + 1) % w.size
	}
	r.last = d
}

func (w *latencyWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	copies := make(map[string][]time.Duration, len(w.stages))
	lasts := make(map[string]time.Duration, len(w.stages))
	for stage, r := range w.stages {
		copies[stage] = append([]time.Duration(nil), r.samples...)
		lasts[stage] = r.last
	}
	w.mu.Unlock()

	out := StageSnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size, Stages: make([]StageStats, 0, len(copies))}
	for stage, samples := range copies {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		var sum time.Duration
		for _, d := range samples {
			sum += d
		}
		st := StageStats{
			Stage:   stage,
			Samples: len(samples),
			LastMS:  millis(lasts[stage]),
			MeanMS:  millis(sum / time.Duration(len(samples))),
			P50MS:   millis(nearestRank(samples, 0.50)),
			P95MS:   millis(nearestRank(samples, 0.95)),
			MaxMS:   millis(samples[len(samples)-1]),
		}
		if budget, ok := stageBudgets[stage]; ok {
			st.BudgetMS = millis(budget)
			st.OverBudget = len(samples) - sort.Search(len(samples), func(i int) bool { return samples[i] > budget })
		}
		out.Stages = append(out.Stages, st)
	}
	sort.Slice(out.Stages, func(i, j int) bool { return out.Stages[i].Stage < out.Stages[j].Stage })
	return out
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*ring)
}

// nearestRank expects sorted samples.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
