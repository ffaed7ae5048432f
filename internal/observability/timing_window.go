package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimingStats summarizes one measured stage (a safety delay, or a job
// type's wall time) over the rolling window.
type TimingStats struct {
	Stage     string  `json:"stage"`
	Samples   int     `json:"samples"`
	LastMS    float64 `json:"last_ms"`
	AvgMS     float64 `json:"avg_ms"`
	P50MS     float64 `json:"p50_ms"`
	P95MS     float64 `json:"p95_ms"`
	P99MS     float64 `json:"p99_ms"`
	CeilingMS float64 `json:"ceiling_ms,omitempty"`
}

// Indicator is a named event counter surfaced alongside the timings.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TimingSnapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	WindowSize  int           `json:"window_size"`
	Stages      []TimingStats `json:"stages"`
	Indicators  []Indicator   `json:"indicators,omitempty"`
}

// TimingWindow keeps a fixed-size rolling sample per stage, cheap enough
// to update on every governor delay and job completion. The status
// endpoint serves Snapshot so an operator can see whether pacing looks
// human without scraping Prometheus.
type TimingWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*timingBuffer
	indicators map[string]int
}

type timingBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewTimingWindow(maxSamples int) *TimingWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &TimingWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*timingBuffer),
		indicators: make(map[string]int),
	}
}

// StageDelay is the stage name for governor safety delays; job stages
// use "job:" + the job type.
const StageDelay = "delay"

func JobStage(jobType string) string { return "job:" + jobType }

func (w *TimingWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d.Milliseconds())
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &timingBuffer{values: make([]float64, w.maxSamples)}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

// Bump increments a named event counter.
func (w *TimingWindow) Bump(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *TimingWindow) Snapshot() TimingSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	stages := make([]TimingStats, 0, len(keys))
	for _, stage := range keys {
		buf := w.stages[stage]
		if buf == nil {
			continue
		}
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		stages = append(stages, TimingStats{
			Stage:     stage,
			Samples:   n,
			LastMS:    round2(buf.last),
			AvgMS:     round2(sum / float64(n)),
			P50MS:     round2(quantile(samples, 0.50)),
			P95MS:     round2(quantile(samples, 0.95)),
			P99MS:     round2(quantile(samples, 0.99)),
			CeilingMS: stageCeilingMS(stage),
		})
	}

	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)
	indicators := make([]Indicator, 0, len(indicatorKeys))
	for _, name := range indicatorKeys {
		if count := w.indicators[name]; count > 0 {
			indicators = append(indicators, Indicator{Name: name, Count: count})
		}
	}

	return TimingSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func (w *TimingWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*timingBuffer)
	w.indicators = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageCeilingMS is the expected upper bound for a stage, shown so an
// out-of-range sample is obvious. Only the delay stage has one; job
// durations have no fixed bound.
func stageCeilingMS(stage string) float64 {
	if stage == StageDelay {
		return 120000
	}
	return 0
}
