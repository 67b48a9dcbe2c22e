package load

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// Sample is the timestamp record of one turn. Zero timestamps mean the stage
// never happened.
type Sample struct {
	Start           time.Time
	FirstInterim    time.Time
	FinalTranscript time.Time
	FirstToken      time.Time
	LastToken       time.Time
	FirstAudio      time.Time
	End             time.Time

	// Err is the failure description; empty for a clean turn.
	Err string
}

// seconds returns the b-a interval, or -1 when either side is missing.
func seconds(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Seconds()
}

// ASRLatency is first audio chunk sent to final transcript.
func (s Sample) ASRLatency() float64 { return seconds(s.Start, s.FinalTranscript) }

// LLMTTFT is final transcript to first reply token.
func (s Sample) LLMTTFT() float64 { return seconds(s.FinalTranscript, s.FirstToken) }

// LLMTotal is final transcript to last reply token.
func (s Sample) LLMTotal() float64 { return seconds(s.FinalTranscript, s.LastToken) }

// TTSLatency is first reply token to first reply audio.
func (s Sample) TTSLatency() float64 { return seconds(s.FirstToken, s.FirstAudio) }

// E2ELatency is final transcript to first reply audio.
func (s Sample) E2ELatency() float64 { return seconds(s.FinalTranscript, s.FirstAudio) }

// Dist summarizes one latency distribution. All values are seconds.
type Dist struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Stddev float64 `json:"stddev"`
}

// Report is the final output of a run.
type Report struct {
	Scenario   string    `json:"scenario"`
	Target     string    `json:"target"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Requests    int     `json:"requests"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"success_rate"`

	ASRLatency Dist `json:"asr_latency_seconds"`
	LLMTTFT    Dist `json:"llm_ttft_seconds"`
	LLMTotal   Dist `json:"llm_total_seconds"`
	TTSLatency Dist `json:"tts_latency_seconds"`
	E2ELatency Dist `json:"e2e_latency_seconds"`

	Errors map[string]int `json:"errors,omitempty"`
}

// Collector accumulates samples across all workers. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	samples []Sample
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add records one finished turn.
func (c *Collector) Add(s Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

// Counts returns the running request and failure totals.
func (c *Collector) Counts() (requests, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.samples {
		if s.Err != "" {
			failures++
		}
	}
	return len(c.samples), failures
}

// Report aggregates all samples into a Report.
func (c *Collector) Report(scenario, target string, started, finished time.Time) *Report {
	c.mu.Lock()
	samples := make([]Sample, len(c.samples))
	copy(samples, c.samples)
	c.mu.Unlock()

	r := &Report{
		Scenario:   scenario,
		Target:     target,
		StartedAt:  started,
		FinishedAt: finished,
		Requests:   len(samples),
		Errors:     map[string]int{},
	}

	var asr, ttft, total, ttsLat, e2e []float64
	for _, s := range samples {
		if s.Err != "" {
			r.Failures++
			r.Errors[s.Err]++
			continue
		}
		asr = appendValid(asr, s.ASRLatency())
		ttft = appendValid(ttft, s.LLMTTFT())
		total = appendValid(total, s.LLMTotal())
		ttsLat = appendValid(ttsLat, s.TTSLatency())
		e2e = appendValid(e2e, s.E2ELatency())
	}
	if r.Requests > 0 {
		r.SuccessRate = float64(r.Requests-r.Failures) / float64(r.Requests)
	}
	if len(r.Errors) == 0 {
		r.Errors = nil
	}

	r.ASRLatency = computeDist(asr)
	r.LLMTTFT = computeDist(ttft)
	r.LLMTotal = computeDist(total)
	r.TTSLatency = computeDist(ttsLat)
	r.E2ELatency = computeDist(e2e)
	return r
}

// WriteJSON writes the report to path, pretty-printed.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// appendValid keeps only measurable intervals.
func appendValid(dst []float64, v float64) []float64 {
	if v < 0 {
		return dst
	}
	return append(dst, v)
}

// computeDist builds a Dist from raw values.
func computeDist(values []float64) Dist {
	if len(values) == 0 {
		return Dist{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}

	return Dist{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		Median: percentile(sorted, 0.50),
		P90:    percentile(sorted, 0.90),
		P95:    percentile(sorted, 0.95),
		P99:    percentile(sorted, 0.99),
		Stddev: math.Sqrt(sq / float64(len(sorted))),
	}
}

// percentile reads the p-quantile from an already sorted slice using the
// nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
