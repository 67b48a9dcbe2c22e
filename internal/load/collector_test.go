package load

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// sampleAt builds a clean sample with stage offsets from a fixed origin.
func sampleAt(asr, ttft, lastToken, firstAudio time.Duration) Sample {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return Sample{
		Start:           t0,
		FinalTranscript: t0.Add(asr),
		FirstToken:      t0.Add(asr + ttft),
		LastToken:       t0.Add(asr + lastToken),
		FirstAudio:      t0.Add(asr + firstAudio),
		End:             t0.Add(asr + firstAudio + time.Second),
	}
}

func TestSample_StageLatencies(t *testing.T) {
	s := sampleAt(400*time.Millisecond, 200*time.Millisecond, 900*time.Millisecond, 500*time.Millisecond)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"asr", s.ASRLatency(), 0.4},
		{"llm_ttft", s.LLMTTFT(), 0.2},
		{"llm_total", s.LLMTotal(), 0.9},
		{"tts", s.TTSLatency(), 0.3},
		{"e2e", s.E2ELatency(), 0.5},
	}
	for _, tc := range tests {
		if diff := tc.got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s latency = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestSample_MissingStagesAreNegative(t *testing.T) {
	// An empty transcript skips the reply, so only Start is stamped.
	s := Sample{Start: time.Now(), End: time.Now()}
	if got := s.ASRLatency(); got != -1 {
		t.Errorf("ASRLatency = %v, want -1", got)
	}
	if got := s.E2ELatency(); got != -1 {
		t.Errorf("E2ELatency = %v, want -1", got)
	}
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()
	c.Add(sampleAt(time.Second, time.Second, time.Second, time.Second))
	c.Add(Sample{Start: time.Now(), Err: "turn timeout"})
	c.Add(sampleAt(time.Second, time.Second, time.Second, time.Second))

	requests, failures := c.Counts()
	if requests != 3 || failures != 1 {
		t.Errorf("Counts = %d, %d; want 3, 1", requests, failures)
	}
}

func TestCollector_Report(t *testing.T) {
	c := NewCollector()
	for _, asr := range []time.Duration{100, 200, 300, 400} {
		c.Add(sampleAt(asr*time.Millisecond, 50*time.Millisecond, 500*time.Millisecond, 150*time.Millisecond))
	}
	c.Add(Sample{Start: time.Now(), Err: "connect refused"})
	c.Add(Sample{Start: time.Now(), Err: "connect refused"})

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	r := c.Report("baseline", "ws://localhost:8000/ws/voice", started, finished)

	if r.Requests != 6 || r.Failures != 2 {
		t.Errorf("requests/failures = %d/%d, want 6/2", r.Requests, r.Failures)
	}
	if diff := r.SuccessRate - 4.0/6.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("success rate = %v", r.SuccessRate)
	}
	if r.Errors["connect refused"] != 2 {
		t.Errorf("errors = %v", r.Errors)
	}
	if r.ASRLatency.Count != 4 {
		t.Errorf("asr count = %d, want 4", r.ASRLatency.Count)
	}
	if r.ASRLatency.Min != 0.1 || r.ASRLatency.Max != 0.4 {
		t.Errorf("asr min/max = %v/%v", r.ASRLatency.Min, r.ASRLatency.Max)
	}
	if diff := r.ASRLatency.Mean - 0.25; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("asr mean = %v", r.ASRLatency.Mean)
	}
}

func TestCollector_ReportSkipsUnmeasurableIntervals(t *testing.T) {
	c := NewCollector()
	// Clean turn with no reply stages, as an empty transcript produces.
	c.Add(Sample{Start: time.Now(), End: time.Now()})

	r := c.Report("baseline", "target", time.Now(), time.Now())
	if r.Requests != 1 || r.Failures != 0 {
		t.Errorf("requests/failures = %d/%d", r.Requests, r.Failures)
	}
	if r.ASRLatency.Count != 0 || r.E2ELatency.Count != 0 {
		t.Error("unmeasurable intervals leaked into the distributions")
	}
	if r.Errors != nil {
		t.Errorf("errors = %v, want nil", r.Errors)
	}
}

func TestComputeDist(t *testing.T) {
	d := computeDist([]float64{0.3, 0.1, 0.2, 0.4})
	if d.Count != 4 || d.Min != 0.1 || d.Max != 0.4 {
		t.Errorf("dist = %+v", d)
	}
	if d.Median != 0.2 {
		t.Errorf("median = %v, want nearest-rank 0.2", d.Median)
	}
	if d.P99 != 0.4 {
		t.Errorf("p99 = %v, want 0.4", d.P99)
	}
}

func TestComputeDist_Empty(t *testing.T) {
	if d := computeDist(nil); d.Count != 0 || d.Max != 0 {
		t.Errorf("dist = %+v, want zero value", d)
	}
}

func TestPercentile_NearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want float64
	}{
		{0.50, 5},
		{0.90, 9},
		{0.95, 10},
		{0.99, 10},
	}
	for _, tc := range tests {
		if got := percentile(sorted, tc.p); got != tc.want {
			t.Errorf("percentile(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
	if got := percentile([]float64{7}, 0.99); got != 7 {
		t.Errorf("single-element percentile = %v", got)
	}
}

func TestReport_WriteJSON(t *testing.T) {
	c := NewCollector()
	c.Add(sampleAt(100*time.Millisecond, 50*time.Millisecond, 300*time.Millisecond, 120*time.Millisecond))
	r := c.Report("baseline", "ws://gw/ws/voice", time.Now(), time.Now())

	path := filepath.Join(t.TempDir(), "report.json")
	if err := r.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.Scenario != "baseline" || decoded.Requests != 1 {
		t.Errorf("decoded = %+v", decoded)
	}
}
