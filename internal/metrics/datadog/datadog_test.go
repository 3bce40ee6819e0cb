package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"jsonq/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// newTestBackend builds a backend with all seams stubbed: fake submitter,
// fixed clock, and a ticker that never fires so only explicit Flush calls
// submit.
func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName: "testjob",
		now:     func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(d time.Duration) *time.Ticker {
			return time.NewTicker(time.Hour)
		},
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestStepStatusKeyRoundTrip verifies key encoding/decoding.
func TestStepStatusKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		step   string
		status string
	}{
		{name: "normal", step: "normalize", status: "ok"},
		{name: "empty_step", step: "", status: "ok"},
		{name: "empty_status", step: "build", status: ""},
		{name: "both_empty", step: "", status: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			k := stepStatusKey(tc.step, tc.status)
			step, status := splitStepStatusKey(k)
			if step != tc.step || status != tc.status {
				t.Fatalf("round trip = (%q,%q), want (%q,%q)", step, status, tc.step, tc.status)
			}
		})
	}

	if step, status := splitStepStatusKey("legacy"); step != "legacy" || status != "unknown" {
		t.Fatalf("splitStepStatusKey(legacy) = (%q,%q), want (legacy,unknown)", step, status)
	}
}

// TestPercentileNearestRank verifies percentile selection on sorted input.
func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	tests := []struct {
		p    float64
		want float64
	}{
		{p: 0, want: 1},
		{p: 0.5, want: 6},
		{p: 0.9, want: 9},
		{p: 1, want: 10},
		{p: 1.5, want: 10},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(s, tc.p); got != tc.want {
			t.Fatalf("percentileNearestRank(p=%v)=%v, want %v", tc.p, got, tc.want)
		}
	}

	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("percentileNearestRank(nil)=%v, want 0", got)
	}
}

func TestParseTagsCSV(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "env:prod", want: []string{"env:prod"}},
		{in: " env:prod , service:jsonq ,, ", want: []string{"env:prod", "service:jsonq"}},
	}
	for _, tc := range tests {
		got := ParseTagsCSV(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		}
	}
}

// TestFlushBuildsExpectedSeries verifies the naming/tagging contract of one
// flush payload.
func TestFlushBuildsExpectedSeries(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.MetricStepTotal, 1, metrics.Labels{"step": "normalize", "status": "ok"})
	b.IncCounter(metrics.MetricRecordsTotal, 42, metrics.Labels{"kind": "array"})
	b.IncCounter(metrics.MetricBatchesTotal, 3, nil)
	b.ObserveHistogram(metrics.MetricStepDurationSeconds, 1.5, metrics.Labels{"step": "normalize", "status": "ok"})
	b.ObserveHistogram(metrics.MetricStepDurationSeconds, 0.5, metrics.Labels{"step": "normalize", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}

	payload, ok := sub.last()
	if !ok {
		t.Fatal("no payload submitted")
	}

	var names []string
	byName := map[string]datadogV2.MetricSeries{}
	for _, s := range payload.Series {
		names = append(names, s.Metric)
		byName[s.Metric] = s
	}
	sort.Strings(names)

	for _, want := range []string{
		"jsonq.step.total",
		"jsonq.records.total",
		"jsonq.batches.total",
		"jsonq.step.duration_seconds.p50",
		"jsonq.step.duration_seconds.max",
		"jsonq.step.duration_seconds.samples",
	} {
		if _, ok := byName[want]; !ok {
			t.Fatalf("series %q missing; got %v", want, names)
		}
	}

	step := byName["jsonq.step.total"]
	if !hasTag(step.Tags, "step:normalize") || !hasTag(step.Tags, "status:ok") || !hasTag(step.Tags, "job:testjob") {
		t.Fatalf("step series tags = %v", step.Tags)
	}
	if v := *step.Points[0].Value; v != 1 {
		t.Fatalf("step count = %v, want 1", v)
	}

	rec := byName["jsonq.records.total"]
	if !hasTag(rec.Tags, "kind:array") {
		t.Fatalf("records series tags = %v", rec.Tags)
	}
	if v := *rec.Points[0].Value; v != 42 {
		t.Fatalf("records count = %v, want 42", v)
	}

	if v := *byName["jsonq.step.duration_seconds.max"].Points[0].Value; v != 1.5 {
		t.Fatalf("duration max = %v, want 1.5", v)
	}
	if v := *byName["jsonq.step.duration_seconds.samples"].Points[0].Value; v != 2 {
		t.Fatalf("duration samples = %v, want 2", v)
	}

	if ts := *step.Points[0].Timestamp; ts != 1700000000 {
		t.Fatalf("timestamp = %d, want injected clock value", ts)
	}
}

// TestFlushResetsBuffers verifies that a second Flush with no new samples
// submits nothing.
func TestFlushResetsBuffers(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.MetricBatchesTotal, 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush() err=%v", err)
	}
	if got := sub.count(); got != 1 {
		t.Fatalf("payload count = %d, want 1 (empty flush must not submit)", got)
	}
}

// TestFlushResetsEvenOnError verifies samples are not resubmitted after a
// failed flush.
func TestFlushResetsEvenOnError(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("intake down")}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.MetricBatchesTotal, 1, nil)
	if err := b.Flush(); err == nil {
		t.Fatal("Flush() err=nil, want submit error")
	}

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() after recovery err=%v", err)
	}
	if got := sub.count(); got != 1 {
		t.Fatalf("payload count = %d, want 1 (buffers reset despite error)", got)
	}
}

// TestIgnoredSamples verifies non-positive counters, negative histogram
// values and unknown metric names are dropped.
func TestIgnoredSamples(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.MetricBatchesTotal, 0, nil)
	b.IncCounter(metrics.MetricBatchesTotal, -5, nil)
	b.IncCounter("someone_elses_metric", 1, nil)
	b.IncCounter(metrics.MetricRecordsTotal, 1, metrics.Labels{}) // no kind
	b.ObserveHistogram(metrics.MetricStepDurationSeconds, -1, metrics.Labels{"step": "x", "status": "ok"})
	b.ObserveHistogram("someone_elses_histogram", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if got := sub.count(); got != 0 {
		t.Fatalf("payload count = %d, want 0", got)
	}
}

// TestPeriodicFlushLoop verifies the ticker-driven flush path.
func TestPeriodicFlushLoop(t *testing.T) {
	sub := &fakeSubmitter{}
	tick := make(chan time.Time, 1)

	b, err := NewBackend(context.Background(), Options{
		now: func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(d time.Duration) *time.Ticker {
			t := time.NewTicker(time.Hour)
			t.C = tick
			return t
		},
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.MetricBatchesTotal, 1, nil)
	tick <- time.Unix(1700000001, 0)

	deadline := time.After(2 * time.Second)
	for sub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("flush loop never submitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
}

// TestCloseFlushesTail verifies the final flush on Close.
func TestCloseFlushesTail(t *testing.T) {
	sub := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		now:       time.Now,
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.MetricStepTotal, 1, metrics.Labels{"step": "build", "status": "ok"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if got := sub.count(); got != 1 {
		t.Fatalf("payload count = %d, want 1 tail flush", got)
	}
}

func hasTag(tags []string, want string) bool {
	for _, tg := range tags {
		if tg == want {
			return true
		}
	}
	return false
}
