// Package metrics is a small facade between the pipeline and a metrics
// backend. The core code calls the package-level helpers and never depends
// on a concrete backend; a backend is installed once at startup.
//
// With no backend installed every call is a cheap no-op, so library code can
// emit metrics unconditionally.
package metrics

import "sync"

// Labels attach dimensions to a metric sample.
type Labels map[string]string

// Backend receives metric samples. Implementations must be safe for
// concurrent use; Flush forces buffered samples out.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names emitted by the pipeline. A backend may aggregate or rename
// them for its own wire format.
const (
	MetricStepTotal           = "jsonq_step_total"            // labels: step, status
	MetricRecordsTotal        = "jsonq_records_total"         // labels: kind
	MetricBatchesTotal        = "jsonq_batches_total"         // raw-load insert batches
	MetricStepDurationSeconds = "jsonq_step_duration_seconds" // labels: step, status
)

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. Passing nil restores
// the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named histogram.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush forces the installed backend to submit buffered samples.
func Flush() error {
	return current().Flush()
}

// RecordStep emits the counter and duration sample for one finished
// pipeline step.
func RecordStep(step, status string, seconds float64) {
	l := Labels{"step": step, "status": status}
	IncCounter(MetricStepTotal, 1, l)
	ObserveHistogram(MetricStepDurationSeconds, seconds, l)
}

// RecordRecords emits a records-processed count for one source kind.
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(MetricRecordsTotal, float64(n), Labels{"kind": kind})
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }
