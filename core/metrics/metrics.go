// Package metrics defines small instrumentation interfaces so the core
// packages stay decoupled from any particular metrics backend. The
// adapters/prometheus package provides the production implementation.
package metrics

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	// Add increments the counter by delta. delta must be >= 0.
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
}

// Timer measures the duration of one operation. Call ObserveDuration when
// the operation completes, typically via defer.
type Timer interface {
	ObserveDuration()
}

type (
	nopCounter struct{}
	nopGauge   struct{}
	nopTimer   struct{}
)

func (nopCounter) Inc() {}
func (nopCounter) Add(float64) {}
func (nopGauge) Set(float64) {}
func (nopGauge) Inc() {}
func (nopGauge) Dec() {}
func (nopTimer) ObserveDuration() {}

// NopCounter returns a no-op Counter.
func NopCounter() Counter { return nopCounter{} }

// NopGauge returns a no-op Gauge.
func NopGauge() Gauge { return nopGauge{} }

// NopTimer returns a no-op Timer.
func NopTimer() Timer { return nopTimer{} }
