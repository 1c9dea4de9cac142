package cluster

import "github.com/crosstalk-im/crosstalk/core/metrics"

// Metrics defines the instrumentation hooks for the cluster layer.
// All methods are thread-safe.
type Metrics interface {
	// Caller side
	RequestDuration(kind string) metrics.Timer
	RequestCompleted(kind string, success bool)
	NotifyCompleted(kind string, success bool)

	// Transport errors: timeout, unreachable, closed
	TransportError(errorType string)

	// Executor side
	HandlerDuration(kind string) metrics.Timer
	HandlerCompleted(kind string, success bool)

	// Topology and state gauges
	PeersConnected(nodeID string, count int)
	SessionsLocal(nodeID string, count int)
	RoomsOwned(nodeID string, count int)
	RoomReplicas(nodeID string, count int)
}

type nopMetrics struct{}

func (nopMetrics) RequestDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) RequestCompleted(string, bool) {}
func (nopMetrics) NotifyCompleted(string, bool) {}

func (nopMetrics) TransportError(string) {}

func (nopMetrics) HandlerDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) HandlerCompleted(string, bool) {}

func (nopMetrics) PeersConnected(string, int) {}
func (nopMetrics) SessionsLocal(string, int) {}
func (nopMetrics) RoomsOwned(string, int) {}
func (nopMetrics) RoomReplicas(string, int) {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
