package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crosstalk-im/crosstalk/core/cluster"
	"github.com/crosstalk-im/crosstalk/core/metrics"
)

// clusterMetrics implements cluster.Metrics using Prometheus.
type clusterMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	notifiesTotal   *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlersTotal   *prometheus.CounterVec
	peersConnected  *prometheus.GaugeVec
	sessionsLocal   *prometheus.GaugeVec
	roomsOwned      *prometheus.GaugeVec
	roomReplicas    *prometheus.GaugeVec
}

// NewClusterMetrics creates a Prometheus implementation of cluster.Metrics.
func NewClusterMetrics(reg prometheus.Registerer) cluster.Metrics {
	m := &clusterMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xtalk_cluster_request_duration_seconds",
			Help:    "Synchronous task latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"kind"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalk_cluster_requests_total",
			Help: "Total number of synchronous tasks dispatched",
		}, []string{"kind", "success"}),

		notifiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalk_cluster_notifies_total",
			Help: "Total number of fire-and-forget tasks dispatched",
		}, []string{"kind", "success"}),

		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalk_cluster_transport_errors_total",
			Help: "Total number of transport errors",
		}, []string{"error_type"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xtalk_cluster_handler_duration_seconds",
			Help:    "Task handler execution time in seconds",
			Buckets: defaultBuckets,
		}, []string{"kind"}),

		handlersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtalk_cluster_handlers_total",
			Help: "Total number of task handler executions",
		}, []string{"kind", "success"}),

		peersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xtalk_cluster_peers_connected",
			Help: "Number of live peer nodes",
		}, []string{"node_id"}),

		sessionsLocal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xtalk_sessions_local",
			Help: "Number of sessions connected to this node",
		}, []string{"node_id"}),

		roomsOwned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xtalk_rooms_owned",
			Help: "Number of rooms owned by this node",
		}, []string{"node_id"}),

		roomReplicas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xtalk_room_replicas",
			Help: "Number of rooms replicated from other nodes",
		}, []string{"node_id"}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.notifiesTotal,
		m.transportErrors,
		m.handlerDuration,
		m.handlersTotal,
		m.peersConnected,
		m.sessionsLocal,
		m.roomsOwned,
		m.roomReplicas,
	)

	return m
}

func (m *clusterMetrics) RequestDuration(kind string) metrics.Timer {
	return newTimer(m.requestDuration.WithLabelValues(kind))
}

func (m *clusterMetrics) RequestCompleted(kind string, success bool) {
	m.requestsTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

func (m *clusterMetrics) NotifyCompleted(kind string, success bool) {
	m.notifiesTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

func (m *clusterMetrics) TransportError(errorType string) {
	m.transportErrors.WithLabelValues(errorType).Inc()
}

func (m *clusterMetrics) HandlerDuration(kind string) metrics.Timer {
	return newTimer(m.handlerDuration.WithLabelValues(kind))
}

func (m *clusterMetrics) HandlerCompleted(kind string, success bool) {
	m.handlersTotal.WithLabelValues(kind, boolToStr(success)).Inc()
}

func (m *clusterMetrics) PeersConnected(nodeID string, count int) {
	m.peersConnected.WithLabelValues(nodeID).Set(float64(count))
}

func (m *clusterMetrics) SessionsLocal(nodeID string, count int) {
	m.sessionsLocal.WithLabelValues(nodeID).Set(float64(count))
}

func (m *clusterMetrics) RoomsOwned(nodeID string, count int) {
	m.roomsOwned.WithLabelValues(nodeID).Set(float64(count))
}

func (m *clusterMetrics) RoomReplicas(nodeID string, count int) {
	m.roomReplicas.WithLabelValues(nodeID).Set(float64(count))
}

var _ cluster.Metrics = (*clusterMetrics)(nil)
