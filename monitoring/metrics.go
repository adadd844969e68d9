package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the messaging runtime. Registered on the
// default registry; HandleMetrics serves them.
var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_connections_active",
		Help: "Currently open WebSocket connections",
	})
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_connections_total",
		Help: "Total accepted WebSocket connections",
	})
	connectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_connections_rejected_total",
		Help: "Upgrades rejected (capacity, shutdown, upgrade failure)",
	})

	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_messages_sent_total",
		Help: "Messages written to transports",
	})
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_messages_received_total",
		Help: "Messages decoded from transports",
	})
	bytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_bytes_sent_total",
		Help: "Encoded bytes written to transports",
	})
	bytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_bytes_received_total",
		Help: "Raw bytes read from transports",
	})

	queueRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_send_queue_rejections_total",
		Help: "Enqueues rejected by full send queues",
	})
	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_decode_errors_total",
		Help: "Inbound frames that failed wire decoding",
	})
	heartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_heartbeat_timeouts_total",
		Help: "Connections reaped for missing pongs",
	})
	publishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_channel_publishes_total",
		Help: "Accepted channel publications",
	})
	rpcTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_rpc_timeouts_total",
		Help: "Pending requests that hit their deadline",
	})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection rate limiter",
	})
)

// ConnectionOpened records an accepted upgrade.
func ConnectionOpened() {
	connectionsActive.Inc()
	connectionsTotal.Inc()
}

// ConnectionClosed records a closed connection.
func ConnectionClosed() { connectionsActive.Dec() }

// ConnectionRejected records a refused upgrade.
func ConnectionRejected() { connectionsRejected.Inc() }

// MessageSent records n messages and bytes written.
func MessageSent(n int64, size int64) {
	messagesSent.Add(float64(n))
	bytesSent.Add(float64(size))
}

// MessageReceived records one inbound message of the given size.
func MessageReceived(size int64) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(size))
}

// QueueRejected records a backpressure rejection.
func QueueRejected() { queueRejections.Inc() }

// DecodeError records a dropped undecodable frame.
func DecodeError() { decodeErrors.Inc() }

// HeartbeatTimeout records a reaped connection.
func HeartbeatTimeout() { heartbeatTimeouts.Inc() }

// PublishAccepted records an accepted publication.
func PublishAccepted() { publishes.Inc() }

// RPCTimeout records an expired pending request.
func RPCTimeout() { rpcTimeouts.Inc() }

// RateLimited records an inbound message dropped by the limiter.
func RateLimited() { rateLimited.Inc() }

// HandleMetrics serves the Prometheus registry.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
