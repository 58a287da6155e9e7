package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adbrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	connectionsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbrelay",
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Client connections accepted per proxied device.",
		},
		[]string{"serial"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "adbrelay",
			Subsystem: "relay",
			Name:      "connections_active",
			Help:      "Live client connections per proxied device.",
		},
		[]string{"serial"},
	)
	streamsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbrelay",
			Subsystem: "relay",
			Name:      "streams_opened_total",
			Help:      "Logical streams opened per proxied device.",
		},
		[]string{"serial"},
	)
	streamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "adbrelay",
			Subsystem: "relay",
			Name:      "streams_active",
			Help:      "Open logical streams per proxied device.",
		},
		[]string{"serial"},
	)
	upstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbrelay",
			Subsystem: "upstream",
			Name:      "failures_total",
			Help:      "Upstream daemon failures by phase (open, io).",
		},
		[]string{"serial", "phase"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbrelay",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Protocol frames by direction and command.",
		},
		[]string{"direction", "command"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbrelay",
			Subsystem: "relay",
			Name:      "payload_bytes_total",
			Help:      "Frame payload bytes by direction.",
		},
		[]string{"direction"},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adbrelay",
			Subsystem: "relay",
			Name:      "protocol_errors_total",
			Help:      "Dropped malformed or out-of-state frames.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connectionsAccepted, connectionsActive,
			streamsOpened, streamsActive,
			upstreamFailures, frames, payloadBytes, protocolErrors,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func ConnectionOpened(serial string) {
	connectionsAccepted.WithLabelValues(serial).Inc()
	connectionsActive.WithLabelValues(serial).Inc()
}

func ConnectionClosed(serial string) {
	connectionsActive.WithLabelValues(serial).Dec()
}

func StreamOpened(serial string) {
	streamsOpened.WithLabelValues(serial).Inc()
	streamsActive.WithLabelValues(serial).Inc()
}

func StreamClosed(serial string) {
	streamsActive.WithLabelValues(serial).Dec()
}

func UpstreamFailure(serial, phase string) {
	upstreamFailures.WithLabelValues(serial, phase).Inc()
}

func RecordFrame(direction, command string, payloadLen int) {
	frames.WithLabelValues(direction, command).Inc()
	if payloadLen > 0 {
		payloadBytes.WithLabelValues(direction).Add(float64(payloadLen))
	}
}

func ProtocolError(reason string) {
	protocolErrors.WithLabelValues(reason).Inc()
}

// ForgetDevice drops per-device series once a device is unregistered.
func ForgetDevice(serial string) {
	connectionsAccepted.DeleteLabelValues(serial)
	connectionsActive.DeleteLabelValues(serial)
	streamsOpened.DeleteLabelValues(serial)
	streamsActive.DeleteLabelValues(serial)
	upstreamFailures.DeletePartialMatch(prometheus.Labels{"serial": serial})
}
