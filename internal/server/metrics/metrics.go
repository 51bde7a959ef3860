// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transports label bytes served.
const (
	TransportHTTP   = "http"
	TransportStream = "stream"
)

// Gauges supplies live values read at scrape time.
type Gauges struct {
	Shares         func() int
	SharedBytes    func() int64
	Subscribers    func() int
	PendingUploads func() int
}

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	bytesServed *prometheus.CounterVec
	gatherer    prometheus.Gatherer
}

// New registers the collectors with reg. Gauges with a nil func are skipped.
func New(reg *prometheus.Registry, g Gauges) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests processed.",
			},
			[]string{"method", "path", "status"},
		),
		bytesServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerlink_bytes_served_total",
				Help: "Bytes of shared files written to clients.",
			},
			[]string{"transport"},
		),
		gatherer: reg,
	}

	collectors := []prometheus.Collector{m.requests, m.bytesServed}
	if g.Shares != nil {
		collectors = append(collectors, gaugeFunc("peerlink_active_shares", "Share codes currently registered.", func() float64 {
			return float64(g.Shares())
		}))
	}
	if g.SharedBytes != nil {
		collectors = append(collectors, gaugeFunc("peerlink_shared_bytes", "Total size of registered files.", func() float64 {
			return float64(g.SharedBytes())
		}))
	}
	if g.Subscribers != nil {
		collectors = append(collectors, gaugeFunc("peerlink_event_subscribers", "Open event stream subscribers.", func() float64 {
			return float64(g.Subscribers())
		}))
	}
	if g.PendingUploads != nil {
		collectors = append(collectors, gaugeFunc("peerlink_pending_chunked_uploads", "Chunked uploads awaiting their last chunk.", func() float64 {
			return float64(g.PendingUploads())
		}))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRequest counts one HTTP request.
func (m *Metrics) ObserveRequest(method, path string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// AddBytesServed counts bytes written to a client over transport.
func (m *Metrics) AddBytesServed(transport string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesServed.WithLabelValues(transport).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}
