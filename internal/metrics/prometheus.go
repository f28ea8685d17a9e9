// Package metrics holds the Prometheus collectors exported by the gateway.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "proxy_plugins"

var (
	// PluginResults counts plugin invocations by step, kind and outcome.
	// The outcome label is one of continue, respond, handled or error.
	PluginResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_results_total",
			Help:      "Total plugin invocations by step, kind and outcome",
		},
		[]string{"step", "kind", "outcome"},
	)

	// RequestDuration tracks time spent handling a request through the pipeline.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request handling latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
)

// RecordPluginResult counts one plugin invocation.
func RecordPluginResult(step, kind, outcome string) {
	PluginResults.WithLabelValues(step, kind, outcome).Inc()
}

// RecordRequest observes the duration of a completed request.
func RecordRequest(status int, d time.Duration) {
	if status == 0 {
		status = 200
	}
	RequestDuration.WithLabelValues(strconv.Itoa(status)).Observe(d.Seconds())
}

// Counter reports a current count, e.g. the number of tracked in-flight keys.
type Counter interface {
	Len() int
}

// RegisterInflightKeys exports the number of keys c tracks as a gauge.
// Registering twice keeps the first collector.
func RegisterInflightKeys(reg prometheus.Registerer, c Counter) error {
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_keys",
			Help:      "Number of limiter keys with requests in flight",
		},
		func() float64 { return float64(c.Len()) },
	)
	if err := reg.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
