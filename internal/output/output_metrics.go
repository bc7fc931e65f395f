package output

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsOutput publishes hop results as Prometheus gauges.
type MetricsOutput struct {
	destination string

	hopRTT             *prometheus.GaugeVec
	hopTimeout         *prometheus.GaugeVec
	destinationReached *prometheus.GaugeVec
	traceHops          *prometheus.GaugeVec
}

// NewMetricsOutput registers its collectors with reg.
func NewMetricsOutput(reg prometheus.Registerer, destination string) (*MetricsOutput, error) {
	m := &MetricsOutput{
		destination: destination,
		hopRTT: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "paristrace",
				Name:      "hop_rtt_ms",
				Help:      "Round-trip time to each hop in milliseconds",
			},
			[]string{"destination", "ttl", "hop_ip", "hop_ptr"},
		),
		hopTimeout: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "paristrace",
				Name:      "hop_timeout",
				Help:      "Whether the last probe to a hop timed out (1 = timeout, 0 = response)",
			},
			[]string{"destination", "ttl"},
		),
		destinationReached: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "paristrace",
				Name:      "destination_reached",
				Help:      "Whether the destination was reached (1 = yes, 0 = no)",
			},
			[]string{"destination"},
		),
		traceHops: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "paristrace",
				Name:      "hops",
				Help:      "Number of hops in the completed trace",
			},
			[]string{"destination"},
		),
	}
	for _, c := range []prometheus.Collector{m.hopRTT, m.hopTimeout, m.destinationReached, m.traceHops} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsOutput) UpdateHop(hop Hop) {
	ttl := strconv.Itoa(int(hop.TTL))
	if hop.Timeout {
		m.hopTimeout.WithLabelValues(m.destination, ttl).Set(1)
		return
	}
	m.hopTimeout.WithLabelValues(m.destination, ttl).Set(0)
	m.hopRTT.WithLabelValues(m.destination, ttl, hop.Addr.String(), hop.PTR).Set(float64(hop.RTT.Microseconds()) / 1000)
}

func (m *MetricsOutput) Complete(trace Trace) {
	reached := 0.0
	if trace.Reached {
		reached = 1
	}
	m.destinationReached.WithLabelValues(m.destination).Set(reached)
	m.traceHops.WithLabelValues(m.destination).Set(float64(trace.Hops))
}

func (m *MetricsOutput) Close() error { return nil }
