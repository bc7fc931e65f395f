package network

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	probesQueued   prometheus.Counter
	buildFailures  prometheus.Counter
	packetsSent    prometheus.Counter
	sendFailures   prometheus.Counter
	packetsRecv    prometheus.Counter
	packetsDropped prometheus.Counter
	repliesMatched prometheus.Counter
}

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paristrace",
			Subsystem: "network",
			Name:      name,
			Help:      help,
		})
	}
	return &metrics{
		probesQueued:   counter("probes_queued_total", "Probes serialized and queued for transmission"),
		buildFailures:  counter("probe_build_failures_total", "Probes rejected by packet construction"),
		packetsSent:    counter("packets_sent_total", "Packets handed to the socket pool"),
		sendFailures:   counter("send_failures_total", "Packets the socket pool failed to send"),
		packetsRecv:    counter("packets_received_total", "Packets queued by the sniffer"),
		packetsDropped: counter("packets_dropped_total", "Received packets discarded without a match"),
		repliesMatched: counter("replies_matched_total", "Received packets matched to an outstanding probe"),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.probesQueued, m.buildFailures, m.packetsSent, m.sendFailures,
		m.packetsRecv, m.packetsDropped, m.repliesMatched,
	}
}

// register adds every counter to reg. On failure the counters registered so
// far are removed again. A nil reg is a no-op.
func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	cs := m.collectors()
	for i, c := range cs {
		if err := reg.Register(c); err != nil {
			for _, done := range cs[:i] {
				reg.Unregister(done)
			}
			return err
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
