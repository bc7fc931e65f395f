// Package output reports trace results.
package output

import (
	"net/netip"
	"time"
)

// Hop is the outcome of one probe.
type Hop struct {
	TTL   uint8
	Query int
	// Addr is invalid for timeouts.
	Addr     netip.Addr
	PTR      string
	RTT      time.Duration
	Timeout  bool
	Final    bool
	RecvTime time.Time
}

// Trace describes a finished trace.
type Trace struct {
	Destination string
	DstIP       netip.Addr
	SrcIP       netip.Addr
	SrcPort     uint16
	DstPort     uint16
	Reached     bool
	Hops        int
}

// Output interface for different output types
type Output interface {
	UpdateHop(hop Hop)
	Complete(trace Trace)
	Close() error
}

// OutputManager manages multiple outputs
type OutputManager struct {
	outputs []Output
}

func (om *OutputManager) Register(o Output) {
	om.outputs = append(om.outputs, o)
}

func (om *OutputManager) UpdateHop(hop Hop) {
	for _, o := range om.outputs {
		o.UpdateHop(hop)
	}
}

func (om *OutputManager) Complete(trace Trace) {
	for _, o := range om.outputs {
		o.Complete(trace)
	}
}

func (om *OutputManager) Close() {
	for _, o := range om.outputs {
		o.Close()
	}
}
