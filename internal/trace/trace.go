// Package trace runs a Paris traceroute: UDP probes with a constant flow
// identifier and increasing TTL, sent through the network layer and matched
// against the ICMP errors they trigger.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkjaer/paristrace/internal/config"
	"github.com/tkjaer/paristrace/internal/match"
	"github.com/tkjaer/paristrace/internal/network"
	"github.com/tkjaer/paristrace/internal/output"
	"github.com/tkjaer/paristrace/internal/packet"
	"github.com/tkjaer/paristrace/internal/probe"
	"github.com/tkjaer/paristrace/internal/sniffer"
	"github.com/tkjaer/paristrace/internal/socketpool"
	"github.com/tkjaer/paristrace/pkg/ptr"
	"github.com/tkjaer/paristrace/pkg/route"
)

var ErrNoAddress = errors.New("destination has no usable address")

// prober is the part of the network layer a trace drives.
type prober interface {
	SendProbe(pr *probe.Probe, cb network.Callback) error
	Run(ctx context.Context) error
	Close() error
}

// event is one probe outcome: a reply or a timeout.
type event struct {
	reply   *match.Reply
	timeout *match.Timeout
}

type Tracer struct {
	args    config.Args
	flow    flow
	iface   string
	net     prober
	tracker *match.Tracker
	ptr     *ptr.Resolver
	om      *output.OutputManager
	events  chan event
	done    chan struct{}
	once    sync.Once
}

// Lookups replaced in tests.
var (
	lookupHost = net.DefaultResolver.LookupNetIP
	getRoute   = route.Get
)

// New resolves the destination, picks the source address from the routing
// table and opens the network layer. Counters are registered with reg when
// it is not nil.
func New(ctx context.Context, args config.Args, om *output.OutputManager, reg prometheus.Registerer) (*Tracer, error) {
	dst, err := resolveDestination(ctx, args)
	if err != nil {
		return nil, err
	}
	rt, err := getRoute(dst)
	if err != nil {
		return nil, fmt.Errorf("route to %v: %w", dst, err)
	}
	t := &Tracer{
		args: args,
		flow: flow{
			src:         rt.Source,
			dst:         dst,
			srcPort:     uint16(args.SourcePort),
			dstPort:     uint16(args.DestinationPort),
			payloadSize: int(args.PayloadSize),
		},
		iface:  args.Interface,
		om:     om,
		events: make(chan event, 256),
		done:   make(chan struct{}),
	}
	if t.iface == "" && rt.Interface != nil {
		t.iface = rt.Interface.Name
	}
	if !args.NoResolve {
		t.ptr = ptr.NewResolver()
	}
	slog.Debug("Route selected", "destination", dst, "source", rt.Source, "gateway", rt.Gateway, "interface", t.iface)

	t.tracker = match.NewTracker(match.Config{
		Timeout:   args.Timeout,
		OnTimeout: func(to match.Timeout) { t.emit(event{timeout: &to}) },
	})
	t.net, err = network.New(network.Config{
		NewSocketPool: func() (network.SocketPool, error) {
			return socketpool.New(socketpool.Config{IPv4: dst.Is4(), IPv6: dst.Is6()})
		},
		NewSniffer: func(h func(*packet.Packet)) (network.Sniffer, error) {
			return sniffer.New(sniffer.Config{
				Interface: t.iface,
				Source:    rt.Source,
				Timeout:   100 * time.Millisecond,
			}, h)
		},
		Matcher:    t.tracker,
		OnReply:    func(r match.Reply) { t.emit(event{reply: &r}) },
		Tagger:     packet.ChecksumTagger{},
		Registerer: reg,
	})
	if err != nil {
		t.tracker.Stop()
		return nil, err
	}
	return t, nil
}

// emit hands an outcome to Run. Outcomes arriving after Close are dropped.
func (t *Tracer) emit(ev event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func resolveDestination(ctx context.Context, args config.Args) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(args.Destination); err == nil {
		ip = ip.Unmap()
		if (args.ForceIPv4 && !ip.Is4()) || (args.ForceIPv6 && !ip.Is6()) {
			return netip.Addr{}, fmt.Errorf("%w: %v does not match the forced address family", ErrNoAddress, ip)
		}
		return ip, nil
	}
	family := "ip"
	switch {
	case args.ForceIPv4:
		family = "ip4"
	case args.ForceIPv6:
		family = "ip6"
	}
	ips, err := lookupHost(ctx, family, args.Destination)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", args.Destination, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, args.Destination)
	}
	return ips[0].Unmap(), nil
}

// Run sends the probes and reports every outcome until all probes are
// answered or timed out, or ctx is done.
func (t *Tracer) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := t.net.Run(ctx); err != nil {
			slog.Error("Network error", "error", err)
		}
	}()

	// finalTTL is the lowest TTL answered with a destination unreachable
	// error. Nothing beyond it is sent or reported.
	var (
		finalTTL uint8
		finalMu  sync.Mutex
	)
	final := func() uint8 {
		finalMu.Lock()
		defer finalMu.Unlock()
		return finalTTL
	}

	sent := make(chan int, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sent <- t.sendProbes(ctx, final)
	}()

	trace := output.Trace{
		Destination: t.args.Destination,
		DstIP:       t.flow.dst,
		SrcIP:       t.flow.src,
		SrcPort:     t.flow.srcPort,
		DstPort:     t.flow.dstPort,
	}
	var (
		outcomes int
		total    = -1
		deadline <-chan time.Time
	)
	for total < 0 || outcomes < total {
		select {
		case <-ctx.Done():
			total = outcomes
		case n := <-sent:
			total = n
			// Probes whose transmission failed never produce an outcome.
			deadline = time.After(t.args.Timeout + time.Second)
		case <-deadline:
			slog.Warn("Giving up on missing probe outcomes", "missing", total-outcomes)
			total = outcomes
		case ev := <-t.events:
			outcomes++
			hop := t.hop(ctx, ev)
			if hop.Final {
				finalMu.Lock()
				if finalTTL == 0 || hop.TTL < finalTTL {
					finalTTL = hop.TTL
					trace.Reached = hop.Addr == t.flow.dst
				}
				finalMu.Unlock()
			}
			if f := final(); f == 0 || hop.TTL <= f {
				t.om.UpdateHop(hop)
			}
		}
	}

	if f := final(); f != 0 {
		trace.Hops = int(f)
	} else {
		trace.Hops = int(t.args.MaxTTL)
	}
	t.om.Complete(trace)

	cancel()
	wg.Wait()
	return parent.Err()
}

// sendProbes queues queries probes per TTL and returns how many were
// queued. It stops early once a destination unreachable error arrived.
func (t *Tracer) sendProbes(ctx context.Context, final func() uint8) int {
	first, last := uint8(t.args.FirstTTL), uint8(t.args.MaxTTL)
	queries := int(t.args.Queries)
	count := 0
	for ttl := int(first); ttl <= int(last); ttl++ {
		if f := final(); f != 0 && uint8(ttl) > f {
			break
		}
		for q := range queries {
			pr, err := buildProbe(t.flow, uint8(ttl), encodeTag(uint8(ttl), first, q, queries))
			if err != nil {
				slog.Error("Error building probe", "ttl", ttl, "error", err)
				return count
			}
			if err := t.net.SendProbe(pr, nil); err != nil {
				slog.Error("Error queueing probe", "ttl", ttl, "error", err)
				return count
			}
			count++
			select {
			case <-ctx.Done():
				return count
			case <-time.After(t.args.InterProbeDelay):
			}
		}
	}
	return count
}

func (t *Tracer) hop(ctx context.Context, ev event) output.Hop {
	queries := int(t.args.Queries)
	first := uint8(t.args.FirstTTL)
	if ev.timeout != nil {
		ttl, q := decodeTag(ev.timeout.Tag, first, queries)
		return output.Hop{TTL: ttl, Query: q, Timeout: true}
	}
	r := ev.reply
	ttl, q := decodeTag(r.Tag, first, queries)
	hop := output.Hop{
		TTL:      ttl,
		Query:    q,
		Addr:     r.From,
		RTT:      r.RTT,
		Final:    r.Final,
		RecvTime: r.Received,
	}
	if t.ptr != nil {
		hop.PTR = t.ptr.Lookup(ctx, r.From)
	}
	return hop
}

// Close releases the network layer and stops the probe registry.
func (t *Tracer) Close() error {
	t.once.Do(func() { close(t.done) })
	err := t.net.Close()
	if t.tracker != nil {
		t.tracker.Stop()
	}
	return err
}
