package trace

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkjaer/paristrace/internal/config"
	"github.com/tkjaer/paristrace/internal/match"
	"github.com/tkjaer/paristrace/internal/network"
	"github.com/tkjaer/paristrace/internal/output"
	"github.com/tkjaer/paristrace/internal/packet"
	"github.com/tkjaer/paristrace/internal/probe"
	"github.com/tkjaer/paristrace/pkg/route"
)

var (
	testSrc = netip.MustParseAddr("192.0.2.10")
	testDst = netip.MustParseAddr("198.51.100.7")
)

// recordOutput keeps everything reported to it.
type recordOutput struct {
	mu    sync.Mutex
	hops  []output.Hop
	trace *output.Trace
}

func (r *recordOutput) UpdateHop(hop output.Hop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hops = append(r.hops, hop)
}

func (r *recordOutput) Complete(trace output.Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = &trace
}

func (r *recordOutput) Close() error { return nil }

// fakeProber answers every probe synchronously through respond.
type fakeProber struct {
	t       *testing.T
	tracer  *Tracer
	respond func(ttl uint8, tag uint16) *event

	mu   sync.Mutex
	ttls []uint8
}

func (f *fakeProber) SendProbe(pr *probe.Probe, _ network.Callback) error {
	pkt, err := packet.FromProbe(pr, packet.WithTagger(packet.ChecksumTagger{}))
	require.NoError(f.t, err)
	ttlField, ok := pr.Field("ttl")
	require.True(f.t, ok)
	ttl, err := ttlField.Int8()
	require.NoError(f.t, err)

	f.mu.Lock()
	f.ttls = append(f.ttls, ttl)
	f.mu.Unlock()

	if ev := f.respond(ttl, pkt.Tag); ev != nil {
		f.tracer.emit(*ev)
	}
	return nil
}

func (f *fakeProber) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeProber) Close() error { return nil }

func (f *fakeProber) sent() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint8(nil), f.ttls...)
}

func newTestTracer(t *testing.T, args config.Args, respond func(uint8, uint16) *event) (*Tracer, *fakeProber, *recordOutput) {
	t.Helper()
	rec := &recordOutput{}
	om := &output.OutputManager{}
	om.Register(rec)

	tr := &Tracer{
		args: args,
		flow: flow{
			src:         testSrc,
			dst:         testDst,
			srcPort:     50000,
			dstPort:     33434,
			payloadSize: 2,
		},
		om:     om,
		events: make(chan event, 256),
		done:   make(chan struct{}),
	}
	fp := &fakeProber{t: t, tracer: tr, respond: respond}
	tr.net = fp
	t.Cleanup(func() { tr.Close() })
	return tr, fp, rec
}

func testArgs() config.Args {
	return config.Args{
		Destination:     "198.51.100.7",
		FirstTTL:        1,
		MaxTTL:          10,
		Queries:         2,
		Timeout:         time.Second,
		InterProbeDelay: time.Millisecond,
		NoResolve:       true,
	}
}

// routerReply returns a time exceeded reply for TTLs below dstTTL and a port
// unreachable from the destination at dstTTL and beyond.
func routerReply(dstTTL uint8) func(uint8, uint16) *event {
	return func(ttl uint8, tag uint16) *event {
		r := match.Reply{
			From: netip.AddrFrom4([4]byte{10, 0, 0, ttl}),
			Dst:  testDst,
			TTL:  ttl,
			Tag:  tag,
			Type: 11,
			RTT:  time.Duration(ttl) * time.Millisecond,
		}
		if ttl >= dstTTL {
			r.From, r.Type, r.Code, r.Final = testDst, 3, 3, true
		}
		return &event{reply: &r}
	}
}

func TestRun_ReachesDestination(t *testing.T) {
	tr, fp, rec := newTestTracer(t, testArgs(), routerReply(3))

	require.NoError(t, tr.Run(context.Background()))

	require.NotNil(t, rec.trace, "Complete not called")
	assert.True(t, rec.trace.Reached)
	assert.Equal(t, 3, rec.trace.Hops)
	assert.Equal(t, testDst, rec.trace.DstIP)

	require.Len(t, rec.hops, 6)
	seen := make(map[[2]int]bool)
	for _, h := range rec.hops {
		assert.LessOrEqual(t, h.TTL, uint8(3))
		assert.False(t, h.Timeout)
		seen[[2]int{int(h.TTL), h.Query}] = true
		if h.TTL == 3 {
			assert.True(t, h.Final)
			assert.Equal(t, testDst, h.Addr)
		} else {
			assert.Equal(t, netip.AddrFrom4([4]byte{10, 0, 0, h.TTL}), h.Addr)
		}
	}
	assert.Len(t, seen, 6, "every (ttl, query) pair reported once")

	for _, ttl := range fp.sent() {
		// Probes sent before the final reply was processed may go one TTL
		// further, never to the end of the range.
		assert.Less(t, ttl, uint8(10))
	}
}

func TestRun_Timeouts(t *testing.T) {
	args := testArgs()
	args.MaxTTL = 3
	args.Queries = 1
	tr, _, rec := newTestTracer(t, args, func(ttl uint8, tag uint16) *event {
		if ttl == 2 {
			return &event{timeout: &match.Timeout{Dst: testDst, TTL: ttl, Tag: tag}}
		}
		r := match.Reply{From: netip.AddrFrom4([4]byte{10, 0, 0, ttl}), TTL: ttl, Tag: tag}
		return &event{reply: &r}
	})

	require.NoError(t, tr.Run(context.Background()))

	require.NotNil(t, rec.trace)
	assert.False(t, rec.trace.Reached)
	assert.Equal(t, 3, rec.trace.Hops)
	require.Len(t, rec.hops, 3)
	for _, h := range rec.hops {
		assert.Equal(t, h.TTL == 2, h.Timeout, "ttl %d", h.TTL)
		if h.Timeout {
			assert.False(t, h.Addr.IsValid())
		}
	}
}

func TestRun_UnreachableFromRouter(t *testing.T) {
	args := testArgs()
	args.Queries = 1
	tr, _, rec := newTestTracer(t, args, func(ttl uint8, tag uint16) *event {
		r := match.Reply{From: netip.AddrFrom4([4]byte{10, 0, 0, ttl}), TTL: ttl, Tag: tag, Type: 11}
		if ttl >= 2 {
			r.Type, r.Code, r.Final = 3, 1, true
		}
		return &event{reply: &r}
	})

	require.NoError(t, tr.Run(context.Background()))

	require.NotNil(t, rec.trace)
	assert.False(t, rec.trace.Reached, "a router's unreachable does not reach the destination")
	assert.Equal(t, 2, rec.trace.Hops)
}

func TestRun_Cancel(t *testing.T) {
	tr, _, rec := newTestTracer(t, testArgs(), func(uint8, uint16) *event { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rec.trace, "Complete must run on cancellation")
	assert.False(t, rec.trace.Reached)
}

func TestRun_MissingOutcomesGiveUp(t *testing.T) {
	args := testArgs()
	args.MaxTTL = 2
	args.Queries = 1
	args.Timeout = 10 * time.Millisecond
	tr, _, rec := newTestTracer(t, args, func(uint8, uint16) *event { return nil })

	start := time.Now()
	require.NoError(t, tr.Run(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NotNil(t, rec.trace)
	assert.Empty(t, rec.hops)
}

func TestEmitAfterClose(t *testing.T) {
	tr, _, _ := newTestTracer(t, testArgs(), nil)
	tr.events = make(chan event)
	require.NoError(t, tr.Close())

	done := make(chan struct{})
	go func() {
		tr.emit(event{timeout: &match.Timeout{}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked after Close")
	}
}

func TestResolveDestination(t *testing.T) {
	orig := lookupHost
	defer func() { lookupHost = orig }()

	var gotNetwork string
	lookupHost = func(_ context.Context, network, host string) ([]netip.Addr, error) {
		gotNetwork = network
		switch host {
		case "example.com":
			return []netip.Addr{netip.MustParseAddr("::ffff:198.51.100.7")}, nil
		case "empty.example":
			return nil, nil
		}
		return nil, errors.New("no such host")
	}

	tests := []struct {
		name        string
		args        config.Args
		want        netip.Addr
		wantNetwork string
		wantErr     bool
	}{
		{name: "literal v4", args: config.Args{Destination: "198.51.100.7"}, want: testDst},
		{name: "literal v6", args: config.Args{Destination: "2001:db8::1"}, want: netip.MustParseAddr("2001:db8::1")},
		{name: "literal family mismatch", args: config.Args{Destination: "198.51.100.7", ForceIPv6: true}, wantErr: true},
		{name: "name unmapped", args: config.Args{Destination: "example.com"}, want: testDst, wantNetwork: "ip"},
		{name: "name forced v4", args: config.Args{Destination: "example.com", ForceIPv4: true}, want: testDst, wantNetwork: "ip4"},
		{name: "no addresses", args: config.Args{Destination: "empty.example"}, wantErr: true},
		{name: "lookup failure", args: config.Args{Destination: "bogus.example"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotNetwork = ""
			got, err := resolveDestination(context.Background(), tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantNetwork, gotNetwork)
		})
	}
}

func TestNew_NoRoute(t *testing.T) {
	orig := getRoute
	defer func() { getRoute = orig }()
	getRoute = func(netip.Addr) (route.Route, error) { return route.Route{}, route.ErrNoRoute }

	_, err := New(context.Background(), config.Args{Destination: "198.51.100.7"}, &output.OutputManager{}, nil)
	assert.ErrorIs(t, err, route.ErrNoRoute)
}
