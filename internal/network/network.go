// Package network ties the packet pipeline to the wire. Probes are serialized
// onto a send queue, a socket pool transmits them, and a sniffer feeds
// captured packets into a receive queue where an optional matcher pairs them
// with the probes they answer.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tkjaer/paristrace/internal/match"
	"github.com/tkjaer/paristrace/internal/packet"
	"github.com/tkjaer/paristrace/internal/probe"
	"github.com/tkjaer/paristrace/internal/queue"
)

var ErrNoSocketPool = errors.New("no socket pool factory configured")

// SocketPool transmits serialized packets.
type SocketPool interface {
	Send(pkt *packet.Packet) error
	Close() error
}

// Sniffer captures packets and hands each one to the handler it was created
// with until closed.
type Sniffer interface {
	Close() error
}

// Matcher pairs received packets with outstanding probes.
type Matcher interface {
	Track(pkt *packet.Packet) error
	Forget(pkt *packet.Packet)
	Match(pkt *packet.Packet) (match.Reply, bool)
}

// Callback is reserved for per-probe reply notification. It is accepted by
// SendProbe but not invoked; replies are reported through Config.OnReply.
type Callback func(match.Reply)

type Config struct {
	NewSocketPool func() (SocketPool, error)
	// NewSniffer is optional. Without it nothing reaches the receive queue
	// unless the caller pushes packets with Receive.
	NewSniffer func(handler func(*packet.Packet)) (Sniffer, error)
	Matcher    Matcher
	OnReply    func(match.Reply)
	Tagger     packet.Tagger
	// Registerer receives the network counters. Nil disables registration.
	Registerer prometheus.Registerer
}

type Network struct {
	cfg     Config
	pool    SocketPool
	sendq   *queue.Queue[*packet.Packet]
	recvq   *queue.Queue[*packet.Packet]
	sniffer Sniffer
	metrics *metrics

	closeOnce sync.Once
	closeErr  error
}

var newPacketQueue = func() (*queue.Queue[*packet.Packet], error) {
	return queue.New(queue.Config[*packet.Packet]{Format: dumpPacket})
}

func dumpPacket(w io.Writer, p *packet.Packet) {
	fmt.Fprintf(w, "  %v:%d %d bytes tag=%#04x\n", p.DstIP, p.DstPort, len(p.Buffer), p.Tag)
}

// New acquires the socket pool, the send queue, the receive queue and the
// sniffer in that order, then registers the counters. On failure everything
// acquired so far is released in reverse order.
func New(cfg Config) (*Network, error) {
	if cfg.NewSocketPool == nil {
		return nil, ErrNoSocketPool
	}
	if cfg.Tagger == nil {
		cfg.Tagger = packet.NopTagger{}
	}
	n := &Network{cfg: cfg, metrics: newMetrics()}

	var err error
	n.pool, err = cfg.NewSocketPool()
	if err != nil {
		return nil, fmt.Errorf("create socket pool: %w", err)
	}
	n.sendq, err = newPacketQueue()
	if err != nil {
		n.pool.Close()
		return nil, fmt.Errorf("create send queue: %w", err)
	}
	n.recvq, err = newPacketQueue()
	if err != nil {
		n.sendq.Close()
		n.pool.Close()
		return nil, fmt.Errorf("create receive queue: %w", err)
	}
	if cfg.NewSniffer != nil {
		n.sniffer, err = cfg.NewSniffer(n.Receive)
		if err != nil {
			n.recvq.Close()
			n.sendq.Close()
			n.pool.Close()
			return nil, fmt.Errorf("create sniffer: %w", err)
		}
	}
	if err := n.metrics.register(cfg.Registerer); err != nil {
		if n.sniffer != nil {
			n.sniffer.Close()
		}
		n.recvq.Close()
		n.sendq.Close()
		n.pool.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	slog.Debug("Network created", "sniffer", n.sniffer != nil, "matcher", cfg.Matcher != nil)
	return n, nil
}

// Close releases the sniffer, the queues and the socket pool. Packets still
// queued are discarded.
func (n *Network) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.sniffer != nil {
			errs = append(errs, n.sniffer.Close())
		}
		errs = append(errs, n.recvq.Close(), n.sendq.Close(), n.pool.Close())
		n.metrics.unregister(n.cfg.Registerer)
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}

// SendProbe serializes pr and queues the packet for transmission. The
// callback is reserved and currently ignored.
func (n *Network) SendProbe(pr *probe.Probe, _ Callback) error {
	pkt, err := packet.FromProbe(pr, packet.WithTagger(n.cfg.Tagger))
	if err != nil {
		n.metrics.buildFailures.Inc()
		return fmt.Errorf("build packet: %w", err)
	}
	if err := n.sendq.Push(pkt); err != nil {
		return fmt.Errorf("queue packet: %w", err)
	}
	n.metrics.probesQueued.Inc()
	return nil
}

// Receive queues a captured packet for matching. It is the handler bound to
// the sniffer.
func (n *Network) Receive(pkt *packet.Packet) {
	if err := n.recvq.Push(pkt); err != nil {
		slog.Debug("Dropping received packet", "error", err)
		return
	}
	n.metrics.packetsRecv.Inc()
}

// ProcessSendq transmits one queued packet without blocking. It returns
// queue.ErrEmpty when nothing is queued.
func (n *Network) ProcessSendq() error {
	pkt, err := n.sendq.TryPop()
	if err != nil {
		return err
	}
	return n.transmit(pkt)
}

// ProcessRecvq handles one received packet without blocking. It returns
// queue.ErrEmpty when nothing is queued.
func (n *Network) ProcessRecvq() error {
	pkt, err := n.recvq.TryPop()
	if err != nil {
		return err
	}
	n.handle(pkt)
	return nil
}

func (n *Network) transmit(pkt *packet.Packet) error {
	pkt.Time = time.Now()
	if n.cfg.Matcher != nil {
		if err := n.cfg.Matcher.Track(pkt); err != nil {
			slog.Debug("Packet not tracked", "dst", pkt.DstIP, "error", err)
		}
	}
	if err := n.pool.Send(pkt); err != nil {
		n.metrics.sendFailures.Inc()
		if n.cfg.Matcher != nil {
			n.cfg.Matcher.Forget(pkt)
		}
		return fmt.Errorf("send to %v: %w", pkt.DstIP, err)
	}
	n.metrics.packetsSent.Inc()
	slog.Debug("Packet sent", "dst", pkt.DstIP, "port", pkt.DstPort, "tag", pkt.Tag, "bytes", len(pkt.Buffer))
	return nil
}

func (n *Network) handle(pkt *packet.Packet) {
	if n.cfg.Matcher == nil {
		n.metrics.packetsDropped.Inc()
		return
	}
	reply, ok := n.cfg.Matcher.Match(pkt)
	if !ok {
		n.metrics.packetsDropped.Inc()
		return
	}
	n.metrics.repliesMatched.Inc()
	if n.cfg.OnReply != nil {
		n.cfg.OnReply(reply)
	}
}

// SendqFd returns the send queue's readiness descriptor.
func (n *Network) SendqFd() (int, error) {
	return n.sendq.Fd()
}

// RecvqFd returns the receive queue's readiness descriptor.
func (n *Network) RecvqFd() (int, error) {
	return n.recvq.Fd()
}

// Pending returns the number of packets waiting in the send and receive
// queues.
func (n *Network) Pending() (send, recv int) {
	return n.sendq.Len(), n.recvq.Len()
}

// Dump writes the contents of both queues.
func (n *Network) Dump(w io.Writer) {
	fmt.Fprintln(w, "sendq:")
	n.sendq.Dump(w)
	fmt.Fprintln(w, "recvq:")
	n.recvq.Dump(w)
}

// Run drains both queues until ctx is done or the network is closed.
// Transmission errors are logged and do not stop the loop.
func (n *Network) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return drain(ctx, n.sendq, func(pkt *packet.Packet) {
			if err := n.transmit(pkt); err != nil {
				slog.Error("Error sending packet", "error", err)
			}
		})
	})
	g.Go(func() error {
		return drain(ctx, n.recvq, n.handle)
	})
	return g.Wait()
}

func drain(ctx context.Context, q *queue.Queue[*packet.Packet], fn func(*packet.Packet)) error {
	for {
		pkt, err := q.Pop(ctx)
		switch {
		case err == nil:
			fn(pkt)
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		default:
			return err
		}
	}
}
