package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// TextOutput prints one traceroute line per TTL. Replies arrive out of
// order, so a line is held back until every query of its TTL and of all
// lower TTLs has an outcome.
type TextOutput struct {
	mu      sync.Mutex
	w       io.Writer
	queries int
	next    uint8
	pending map[uint8][]Hop
}

func NewTextOutput(w io.Writer, firstTTL uint8, queries int) *TextOutput {
	return &TextOutput{
		w:       w,
		queries: queries,
		next:    firstTTL,
		pending: make(map[uint8][]Hop),
	}
}

func (t *TextOutput) UpdateHop(hop Hop) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hop.TTL < t.next {
		return
	}
	t.pending[hop.TTL] = append(t.pending[hop.TTL], hop)
	for len(t.pending[t.next]) >= t.queries {
		t.printLine(t.next)
		t.next++
	}
}

// Complete prints whatever is still held back.
func (t *TextOutput) Complete(trace Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ttls := make([]int, 0, len(t.pending))
	for ttl := range t.pending {
		ttls = append(ttls, int(ttl))
	}
	sort.Ints(ttls)
	for _, ttl := range ttls {
		t.printLine(uint8(ttl))
	}
	if !trace.Reached {
		fmt.Fprintf(t.w, "%s not reached\n", trace.Destination)
	}
}

func (t *TextOutput) printLine(ttl uint8) {
	hops := t.pending[ttl]
	delete(t.pending, ttl)
	sort.Slice(hops, func(i, j int) bool { return hops[i].Query < hops[j].Query })

	var b strings.Builder
	fmt.Fprintf(&b, "%2d ", ttl)
	var last string
	for _, h := range hops {
		if h.Timeout {
			b.WriteString(" *")
			continue
		}
		if addr := h.Addr.String(); addr != last {
			if h.PTR != "" {
				fmt.Fprintf(&b, " %s (%s)", h.PTR, addr)
			} else {
				fmt.Fprintf(&b, " %s", addr)
			}
			last = addr
		}
		fmt.Fprintf(&b, "  %.3f ms", float64(h.RTT.Microseconds())/1000)
	}
	fmt.Fprintln(t.w, b.String())
}

func (t *TextOutput) Close() error {
	return nil
}
