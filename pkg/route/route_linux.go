//go:build linux

package route

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// queryRoute asks the kernel for the route to dst with RTM_GETROUTE.
// Replaced in tests.
var queryRoute = func(dst netip.Addr) ([]rtnetlink.RouteMessage, error) {
	c, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer c.Close()

	family := unix.AF_INET
	if dst.Is6() {
		family = unix.AF_INET6
	}
	return c.Route.Get(&rtnetlink.RouteMessage{
		Family:     uint8(family),
		Table:      unix.RT_TABLE_MAIN,
		Attributes: rtnetlink.RouteAttributes{Dst: dst.AsSlice()},
	})
}

var interfaceByIndex = net.InterfaceByIndex

func get(dst netip.Addr) (Route, error) {
	msgs, err := queryRoute(dst)
	if err != nil {
		return Route{}, fmt.Errorf("route to %v: %w", dst, err)
	}
	return fromMessages(dst, msgs)
}

// fromMessages converts the kernel's answer to RTM_GETROUTE, which names the
// single route used for dst.
func fromMessages(dst netip.Addr, msgs []rtnetlink.RouteMessage) (Route, error) {
	switch len(msgs) {
	case 0:
		return Route{}, fmt.Errorf("%w: %v", ErrNoRoute, dst)
	case 1:
	default:
		return Route{}, fmt.Errorf("%d routes returned for %v", len(msgs), dst)
	}
	a := msgs[0].Attributes

	if got, ok := netip.AddrFromSlice(a.Dst); !ok || got.Unmap() != dst {
		return Route{}, fmt.Errorf("%w: kernel answered for %v", ErrNoRoute, a.Dst)
	}
	src, ok := netip.AddrFromSlice(a.Src)
	if !ok {
		return Route{}, fmt.Errorf("no source address on route to %v", dst)
	}
	gw, _ := netip.AddrFromSlice(a.Gateway)

	ifi, err := interfaceByIndex(int(a.OutIface))
	if err != nil {
		return Route{}, fmt.Errorf("interface %d: %w", a.OutIface, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return Route{}, fmt.Errorf("interface %s is down", ifi.Name)
	}
	return Route{
		Destination: dst,
		Gateway:     gw.Unmap(),
		Source:      src.Unmap(),
		Interface:   ifi,
	}, nil
}
