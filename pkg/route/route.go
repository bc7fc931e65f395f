// Package route selects the source address and outgoing interface the kernel
// would use to reach a destination.
package route

import (
	"errors"
	"net"
	"net/netip"
)

var (
	ErrNoRoute     = errors.New("no route to destination")
	ErrUnsupported = errors.New("route lookup is not supported on this platform")
)

// Route is the kernel's choice of path towards Destination.
type Route struct {
	Destination netip.Addr
	// Gateway is invalid for directly connected destinations.
	Gateway   netip.Addr
	Source    netip.Addr
	Interface *net.Interface
}

// Get returns the route the kernel selects for dst.
func Get(dst netip.Addr) (Route, error) {
	return get(dst.Unmap())
}
