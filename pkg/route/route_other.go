//go:build !linux

package route

import "net/netip"

func get(netip.Addr) (Route, error) {
	return Route{}, ErrUnsupported
}
