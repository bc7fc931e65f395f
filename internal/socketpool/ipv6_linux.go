//go:build linux

package socketpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type rawIPv6 struct {
	fd int
}

// openRawIPv6 opens an IPPROTO_RAW socket, which implies IPV6_HDRINCL.
func openRawIPv6() (ip6Sender, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, err
	}
	return &rawIPv6{fd: fd}, nil
}

func (r *rawIPv6) send(buf []byte, dst [16]byte) error {
	if err := unix.Sendto(r.fd, buf, 0, &unix.SockaddrInet6{Addr: dst}); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}
	return nil
}

func (r *rawIPv6) close() error {
	return unix.Close(r.fd)
}
