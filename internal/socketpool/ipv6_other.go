//go:build !linux

package socketpool

func openRawIPv6() (ip6Sender, error) {
	return nil, ErrUnsupported
}
