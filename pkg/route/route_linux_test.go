//go:build linux

package route

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

func fakeInterfaces(t *testing.T) {
	t.Helper()
	orig := interfaceByIndex
	interfaceByIndex = func(i int) (*net.Interface, error) {
		switch i {
		case 2:
			return &net.Interface{Index: 2, Name: "eth0", Flags: net.FlagUp}, nil
		case 3:
			return &net.Interface{Index: 3, Name: "eth1"}, nil
		}
		return nil, errors.New("no such network interface")
	}
	t.Cleanup(func() { interfaceByIndex = orig })
}

func msg(family uint8, dst, src, gw string, oif uint32) rtnetlink.RouteMessage {
	m := rtnetlink.RouteMessage{Family: family, Attributes: rtnetlink.RouteAttributes{OutIface: oif}}
	if dst != "" {
		m.Attributes.Dst = netip.MustParseAddr(dst).AsSlice()
	}
	if src != "" {
		m.Attributes.Src = netip.MustParseAddr(src).AsSlice()
	}
	if gw != "" {
		m.Attributes.Gateway = netip.MustParseAddr(gw).AsSlice()
	}
	return m
}

func TestFromMessages(t *testing.T) {
	fakeInterfaces(t)
	v4 := netip.MustParseAddr("198.51.100.7")
	v6 := netip.MustParseAddr("2001:db8::7")

	tests := []struct {
		name    string
		dst     netip.Addr
		msgs    []rtnetlink.RouteMessage
		want    Route
		wantErr bool
	}{
		{
			name: "ipv4 via gateway",
			dst:  v4,
			msgs: []rtnetlink.RouteMessage{msg(unix.AF_INET, "198.51.100.7", "192.0.2.10", "192.0.2.1", 2)},
			want: Route{
				Destination: v4,
				Gateway:     netip.MustParseAddr("192.0.2.1"),
				Source:      netip.MustParseAddr("192.0.2.10"),
			},
		},
		{
			name: "ipv6 directly connected",
			dst:  v6,
			msgs: []rtnetlink.RouteMessage{msg(unix.AF_INET6, "2001:db8::7", "2001:db8::10", "", 2)},
			want: Route{Destination: v6, Source: netip.MustParseAddr("2001:db8::10")},
		},
		{name: "no answer", dst: v4, wantErr: true},
		{
			name: "multiple answers",
			dst:  v4,
			msgs: []rtnetlink.RouteMessage{
				msg(unix.AF_INET, "198.51.100.7", "192.0.2.10", "", 2),
				msg(unix.AF_INET, "198.51.100.7", "192.0.2.20", "", 2),
			},
			wantErr: true,
		},
		{
			name:    "answer for another destination",
			dst:     v4,
			msgs:    []rtnetlink.RouteMessage{msg(unix.AF_INET, "198.51.100.8", "192.0.2.10", "", 2)},
			wantErr: true,
		},
		{
			name:    "missing source",
			dst:     v4,
			msgs:    []rtnetlink.RouteMessage{msg(unix.AF_INET, "198.51.100.7", "", "", 2)},
			wantErr: true,
		},
		{
			name:    "interface down",
			dst:     v4,
			msgs:    []rtnetlink.RouteMessage{msg(unix.AF_INET, "198.51.100.7", "192.0.2.10", "", 3)},
			wantErr: true,
		},
		{
			name:    "unknown interface",
			dst:     v4,
			msgs:    []rtnetlink.RouteMessage{msg(unix.AF_INET, "198.51.100.7", "192.0.2.10", "", 9)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fromMessages(tt.dst, tt.msgs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("fromMessages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.Destination != tt.want.Destination || got.Source != tt.want.Source || got.Gateway != tt.want.Gateway {
				t.Errorf("fromMessages() = %+v, want %+v", got, tt.want)
			}
			if got.Interface == nil || got.Interface.Name != "eth0" {
				t.Errorf("fromMessages() interface = %v, want eth0", got.Interface)
			}
		})
	}
}

func TestGetQueryError(t *testing.T) {
	orig := queryRoute
	queryRoute = func(netip.Addr) ([]rtnetlink.RouteMessage, error) { return nil, errors.New("dial failed") }
	defer func() { queryRoute = orig }()

	if _, err := Get(netip.MustParseAddr("192.0.2.1")); err == nil {
		t.Error("Get() error = nil, want dial failure")
	}
}

func TestGetUnmapsDestination(t *testing.T) {
	fakeInterfaces(t)
	orig := queryRoute
	var asked netip.Addr
	queryRoute = func(dst netip.Addr) ([]rtnetlink.RouteMessage, error) {
		asked = dst
		return []rtnetlink.RouteMessage{msg(unix.AF_INET, "192.0.2.1", "192.0.2.10", "", 2)}, nil
	}
	defer func() { queryRoute = orig }()

	r, err := Get(netip.MustParseAddr("::ffff:192.0.2.1"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !asked.Is4() {
		t.Errorf("queried %v, want an IPv4 address", asked)
	}
	if r.Source.String() != "192.0.2.10" {
		t.Errorf("Source = %v, want 192.0.2.10", r.Source)
	}
}
