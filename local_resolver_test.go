package ddnsync

import (
	"context"
	"errors"
	"net"
	"testing"
)

func ipNet(s string) net.Addr {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestPublicAddr(t *testing.T) {
	tests := []struct {
		name  string
		addrs []net.Addr
		want  string
	}{
		{"skips loopback and private", []net.Addr{ipNet("127.0.0.1/8"), ipNet("192.168.86.253/24"), ipNet("203.0.113.9/24")}, "203.0.113.9"},
		{"skips ula and link-local", []net.Addr{ipNet("fd64:9f44:fc30::a227/64"), ipNet("fe80::2cc9:801b:3551:9a43/64"), ipNet("2001:db8::5/64")}, "2001:db8::5"},
		{"first public wins", []net.Addr{ipNet("198.51.100.1/24"), ipNet("203.0.113.9/24")}, "198.51.100.1"},
		{"none", []net.Addr{ipNet("10.0.0.2/8"), &net.IPAddr{IP: net.ParseIP("203.0.113.1")}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := publicAddr(tt.addrs)
			if tt.want == "" {
				if !errors.Is(err, ErrResolutionFailed) {
					t.Fatalf("Expected ErrResolutionFailed; got %v (%s)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("publicAddr failed: %s", err)
			}
			if got.String() != tt.want {
				t.Fatalf("Expected %s; got %s", tt.want, got)
			}
		})
	}
}

func TestInterfaceResolverUnknownInterface(t *testing.T) {
	_, err := InterfaceResolver("ddnsync-no-such-if0").Resolve(context.Background())
	if !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("Expected ErrResolutionFailed; got %v", err)
	}
}
