package ddnsync

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/hashicorp/go-multierror"
)

// InterfaceResolver constructs a resolver that reads the public address assigned to one of the given interfaces.
// If no interfaces are provided then all interfaces will be used.
//
// It is meant for hosts that hold their public address directly, such as a VPS or an IPv6 host.
// Loopback, link-local and private addresses are skipped; the first remaining address wins.
func InterfaceResolver(iface ...string) Resolver {
	return interfaceResolver{ifaces: iface}
}

type interfaceResolver struct {
	ifaces []string
}

func (r interfaceResolver) Resolve(context.Context) (netip.Addr, error) {
	if len(r.ifaces) == 0 {
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: error getting interface addresses: %w", ErrResolutionFailed, err)
		}
		return publicAddr(addrs)
	}

	var errs *multierror.Error
	for _, name := range r.ifaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("error getting interface %s by name: %w", name, err))
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("error looking up addresses for interface %s: %w", name, err))
			continue
		}
		ip, err := publicAddr(addrs)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("interface %s: %w", name, err))
			continue
		}
		return ip, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: %w", ErrResolutionFailed, errs)
}

// publicAddr returns the first globally routable address in addrs.
func publicAddr(addrs []net.Addr) (netip.Addr, error) {
	// addr: ip+net:192.168.86.253/24
	// addr: ip+net:fd64:9f44:fc30:0:b951:8b16:2812:a227/64
	// addr: ip+net:fe80::2cc9:801b:3551:9a43/64
	for _, addr := range addrs {
		prefix, err := netip.ParsePrefix(addr.String())
		if err != nil {
			continue
		}
		ip := prefix.Addr().Unmap()
		if ip.IsGlobalUnicast() && !ip.IsPrivate() {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: no public address among %d", ErrResolutionFailed, len(addrs))
}
