package ddnsync

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// FromString constructs a resolver that parses an IP from the string addr.
// It is useful to pin the address instead of asking the internet for it.
func FromString(addr string) Resolver {
	return stringResolver(addr)
}

type stringResolver string

func (s stringResolver) Resolve(context.Context) (netip.Addr, error) {
	addr, err := netip.ParseAddr(string(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: unable to parse IP: %w", ErrResolutionFailed, err)
	}
	return addr.Unmap(), nil
}

// ResolverFunc adapts an ordinary function to the Resolver interface.
type ResolverFunc func(context.Context) (netip.Addr, error)

// Resolve calls f.
// An invalid address with a nil error is reported as ErrResolutionFailed.
func (f ResolverFunc) Resolve(ctx context.Context) (netip.Addr, error) {
	addr, err := f(ctx)
	if err != nil {
		if !errors.Is(err, ErrResolutionFailed) {
			err = fmt.Errorf("%w: %w", ErrResolutionFailed, err)
		}
		return netip.Addr{}, err
	}
	if !addr.IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: resolver returned no address", ErrResolutionFailed)
	}
	return addr.Unmap(), nil
}
