package ddnsync

import (
	"context"
	"net/netip"
)

// Resolver looks up the public address of this host.
type Resolver interface {
	Resolve(context.Context) (netip.Addr, error)
}

// Provider is the record API of a DNS provider.
//
// Implementations never retry internally.
// Failures wrap ErrAuth, ErrNotFound or ErrTransient where the cause is known.
type Provider interface {
	// ListRecords returns every record of domain.
	ListRecords(ctx context.Context, domain string) ([]Record, error)

	// CreateRecord adds r to domain and returns it with the provider-assigned ID.
	// The provider does not deduplicate, so callers must check for an existing record first.
	CreateRecord(ctx context.Context, domain string, r Record) (Record, error)

	// UpdateRecord sets the value and TTL of an existing record.
	UpdateRecord(ctx context.Context, domain, recordID, value string, ttl int) error

	// TestConnection makes a cheap authenticated call.
	// A nil error means the credential is usable.
	TestConnection(ctx context.Context) error
}

// ProviderFactory builds a Provider for an API credential.
type ProviderFactory func(apiKey string) (Provider, error)

// Record is a DNS record as reported by the provider.
type Record struct {
	ID      string
	Type    string
	Name    string
	Content string
	TTL     int
}
