package ddnsync

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type updateCall struct {
	Domain, ID, Value string
	TTL               int
}

type createCall struct {
	Domain string
	Record Record
}

// fakeProvider keeps records in memory and counts calls.
type fakeProvider struct {
	mu      sync.Mutex
	records map[string][]Record // by domain
	nextID  int

	lists   int
	creates []createCall
	updates []updateCall
	tests   int

	// failures returned by the next calls, consumed in order; a nil entry means success
	listErr  map[string][]error // by domain
	writeErr map[string][]error // by record name as created ("@" or label) or record ID
	testErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		records:  make(map[string][]Record),
		listErr:  make(map[string][]error),
		writeErr: make(map[string][]error),
	}
}

func (f *fakeProvider) seed(domain string, r Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[domain] = append(f.records[domain], r)
}

func (f *fakeProvider) failWrites(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr[key] = append(f.writeErr[key], errs...)
}

func (f *fakeProvider) failLists(domain string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr[domain] = append(f.listErr[domain], errs...)
}

func pop(m map[string][]error, key string) error {
	errs := m[key]
	if len(errs) == 0 {
		return nil
	}
	m[key] = errs[1:]
	return errs[0]
}

func (f *fakeProvider) ListRecords(_ context.Context, domain string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if err := pop(f.listErr, domain); err != nil {
		return nil, err
	}
	return append([]Record(nil), f.records[domain]...), nil
}

func (f *fakeProvider) CreateRecord(_ context.Context, domain string, r Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{Domain: domain, Record: r})
	if err := pop(f.writeErr, r.Name); err != nil {
		return Record{}, err
	}
	f.nextID++
	r.ID = "rec-" + strconv.Itoa(f.nextID)
	f.records[domain] = append(f.records[domain], r)
	return r, nil
}

func (f *fakeProvider) UpdateRecord(_ context.Context, domain, recordID, value string, ttl int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{Domain: domain, ID: recordID, Value: value, TTL: ttl})
	if err := pop(f.writeErr, recordID); err != nil {
		return err
	}
	for i, r := range f.records[domain] {
		if r.ID == recordID {
			f.records[domain][i].Content = value
			f.records[domain][i].TTL = ttl
			return nil
		}
	}
	return &ProviderError{Op: "update record", Domain: domain, Status: 404, Kind: ErrNotFound, Err: fmt.Errorf("no record %s", recordID)}
}

func (f *fakeProvider) TestConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests++
	return f.testErr
}

func (f *fakeProvider) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates) + len(f.updates)
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists + len(f.creates) + len(f.updates)
}

func (f *fakeProvider) content(domain, name, typ string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, n := FindRecord(f.records[domain], Target{Domain: domain, Subdomain: name, RecordType: typ})
	return r.Content, n > 0
}

// sequence resolves to each address in turn; the last one repeats.
// An invalid address fails the lookup.
type sequence struct {
	mu    sync.Mutex
	addrs []netip.Addr
	calls int
}

func resolveTo(addrs ...string) *sequence {
	s := &sequence{}
	for _, a := range addrs {
		ip, _ := netip.ParseAddr(a)
		s.addrs = append(s.addrs, ip)
	}
	return s
}

func (s *sequence) Resolve(context.Context) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.addrs)-1)
	s.calls++
	if !s.addrs[i].IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: every service failed", ErrResolutionFailed)
	}
	return s.addrs[i], nil
}

func testConfig(targets ...Target) *Config {
	return &Config{
		APIKey:        "test-key",
		Domains:       targets,
		CheckInterval: 300,
		RetryInterval: 60,
		MaxRetries:    3,
	}
}

// recordedWaits replaces the retry and check timers of r so tests never sleep.
type recordedWaits struct {
	mu    sync.Mutex
	waits []time.Duration
	hook  func(n int) error // called with the number of waits so far
}

func (w *recordedWaits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	n := len(w.waits)
	hook := w.hook
	w.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (w *recordedWaits) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waits)
}

// newTestReconciler builds a Reconciler around p, or around the factory in options when p is nil.
func newTestReconciler(t *testing.T, cfg *Config, p Provider, res Resolver, options ...Option) (*Reconciler, *recordedWaits) {
	t.Helper()
	opts := []Option{UsingResolver(res), WithWriteRate(rate.Inf, 1)}
	if p != nil {
		opts = append(opts, UsingProvider(p))
	}
	opts = append(opts, options...)
	r, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	w := &recordedWaits{}
	r.wait = w.wait
	return r, w
}
