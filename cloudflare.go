package ddnsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/sirupsen/logrus"
)

// DefaultProviderTimeout bounds a single provider operation.
const DefaultProviderTimeout = 15 * time.Second

// NewCloudflare constructs a Provider backed by the Cloudflare v4 API using an API token.
//
// A "domain" is resolved to the Cloudflare zone whose name is the longest suffix of it,
// so both zone apexes and delegated-looking names inside a zone work.
// Zone IDs are cached for the lifetime of the provider.
func NewCloudflare(token string, options ...CloudflareOption) (Provider, error) {
	return newCloudflareProvider(token, options...)
}

// CloudflareOption configures NewCloudflare.
type CloudflareOption func(*cloudflareProvider)

// CloudflareHTTPClient makes the provider send requests through c's transport.
func CloudflareHTTPClient(c *http.Client) CloudflareOption {
	return func(cf *cloudflareProvider) { cf.httpClient = c }
}

// CloudflareBaseURL points the provider at another API root, mostly for tests.
func CloudflareBaseURL(u string) CloudflareOption {
	return func(cf *cloudflareProvider) { cf.baseURL = u }
}

// CloudflareLogger sets the provider's logger.
func CloudflareLogger(l *logrus.Entry) CloudflareOption {
	return func(cf *cloudflareProvider) { cf.logger = l }
}

// CloudflareTimeout bounds each provider operation.
func CloudflareTimeout(d time.Duration) CloudflareOption {
	return func(cf *cloudflareProvider) { cf.timeout = d }
}

func newCloudflareProvider(token string, options ...CloudflareOption) (*cloudflareProvider, error) {
	cf := &cloudflareProvider{
		logger:  discard,
		comment: "managed by ddnsync",
		timeout: DefaultProviderTimeout,
		zones:   make(map[string]string),
	}
	for _, opt := range options {
		opt(cf)
	}

	// The transport records the status of every response so failures can be
	// classified without depending on the library's error types.
	transport := http.DefaultTransport
	hc := &http.Client{}
	if cf.httpClient != nil {
		*hc = *cf.httpClient
		if cf.httpClient.Transport != nil {
			transport = cf.httpClient.Transport
		}
	}
	hc.Transport = statusRecorder{next: transport}

	apiOptions := []cloudflare.Option{
		cloudflare.HTTPClient(hc),
		// retrying is the reconciler's decision
		cloudflare.UsingRetryPolicy(0, 0, 0),
	}
	if cf.baseURL != "" {
		apiOptions = append(apiOptions, cloudflare.BaseURL(cf.baseURL))
	}

	var err error
	cf.api, err = cloudflare.NewWithAPIToken(token, apiOptions...)
	if err != nil {
		return nil, fmt.Errorf("error creating cloudflare api client: %w", err)
	}
	return cf, nil
}

// cloudflareProvider implements ddnsync.Provider.
//
// It should be constructed using NewCloudflare.
type cloudflareProvider struct {
	api        *cloudflare.API
	logger     *logrus.Entry
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	comment    string // attached to each new DNS entry

	mu    sync.Mutex
	zones map[string]string // domain -> zone ID
}

func (cf *cloudflareProvider) SetLogger(l *logrus.Entry) { cf.logger = l }

func (cf *cloudflareProvider) ListRecords(ctx context.Context, domain string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()

	zid, err := cf.zoneID(ctx, domain)
	if err != nil {
		return nil, err
	}

	ctx, status := withStatus(ctx)
	cf.logger.WithField("domain", domain).Debugf("looking up records for zone %s", zid)
	rs, _, err := cf.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zid), cloudflare.ListDNSRecordsParams{})
	if err != nil {
		return nil, classify("list records", domain, status.get(), err)
	}

	records := make([]Record, 0, len(rs))
	for _, r := range rs {
		records = append(records, Record{ID: r.ID, Type: r.Type, Name: r.Name, Content: r.Content, TTL: r.TTL})
	}
	cf.logger.WithField("domain", domain).Debugf("found %d existing records", len(records))
	return records, nil
}

func (cf *cloudflareProvider) CreateRecord(ctx context.Context, domain string, r Record) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()

	zid, err := cf.zoneID(ctx, domain)
	if err != nil {
		return Record{}, err
	}

	name := absoluteName(r.Name, domain)
	ctx, status := withStatus(ctx)
	cf.logger.WithField("domain", domain).Debugf("creating %s record %s -> %s", r.Type, name, r.Content)
	created, err := cf.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zid), cloudflare.CreateDNSRecordParams{
		Type:    r.Type,
		Name:    name,
		Content: r.Content,
		TTL:     r.TTL,
		ZoneID:  zid,
		Comment: cf.comment,
	})
	if err != nil {
		return Record{}, classify("create record", domain, status.get(), err)
	}
	return Record{ID: created.ID, Type: created.Type, Name: created.Name, Content: created.Content, TTL: created.TTL}, nil
}

func (cf *cloudflareProvider) UpdateRecord(ctx context.Context, domain, recordID, value string, ttl int) error {
	ctx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()

	zid, err := cf.zoneID(ctx, domain)
	if err != nil {
		return err
	}

	ctx, status := withStatus(ctx)
	cf.logger.WithField("domain", domain).Debugf("updating record %s -> %s", recordID, value)
	_, err = cf.api.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zid), cloudflare.UpdateDNSRecordParams{
		ID:      recordID,
		Content: value,
		TTL:     ttl,
	})
	if err != nil {
		return classify("update record", domain, status.get(), err)
	}
	return nil
}

// TestConnection verifies the API token.
func (cf *cloudflareProvider) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()

	ctx, status := withStatus(ctx)
	cf.logger.Debug("verifying token...")
	result, err := cf.api.VerifyAPIToken(ctx)
	if err != nil {
		return classify("verify token", "", status.get(), err)
	}
	if result.Status != "active" {
		return &ProviderError{
			Op:   "verify token",
			Kind: ErrAuth,
			Err:  fmt.Errorf("expected api token status to be \"active\"; got \"%s\"", result.Status),
		}
	}
	cf.logger.Debug("token verified successfully")
	return nil
}

func (cf *cloudflareProvider) zoneID(ctx context.Context, domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	cf.mu.Lock()
	zid, ok := cf.zones[domain]
	cf.mu.Unlock()
	if ok {
		return zid, nil
	}

	ctx, status := withStatus(ctx)
	zones, err := cf.api.ListZones(ctx)
	if err != nil {
		return "", classify("list zones", domain, status.get(), err)
	}

	best := 0
	for _, z := range zones {
		name := strings.ToLower(z.Name)
		if (domain == name || strings.HasSuffix(domain, "."+name)) && len(name) > best {
			best, zid = len(name), z.ID
		}
	}
	if best == 0 {
		return "", &ProviderError{
			Op:     "zone lookup",
			Domain: domain,
			Kind:   ErrNotFound,
			Err:    fmt.Errorf("unable to find a zone matching \"%s\"", domain),
		}
	}
	cf.logger.WithField("domain", domain).Debugf("got zone ID: %s", zid)

	cf.mu.Lock()
	cf.zones[domain] = zid
	cf.mu.Unlock()
	return zid, nil
}

// absoluteName turns "", "@" or a label relative to domain into a fully qualified name.
func absoluteName(name, domain string) string {
	name = strings.TrimSuffix(name, ".")
	switch {
	case name == "" || name == "@":
		return domain
	case strings.EqualFold(name, domain) || strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(domain)):
		return name
	default:
		return name + "." + domain
	}
}

func classify(op, domain string, status int, err error) error {
	pe := &ProviderError{Op: op, Domain: domain, Status: status, Err: err}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = ErrAuth
	case status == http.StatusNotFound:
		pe.Kind = ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		pe.Kind = ErrTransient
	case status == 0, errors.Is(err, context.DeadlineExceeded):
		// no response at all: connection refused, DNS failure, timeout
		pe.Kind = ErrTransient
	}
	return pe
}

type responseStatus struct {
	mu   sync.Mutex
	code int
}

func (s *responseStatus) get() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

type statusKey struct{}

func withStatus(ctx context.Context) (context.Context, *responseStatus) {
	s := &responseStatus{}
	return context.WithValue(ctx, statusKey{}, s), s
}

// statusRecorder stores the status of the last response into the request context's responseStatus.
type statusRecorder struct {
	next http.RoundTripper
}

func (t statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if s, ok := req.Context().Value(statusKey{}).(*responseStatus); ok {
		s.mu.Lock()
		if resp != nil {
			s.code = resp.StatusCode
		} else {
			s.code = 0
		}
		s.mu.Unlock()
	}
	return resp, err
}
