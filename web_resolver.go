package ddnsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DefaultIPServices are queried in order by the default resolver.
// I'm not vouching for these services, but they do return the IP of the client connection.
var DefaultIPServices = []string{
	"https://api.ipify.org",
	"https://ipapi.co/ip",
	"https://checkip.amazonaws.com",
	"https://ifconfig.me/ip",
	"https://icanhazip.com", // operated by Cloudflare since ~2021
	"https://ident.me",
}

// DefaultLookupTimeout bounds a single request to one IP service.
const DefaultLookupTimeout = 5 * time.Second

// WebResolver constructs a resolver which uses external web services to look up the public IP address.
//
// Each serviceURL must speak http and return a 2xx status
// with a valid IPv4 or IPv6 address either as the first line of the response body
// or as the "ip" field of a JSON object.
//
// Services are tried in the order given and the first usable answer wins.
// A service that times out, fails, or answers with something unparseable is skipped.
// Resolve only fails, with ErrResolutionFailed, once every service has been tried.
func WebResolver(serviceURL ...string) Resolver {
	return &webResolver{
		serviceURLs: slices.Clone(serviceURL),
		timeout:     DefaultLookupTimeout,
		logger:      discard,
	}
}

type webResolver struct {
	httpClient  *http.Client
	serviceURLs []string
	timeout     time.Duration
	logger      *logrus.Entry
}

func (wr *webResolver) SetLogger(l *logrus.Entry)     { wr.logger = l }
func (wr *webResolver) SetHTTPClient(c *http.Client) { wr.httpClient = c }

// SetLookupTimeout bounds each request to a single service.
func (wr *webResolver) SetLookupTimeout(d time.Duration) { wr.timeout = d }

// Resolve implements ddnsync.Resolver.
func (wr *webResolver) Resolve(ctx context.Context) (netip.Addr, error) {
	if len(wr.serviceURLs) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: no IP lookup services were provided", ErrResolutionFailed)
	}

	var errs *multierror.Error
	for _, u := range wr.serviceURLs {
		ip, err := wr.lookup(ctx, u)
		if err == nil {
			wr.logger.WithField("service", u).Debugf("got IP %s", ip)
			return ip, nil
		}
		wr.logger.WithField("service", u).WithError(err).Warn("IP lookup failed")
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", u, err))
		if ctx.Err() != nil {
			break
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %w", ErrResolutionFailed, errs)
}

func (wr *webResolver) lookup(ctx context.Context, url string) (netip.Addr, error) {
	timeout := wr.timeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "text/plain, application/json;q=0.9")

	httpclient := wr.httpClient
	if httpclient == nil {
		httpclient = http.DefaultClient
	}

	resp, err := httpclient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return netip.Addr{}, fmt.Errorf("http request returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error reading response body: %w", err)
	}
	return parseIPBody(body)
}

// parseIPBody accepts "203.0.113.5\n" as well as {"ip": "203.0.113.5", ...}.
func parseIPBody(body []byte) (netip.Addr, error) {
	line, _ := bufio.NewReader(bytes.NewReader(body)).ReadString('\n')
	ip, err := netip.ParseAddr(strings.TrimSpace(line))
	if err == nil {
		return ip.Unmap(), nil
	}

	var obj struct {
		IP string `json:"ip"`
	}
	if jsonErr := json.Unmarshal(body, &obj); jsonErr == nil && obj.IP != "" {
		if ip, jerr := netip.ParseAddr(strings.TrimSpace(obj.IP)); jerr == nil {
			return ip.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("error parsing IP address from response body: %w", err)
}
