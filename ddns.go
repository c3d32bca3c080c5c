package ddnsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var discard = logrus.NewEntry(&logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
})

// DefaultWriteRate is the number of record writes per second a Reconciler performs by default.
const DefaultWriteRate rate.Limit = 1

// State is the phase of a reconciliation cycle.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateComparing
	StateApplying
	StateForcedApplying
	StateSuccess
	StatePartialFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateComparing:
		return "comparing"
	case StateApplying:
		return "applying"
	case StateForcedApplying:
		return "forced-applying"
	case StateSuccess:
		return "success"
	case StatePartialFailure:
		return "partial-failure"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome describes a finished cycle.
//
// A cycle whose last attempt could not resolve the public IP also ends in StatePartialFailure;
// its error wraps ErrResolutionFailed and Results holds whatever earlier attempts produced.
type Outcome struct {
	IP       netip.Addr // last resolved address, zero if resolution never succeeded
	State    State      // StateSuccess, StatePartialFailure, or StateIdle for a no-op
	Forced   bool
	NoChange bool // the address matched the known IP, nothing was applied
	Attempts int
	Results  []Result // the latest result of every target, in configuration order
}

// New constructs a Reconciler for cfg.
//
// Unless UsingProvider is given, a Cloudflare provider is created for cfg.APIKey.
// Unless a resolver option is given, the public IP is looked up with WebResolver(DefaultIPServices...).
func New(cfg *Config, options ...Option) (*Reconciler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ddnsync.New: config cannot be nil")
	}
	cfg = cfg.Clone()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ddnsync.New: %w", err)
	}

	r := &Reconciler{
		logger:     discard,
		writeRate:  DefaultWriteRate,
		writeBurst: 1,
		wait:       sleep,
	}
	for i, opt := range options {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("ddnsync.New: option %d returned an error: %s", i, err)
		}
	}

	if r.resolver == nil {
		r.resolver = WebResolver(DefaultIPServices...)
	}
	if r.factory == nil {
		r.factory = r.cloudflareFactory
	}
	var provider Provider
	if r.staticProvider != nil {
		provider = r.staticProvider
	} else {
		var err error
		if provider, err = r.factory(cfg.APIKey); err != nil {
			return nil, fmt.Errorf("ddnsync.New: error creating DNS provider: %w", err)
		}
	}

	// this lets us propagate the logger and http client to dependencies no matter the order the options were given in
	r.propagate(r.resolver)
	r.propagate(provider)

	r.manager = NewRecordManager(r.logger, r.writeRate, r.writeBurst, r.metrics)
	r.state = &state{cfg: cfg, provider: provider}
	return r, nil
}

// Option configures a Reconciler.
type Option func(*Reconciler) error

// UsingResolver sets the resolver used to discover the public IP.
func UsingResolver(resolver Resolver) Option {
	return func(r *Reconciler) error {
		if resolver == nil {
			return errors.New("resolver cannot be nil")
		}
		r.resolver = resolver
		return nil
	}
}

// UsingWebResolver looks up the public IP with the given services, in order.
func UsingWebResolver(serviceURL ...string) Option {
	return func(r *Reconciler) error {
		if len(serviceURL) == 0 {
			return errors.New("at least one service URL is required")
		}
		r.resolver = WebResolver(serviceURL...)
		return nil
	}
}

// UsingProvider makes the Reconciler use p instead of building one from the configured credential.
// A reloaded credential is still turned into a provider with the ProviderFactory.
func UsingProvider(p Provider) Option {
	return func(r *Reconciler) error {
		if p == nil {
			return errors.New("provider cannot be nil")
		}
		r.staticProvider = p
		return nil
	}
}

// UsingProviderFactory sets how a provider is built for a credential.
// The default builds a Cloudflare provider.
func UsingProviderFactory(f ProviderFactory) Option {
	return func(r *Reconciler) error {
		if f == nil {
			return errors.New("provider factory cannot be nil")
		}
		r.factory = f
		return nil
	}
}

// WithLogger sets the logger of the Reconciler and of the resolver and provider it uses.
// By default nothing is logged.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Reconciler) error {
		if l == nil {
			l = discard
		}
		r.logger = l
		return nil
	}
}

// UsingHTTPClient sets the client used for IP lookups and provider calls.
func UsingHTTPClient(c *http.Client) Option {
	return func(r *Reconciler) error {
		if c == nil {
			c = http.DefaultClient
		}
		r.httpClient = c
		return nil
	}
}

// WithLookupTimeout bounds each request to a single IP service.
// It has no effect on resolvers that do not support a timeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Reconciler) error {
		if d <= 0 {
			return fmt.Errorf("lookup timeout must be positive, got %s", d)
		}
		r.lookupTimeout = d
		return nil
	}
}

// WithMetrics records cycle and write statistics into m.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) error {
		r.metrics = m
		return nil
	}
}

// WithWriteRate paces record writes to limit per second with the given burst.
// rate.Inf disables pacing.
func WithWriteRate(limit rate.Limit, burst int) Option {
	return func(r *Reconciler) error {
		if limit <= 0 {
			return fmt.Errorf("write rate must be positive, got %v", limit)
		}
		r.writeRate, r.writeBurst = limit, burst
		return nil
	}
}

// Reconciler keeps the configured records equal to the public IP of the host.
//
// The configuration, provider and known IP are only replaced as a whole,
// and cycles never run concurrently.
type Reconciler struct {
	resolver       Resolver
	factory        ProviderFactory
	staticProvider Provider
	manager        *RecordManager
	logger         *logrus.Entry
	httpClient     *http.Client
	metrics        *Metrics
	writeRate      rate.Limit
	writeBurst     int
	lookupTimeout  time.Duration

	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error

	cycleMu sync.Mutex // held for a whole cycle including its retries

	mu      sync.RWMutex
	state   *state
	knownIP netip.Addr
	phase   State
	targets uint64 // bumped by every Swap that changes the target list
}

type state struct {
	cfg      *Config
	provider Provider
}

func (r *Reconciler) current() *state {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Config returns a copy of the active configuration.
func (r *Reconciler) Config() *Config {
	return r.current().cfg.Clone()
}

// Provider returns the active provider.
func (r *Reconciler) Provider() Provider {
	return r.current().provider
}

// KnownIP returns the address last applied to every target.
// It is invalid until the first successful cycle.
func (r *Reconciler) KnownIP() netip.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.knownIP
}

// State returns the phase of the running cycle, or StateIdle.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

func (r *Reconciler) setPhase(s State) {
	r.mu.Lock()
	r.phase = s
	r.mu.Unlock()
}

// Swap replaces the active configuration and, if p is non-nil, the provider.
// cfg gets the same defaults and validation as in New; an invalid cfg leaves everything as it was.
// A running cycle keeps what it started with; the next one uses the replacement.
//
// Changing the target list forgets the known IP, since the new targets have not had it applied.
// A cycle that was running during such a swap does not record its address as known either.
func (r *Reconciler) Swap(cfg *Config, p Provider) error {
	if cfg == nil {
		return fmt.Errorf("%w: config cannot be nil", ErrValidation)
	}
	cfg = cfg.Clone()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if p != nil {
		r.propagate(p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := &state{cfg: cfg, provider: r.state.provider}
	if p != nil {
		next.provider = p
	}
	if !slices.Equal(r.state.cfg.Domains, cfg.Domains) {
		r.knownIP = netip.Addr{}
		r.targets++
	}
	r.state = next
	return nil
}

// TestConnection checks the active credential.
func (r *Reconciler) TestConnection(ctx context.Context) error {
	return r.current().provider.TestConnection(ctx)
}

// Records lists every record of domain as the provider reports it.
func (r *Reconciler) Records(ctx context.Context, domain string) ([]Record, error) {
	return r.current().provider.ListRecords(ctx, domain)
}

// Verify resolves the public IP and looks up every target's record without writing anything.
func (r *Reconciler) Verify(ctx context.Context) (netip.Addr, []Verification, error) {
	st := r.current()
	ip, err := r.resolver.Resolve(ctx)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	return ip, r.manager.Verify(ctx, st.provider, st.cfg.Domains), nil
}

// RunOnce performs one reconciliation cycle, including its bounded retries.
//
// Unless force is set, a cycle whose resolved address equals KnownIP writes nothing.
// When resolution or any target fails, the cycle waits retry_interval and tries again,
// up to max_retries times. Targets that already succeeded are not repeated.
// Failures that retrying cannot fix, such as a rejected credential, end the cycle early.
//
// Cancelling ctx abandons the retry wait. Provider and resolver calls already
// started are allowed to finish, bounded by their own timeouts.
func (r *Reconciler) RunOnce(ctx context.Context, force bool) (Outcome, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	defer r.setPhase(StateIdle)

	r.mu.RLock()
	st, generation := r.state, r.targets
	r.mu.RUnlock()
	cfg, provider := st.cfg, st.provider
	callCtx := context.WithoutCancel(ctx)
	start := time.Now()

	out := Outcome{Forced: force, State: StatePartialFailure}
	results := make([]Result, len(cfg.Domains))
	done := make([]bool, len(cfg.Domains))
	var (
		lastIP    netip.Addr
		wrote     bool
		err       error
		targetErr error // failures of the latest apply
	)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		log := r.logger.WithField("attempt", attempt+1)
		if attempt > 0 {
			log.Infof("retrying in %s (%d of %d)", cfg.retryEvery(), attempt, cfg.MaxRetries)
			if werr := r.wait(ctx, cfg.retryEvery()); werr != nil {
				log.Warn("retry abandoned: shutting down")
				err = multierror.Append(err, werr)
				break
			}
		}
		out.Attempts = attempt + 1

		r.setPhase(StateResolving)
		ip, rerr := r.resolver.Resolve(callCtx)
		if rerr != nil {
			log.WithError(rerr).WithField("kind", Kind(rerr)).Error("unable to determine public IP")
			r.metrics.resolveFailed()
			err = rerr
			if targetErr != nil {
				err = multierror.Append(rerr, targetErr)
			}
			continue
		}
		log = log.WithField("ip", ip)
		out.IP = ip

		r.setPhase(StateComparing)
		if !force && !wrote && ip == r.KnownIP() {
			log.Info("IP unchanged, records are current")
			out.State, out.NoChange, out.Results = StateIdle, true, nil
			r.metrics.cycle(out.State, time.Since(start))
			return out, nil
		}
		if ip != lastIP {
			// a new address invalidates anything applied earlier in this cycle
			clear(done)
			lastIP = ip
		}

		if force {
			r.setPhase(StateForcedApplying)
		} else {
			r.setPhase(StateApplying)
		}
		var pending []Target
		var index []int
		for i, t := range cfg.Domains {
			if !done[i] {
				pending = append(pending, t)
				index = append(index, i)
			}
		}
		log.Infof("applying %s to %d of %d targets", ip, len(pending), len(cfg.Domains))

		var failures *multierror.Error
		canRetry := false
		for j, res := range r.manager.Apply(callCtx, provider, pending, ip, force) {
			i := index[j]
			results[i] = res
			if res.Action.wrote() {
				wrote = true
			}
			if res.Err != nil {
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", res.Target, res.Err))
				canRetry = canRetry || retryable(res.Err)
				continue
			}
			done[i] = true
		}

		if failures == nil {
			r.mu.Lock()
			swapped := r.targets != generation
			if !swapped {
				r.knownIP = ip
			}
			r.mu.Unlock()
			if swapped {
				log.Info("target list changed during the cycle, the next cycle applies the address to every target")
			} else {
				r.metrics.setKnownIP(ip)
			}
			log.Info("all records are current")
			out.State, out.Results = StateSuccess, results
			r.metrics.cycle(out.State, time.Since(start))
			return out, nil
		}

		r.setPhase(StatePartialFailure)
		targetErr = fmt.Errorf("%d of %d targets failed: %w", failures.Len(), len(pending), failures)
		err = targetErr
		out.Results = results
		if !canRetry {
			log.WithError(err).Error("giving up on this cycle: the failures need operator action")
			break
		}
	}

	r.logger.WithError(err).Errorf("cycle failed after %d attempt(s), waiting for the next check", out.Attempts)
	r.metrics.cycle(out.State, time.Since(start))
	return out, err
}

// Run performs a cycle immediately and then one every check_interval until ctx is cancelled.
// A failed cycle is logged and never stops the loop.
// The interval is read from the active configuration before each wait, so a reload changes it.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// errors are logged by RunOnce
		_, _ = r.RunOnce(ctx, false)

		interval := r.current().cfg.checkEvery()
		r.logger.Debugf("next check in %s", interval)
		if err := r.wait(ctx, interval); err != nil {
			return nil
		}
	}
}

func (r *Reconciler) cloudflareFactory(apiKey string) (Provider, error) {
	opts := []CloudflareOption{CloudflareLogger(r.logger)}
	if r.httpClient != nil {
		opts = append(opts, CloudflareHTTPClient(r.httpClient))
	}
	return NewCloudflare(apiKey, opts...)
}

func (r *Reconciler) propagate(dep any) {
	type setLogger interface {
		SetLogger(*logrus.Entry)
	}
	type setHTTPClient interface {
		SetHTTPClient(*http.Client)
	}
	if l, ok := dep.(setLogger); ok {
		l.SetLogger(r.logger)
	}
	if h, ok := dep.(setHTTPClient); ok && r.httpClient != nil {
		h.SetHTTPClient(r.httpClient)
	}
	if t, ok := dep.(interface{ SetLookupTimeout(time.Duration) }); ok && r.lookupTimeout > 0 {
		t.SetLookupTimeout(r.lookupTimeout)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
