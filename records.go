package ddnsync

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Action is what happened to a target during a pass.
type Action int

const (
	ActionNone    Action = iota // nothing was done because of an error
	ActionCurrent               // the record already held the address
	ActionCreated
	ActionUpdated
)

func (a Action) String() string {
	switch a {
	case ActionCurrent:
		return "current"
	case ActionCreated:
		return "created"
	case ActionUpdated:
		return "updated"
	default:
		return "none"
	}
}

func (a Action) wrote() bool { return a == ActionCreated || a == ActionUpdated }

// Result is the outcome of syncing one target.
type Result struct {
	Target   Target
	Action   Action
	RecordID string
	OldValue string // empty when the record was created
	NewValue string
	Err      error
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("✗ %s: %s", r.Target, r.Err)
	}
	switch r.Action {
	case ActionCreated:
		return fmt.Sprintf("✓ %s: created -> %s", r.Target, r.NewValue)
	case ActionCurrent:
		return fmt.Sprintf("✓ %s: %s (already current)", r.Target, r.NewValue)
	default:
		return fmt.Sprintf("✓ %s: %s -> %s", r.Target, r.OldValue, r.NewValue)
	}
}

// Verification is the read-only state of one target.
type Verification struct {
	Target Target
	Record *Record // nil if no matching record exists
	Err    error
}

// Current reports whether the record exists and holds ip.
func (v Verification) Current(ip netip.Addr) bool {
	return v.Err == nil && v.Record != nil && sameAddr(v.Record.Content, ip)
}

// RecordManager creates or updates the record behind each target.
// It holds no state between passes: the provider is the source of truth.
type RecordManager struct {
	logger  *logrus.Entry
	limiter *rate.Limiter // paces provider writes
	metrics *Metrics
}

// NewRecordManager returns a RecordManager that performs at most limit writes per second.
// Use rate.Inf to disable pacing.
func NewRecordManager(logger *logrus.Entry, limit rate.Limit, burst int, metrics *Metrics) *RecordManager {
	if logger == nil {
		logger = discard
	}
	if burst < 1 {
		burst = 1
	}
	return &RecordManager{
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
	}
}

// Apply syncs every target to ip. Targets are independent: a failure on one
// never stops the others. The pass failed if any Result carries an error.
func (m *RecordManager) Apply(ctx context.Context, p Provider, targets []Target, ip netip.Addr, force bool) []Result {
	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		r := m.Sync(ctx, p, t, ip, force)
		log := targetLogger(m.logger, t)
		if r.Err != nil {
			log.WithError(r.Err).WithField("kind", Kind(r.Err)).Error(r.String())
			m.metrics.targetFailed(Kind(r.Err))
		} else {
			log.Info(r.String())
			if r.Action.wrote() {
				m.metrics.wrote(r.Action)
			}
		}
		results = append(results, r)
	}
	return results
}

// Sync makes the record behind t hold ip.
func (m *RecordManager) Sync(ctx context.Context, p Provider, t Target, ip netip.Addr, force bool) Result {
	res := Result{Target: t, NewValue: ip.String()}
	log := targetLogger(m.logger, t)

	if err := checkFamily(t, ip); err != nil {
		res.Err = err
		return res
	}

	records, err := p.ListRecords(ctx, t.Domain)
	if err != nil {
		res.Err = fmt.Errorf("listing records: %w", err)
		return res
	}

	existing, matches := FindRecord(records, t)
	if matches > 1 {
		log.Warnf("found %d matching records, using the one with ID %s", matches, existing.ID)
	}

	if matches == 0 {
		if err := m.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("waiting to create record: %w", err)
			return res
		}
		created, err := p.CreateRecord(ctx, t.Domain, Record{
			Type:    t.RecordType,
			Name:    relativeName(t),
			Content: ip.String(),
			TTL:     t.TTL,
		})
		if err != nil {
			res.Err = fmt.Errorf("creating record: %w", err)
			return res
		}
		res.Action = ActionCreated
		res.RecordID = created.ID
		return res
	}

	res.RecordID = existing.ID
	res.OldValue = existing.Content
	if sameAddr(existing.Content, ip) && !force {
		res.Action = ActionCurrent
		return res
	}

	if err := m.limiter.Wait(ctx); err != nil {
		res.Err = fmt.Errorf("waiting to update record: %w", err)
		return res
	}
	if err := p.UpdateRecord(ctx, t.Domain, existing.ID, ip.String(), t.TTL); err != nil {
		res.Err = fmt.Errorf("updating record %s: %w", existing.ID, err)
		return res
	}
	res.Action = ActionUpdated
	return res
}

// Verify looks up the record behind each target without changing anything.
func (m *RecordManager) Verify(ctx context.Context, p Provider, targets []Target) []Verification {
	out := make([]Verification, 0, len(targets))
	for _, t := range targets {
		v := Verification{Target: t}
		records, err := p.ListRecords(ctx, t.Domain)
		if err != nil {
			v.Err = fmt.Errorf("listing records: %w", err)
		} else if r, n := FindRecord(records, t); n > 0 {
			v.Record = &r
		}
		out = append(out, v)
	}
	return out
}

// FindRecord selects the record for t among records and reports how many matched.
// When several match, the one with the lowest ID wins so repeated passes agree.
func FindRecord(records []Record, t Target) (Record, int) {
	names := candidateNames(t)
	var matched []Record
	for _, r := range records {
		if !strings.EqualFold(r.Type, t.RecordType) {
			continue
		}
		name := strings.ToLower(r.Name)
		for _, n := range names {
			if name == n {
				matched = append(matched, r)
				break
			}
		}
	}
	if len(matched) == 0 {
		return Record{}, 0
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched[0], len(matched)
}

// candidateNames lists the spellings providers use for t's name.
// Some report the label relative to the zone, some the full name, some add the root dot.
func candidateNames(t Target) []string {
	domain := strings.ToLower(t.Domain)
	if t.Subdomain == "" {
		return []string{"", "@", domain, domain + "."}
	}
	sub := strings.ToLower(t.Subdomain)
	return []string{sub, sub + "." + domain, sub + "." + domain + "."}
}

func relativeName(t Target) string {
	if t.Subdomain == "" {
		return "@"
	}
	return t.Subdomain
}

func checkFamily(t Target, ip netip.Addr) error {
	switch {
	case !ip.IsValid():
		return fmt.Errorf("%w: no address to apply", ErrValidation)
	case t.RecordType == "A" && !ip.Is4():
		return fmt.Errorf("%w: A record cannot hold %s", ErrValidation, ip)
	case t.RecordType == "AAAA" && !ip.Is6():
		return fmt.Errorf("%w: AAAA record cannot hold %s", ErrValidation, ip)
	}
	return nil
}

func sameAddr(content string, ip netip.Addr) bool {
	a, err := netip.ParseAddr(strings.TrimSpace(content))
	if err != nil {
		return false
	}
	return a.Unmap() == ip.Unmap()
}

func targetLogger(l *logrus.Entry, t Target) *logrus.Entry {
	return l.WithFields(logrus.Fields{"domain": t.Domain, "target": t.String()})
}
