package ddnsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

const (
	DefaultCheckInterval = 300 // seconds
	DefaultRetryInterval = 60  // seconds
	DefaultMaxRetries    = 3
	DefaultTTL           = 300 // seconds
	DefaultRecordType    = "A"

	// SampleConfigFile is the name written by WriteSampleConfig.
	SampleConfigFile = "config.sample.json"

	// EnvPrefix prefixes environment overrides, e.g. DDNSYNC_API_KEY.
	EnvPrefix = "ddnsync"
)

// Target is one record kept in sync: a (domain, subdomain, record type) tuple.
type Target struct {
	Domain     string `mapstructure:"domain" json:"domain"`
	Subdomain  string `mapstructure:"subdomain" json:"subdomain"` // empty for the apex
	RecordType string `mapstructure:"record_type" json:"record_type"`
	TTL        int    `mapstructure:"ttl" json:"ttl"`
}

// FQDN returns the full name of the record without a trailing dot.
func (t Target) FQDN() string {
	if t.Subdomain == "" {
		return t.Domain
	}
	return t.Subdomain + "." + t.Domain
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%s)", t.FQDN(), t.RecordType)
}

func (t Target) key() string {
	return strings.ToLower(t.Domain) + "|" + strings.ToLower(t.Subdomain) + "|" + strings.ToUpper(t.RecordType)
}

// Config is the complete runtime configuration.
// A Config handed to a Reconciler must not be modified afterwards; use Clone.
type Config struct {
	APIKey        string   `mapstructure:"api_key" json:"api_key"`
	Domains       []Target `mapstructure:"domains" json:"domains"`
	CheckInterval int      `mapstructure:"check_interval" json:"check_interval"`
	RetryInterval int      `mapstructure:"retry_interval" json:"retry_interval"`
	MaxRetries    int      `mapstructure:"max_retries" json:"max_retries"`
}

func (c *Config) checkEvery() time.Duration { return time.Duration(c.CheckInterval) * time.Second }
func (c *Config) retryEvery() time.Duration { return time.Duration(c.RetryInterval) * time.Second }

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Domains = slices.Clone(c.Domains)
	return &cp
}

// setDefaults fills per-target defaults and normalises names.
func (c *Config) setDefaults() {
	for i := range c.Domains {
		t := &c.Domains[i]
		t.Domain = strings.TrimSpace(t.Domain)
		t.Subdomain = strings.TrimSpace(t.Subdomain)
		if t.Subdomain == "@" {
			t.Subdomain = ""
		}
		t.RecordType = strings.ToUpper(strings.TrimSpace(t.RecordType))
		if t.RecordType == "" {
			t.RecordType = DefaultRecordType
		}
		if t.TTL == 0 {
			t.TTL = DefaultTTL
		}
	}
}

// Validate checks c for structural problems.
// All problems are reported at once; the returned error wraps ErrValidation.
func (c *Config) Validate() error {
	var problems *multierror.Error
	add := func(format string, args ...any) {
		problems = multierror.Append(problems, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.APIKey) == "" {
		add("api_key is required")
	}
	if len(c.Domains) == 0 {
		add("domains must list at least one target")
	}
	if c.CheckInterval <= 0 {
		add("check_interval must be positive, got %d", c.CheckInterval)
	}
	if c.RetryInterval <= 0 {
		add("retry_interval must be positive, got %d", c.RetryInterval)
	}
	if c.MaxRetries < 0 {
		add("max_retries must not be negative, got %d", c.MaxRetries)
	}

	seen := make(map[string]int, len(c.Domains))
	for i, t := range c.Domains {
		if !validName(t.Domain) {
			add("domains[%d]: invalid domain %q", i, t.Domain)
		}
		if t.Subdomain != "" && !validName(t.Subdomain) {
			add("domains[%d]: invalid subdomain %q", i, t.Subdomain)
		}
		if t.RecordType != "A" && t.RecordType != "AAAA" {
			add("domains[%d]: unsupported record_type %q (want A or AAAA)", i, t.RecordType)
		}
		if t.TTL <= 0 {
			add("domains[%d]: ttl must be positive, got %d", i, t.TTL)
		}
		if j, dup := seen[t.key()]; dup {
			add("domains[%d]: duplicate of domains[%d] (%s)", i, j, t)
			continue
		}
		seen[t.key()] = i
	}

	if problems == nil {
		return nil
	}
	problems.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, e := range es {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return fmt.Errorf("%w: %s", ErrValidation, problems)
}

func validName(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	return !strings.ContainsAny(s, " \t/:@")
}

// ParseConfig decodes a JSON configuration, applies defaults and validates it.
//
// DDNSYNC_API_KEY in the environment takes precedence over api_key in data.
func ParseConfig(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetDefault("check_interval", DefaultCheckInterval)
	v.SetDefault("retry_interval", DefaultRetryInterval)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetEnvPrefix(EnvPrefix)
	if err := v.BindEnv("api_key"); err != nil {
		return nil, fmt.Errorf("binding api_key environment override: %w", err)
	}

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %s", ErrValidation, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding config: %s", ErrValidation, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and parses the configuration file at path.
// The raw contents are returned as well so a Watcher can be seeded with them.
func LoadConfig(path string) (*Config, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, data, nil
}

// SampleConfig returns the configuration written by `init`.
func SampleConfig(apiKey string) *Config {
	if apiKey == "" {
		apiKey = "YOUR_CLOUDFLARE_API_TOKEN_HERE"
	}
	return &Config{
		APIKey: apiKey,
		Domains: []Target{
			{Domain: "example.com", Subdomain: "", RecordType: "A", TTL: DefaultTTL},
			{Domain: "example.com", Subdomain: "blog", RecordType: "A", TTL: DefaultTTL},
		},
		CheckInterval: DefaultCheckInterval,
		RetryInterval: DefaultRetryInterval,
		MaxRetries:    DefaultMaxRetries,
	}
}

// WriteSampleConfig writes SampleConfig(apiKey) as SampleConfigFile inside dir and returns its path.
// An existing sample is overwritten; the file is only readable by its owner since it may hold a token.
func WriteSampleConfig(dir, apiKey string) (string, error) {
	data, err := json.MarshalIndent(SampleConfig(apiKey), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding sample config: %w", err)
	}
	path := filepath.Join(dir, SampleConfigFile)
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return "", fmt.Errorf("writing sample config: %w", err)
	}
	return path, nil
}
