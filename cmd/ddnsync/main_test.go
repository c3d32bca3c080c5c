package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Travis-Britz/ddnsync"
)

type memProvider struct {
	mu      sync.Mutex
	records []ddnsync.Record
}

func (m *memProvider) ListRecords(context.Context, string) ([]ddnsync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ddnsync.Record(nil), m.records...), nil
}

func (m *memProvider) CreateRecord(_ context.Context, _ string, r ddnsync.Record) (ddnsync.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = "r1"
	m.records = append(m.records, r)
	return r, nil
}

func (m *memProvider) UpdateRecord(_ context.Context, _, id, value string, ttl int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Content, m.records[i].TTL = value, ttl
			return nil
		}
	}
	return errors.New("no such record")
}

func (m *memProvider) TestConnection(context.Context) error { return nil }

const testConfig = `{
	"api_key": "k",
	"domains": [{"domain": "example.com", "subdomain": "", "record_type": "A", "ttl": 300}]
}`

func run(t *testing.T, args []string, options ...ddnsync.Option) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(options...)
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	code := exitCode(cmd.ExecuteContext(context.Background()), &stderr)
	return stdout.String(), stderr.String(), code
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitWritesSample(t *testing.T) {
	dir := t.TempDir()
	stdout, _, code := run(t, []string{"init", "--config", filepath.Join(dir, "config.json")})
	if code != 0 {
		t.Fatalf("Expected exit 0; got %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, ddnsync.SampleConfigFile)); err != nil {
		t.Fatalf("Expected a sample file: %s", err)
	}
	if !strings.Contains(stdout, ddnsync.SampleConfigFile) {
		t.Fatalf("Expected the sample path to be printed; got %q", stdout)
	}
}

func TestMissingConfigIsUsageError(t *testing.T) {
	dir := t.TempDir()
	_, stderr, code := run(t, []string{"once", "--config", filepath.Join(dir, "config.json")})
	if code != exitUsage {
		t.Fatalf("Expected exit %d; got %d (%s)", exitUsage, code, stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, ddnsync.SampleConfigFile)); err != nil {
		t.Fatalf("Expected a sample to be written next to the missing config: %s", err)
	}
}

func TestUsageErrors(t *testing.T) {
	path := writeTestConfig(t)
	for _, args := range [][]string{
		{"once", "--config", path, "--log-level", "chatty"},
		{"once", "--no-such-flag"},
		{"records", "--config", path},
		{"verify", "extra", "--config", path},
	} {
		if _, _, code := run(t, args); code != exitUsage {
			t.Errorf("%v: expected exit %d; got %d", args, exitUsage, code)
		}
	}
}

func TestOnceAppliesAddress(t *testing.T) {
	path := writeTestConfig(t)
	p := &memProvider{}
	stdout, stderr, code := run(t, []string{"once", "--config", path, "--ip", "203.0.113.5"}, ddnsync.UsingProvider(p))
	if code != 0 {
		t.Fatalf("Expected exit 0; got %d (%s)", code, stderr)
	}
	if !strings.Contains(stdout, "✓ example.com (A): created -> 203.0.113.5") {
		t.Fatalf("Unexpected output %q", stdout)
	}
	if len(p.records) != 1 || p.records[0].Content != "203.0.113.5" {
		t.Fatalf("Expected the record to be created; got %+v", p.records)
	}
}

func TestVerifyExitStatus(t *testing.T) {
	path := writeTestConfig(t)
	p := &memProvider{}
	opts := []ddnsync.Option{ddnsync.UsingProvider(p), ddnsync.UsingResolver(ddnsync.FromString("203.0.113.5"))}

	stdout, _, code := run(t, []string{"verify", "--config", path}, opts...)
	if code != exitFailure || !strings.Contains(stdout, "no record found") {
		t.Fatalf("Expected a failed verification; got exit %d and %q", code, stdout)
	}

	p.records = []ddnsync.Record{{ID: "r1", Type: "A", Name: "example.com", Content: "203.0.113.5", TTL: 300}}
	stdout, _, code = run(t, []string{"verify", "--config", path}, opts...)
	if code != 0 || !strings.Contains(stdout, "✓ example.com (A): 203.0.113.5") {
		t.Fatalf("Expected a clean verification; got exit %d and %q", code, stdout)
	}
}

func TestRecordsListsZone(t *testing.T) {
	path := writeTestConfig(t)
	p := &memProvider{records: []ddnsync.Record{{ID: "r1", Type: "A", Name: "example.com", Content: "198.51.100.1", TTL: 300}}}
	stdout, _, code := run(t, []string{"records", "example.com", "--config", path}, ddnsync.UsingProvider(p))
	if code != 0 {
		t.Fatalf("Expected exit 0; got %d", code)
	}
	if !strings.Contains(stdout, "CONTENT") || !strings.Contains(stdout, "198.51.100.1") {
		t.Fatalf("Unexpected output %q", stdout)
	}
}

func TestLogFile(t *testing.T) {
	path := writeTestConfig(t)
	logPath := filepath.Join(t.TempDir(), "logs", "ddnsync.log")
	_, _, code := run(t, []string{"once", "--config", path, "--ip", "203.0.113.5", "--log-file", logPath}, ddnsync.UsingProvider(&memProvider{}))
	if code != 0 {
		t.Fatalf("Expected exit 0; got %d", code)
	}
	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Expected a log file: %s", err)
	}
	if !strings.Contains(string(b), "all records are current") {
		t.Fatalf("Expected the cycle to be logged; got %q", b)
	}
}

func TestHealthHandler(t *testing.T) {
	cfg, err := ddnsync.ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	r, err := ddnsync.New(cfg, ddnsync.UsingProvider(&memProvider{}), ddnsync.UsingResolver(ddnsync.FromString("203.0.113.5")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunOnce(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(newStatusServer(":0", prometheus.NewRegistry(), r).Handler)
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "OK" || got.State != "idle" || got.KnownIP != "203.0.113.5" {
		t.Fatalf("Unexpected health response %+v", got)
	}
}

func TestVerifyPermissions(t *testing.T) {
	path := writeTestConfig(t)
	if err := verifyPermissions(path); err != nil {
		t.Fatalf("Expected 0600 to be accepted; got %s", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := verifyPermissions(path); err == nil {
		t.Fatalf("Expected a world-readable config to be reported")
	}
}

func TestPromptTokenRejectsEmptyInput(t *testing.T) {
	var out bytes.Buffer
	read := func(int) ([]byte, error) { return []byte("  \n"), nil }
	if _, err := promptToken(context.Background(), nil, 0, &out, read); err == nil {
		t.Fatalf("Expected an empty token to be rejected")
	}
	if !strings.Contains(out.String(), "API token") {
		t.Fatalf("Expected a prompt; got %q", out.String())
	}
}

func TestInterfaceFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := `{"api_key": "k", "domains": [{"domain": "example.com"}], "max_retries": 0}`
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	p := &memProvider{}
	_, stderr, code := run(t, []string{"once", "--config", path, "--interface", "ddnsync-no-such-if0"}, ddnsync.UsingProvider(p))
	if code != exitFailure {
		t.Fatalf("Expected exit %d; got %d (%s)", exitFailure, code, stderr)
	}
	if !strings.Contains(stderr, "ddnsync-no-such-if0") {
		t.Fatalf("Expected the interface to be named in %q", stderr)
	}
	if len(p.records) != 0 {
		t.Fatalf("Expected nothing to be written")
	}
}
