package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  interval: 45s
metrics:
  initial_delay: 1m
  interval: 10m
retry:
  attempts: 3
platforms:
  twitter:
    enabled: true
    rate_limit: 50
  linkedin:
    enabled: false
    rate_limit: 25
api:
  enabled: true
  addr: 127.0.0.1:9090
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Interval != "45s" {
		t.Fatalf("scheduler.interval = %q", cfg.Scheduler.Interval)
	}
	if got := cfg.Platforms["twitter"]; !got.Enabled || got.RateLimit != 50 {
		t.Fatalf("twitter = %+v", got)
	}
	if cfg.Platforms["linkedin"].Enabled {
		t.Fatal("linkedin should be disabled")
	}
	if !cfg.SchedulerEnabled() || !cfg.MetricsEnabled() {
		t.Fatal("loops should default to enabled")
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"logging":{"level":"info"},"bogus":1}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.json", `{"logging":{}}{"logging":{}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return errors.New("nope") })
	if _, err := m.Load(); err == nil {
		t.Fatal("expected validator error")
	}
	if m.Get() != nil {
		t.Fatal("rejected config must not be committed")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "config.yaml", sampleYAML+"\nnotify:\n  enabled: false\n  chat_id: 1\n")

	select {
	case cfg := <-sub:
		if cfg.Notify == nil || cfg.Notify.ChatID != 1 {
			t.Fatalf("unexpected published config: %+v", cfg.Notify)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config publish")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Platforms: map[string]PlatformConfig{"twitter": {Enabled: true}}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Platforms: map[string]PlatformConfig{"twitter": {Enabled: false}}}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) != 2 || sections[0] != "logging" || sections[1] != "platforms" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	if s, _ := SummarizeConfigChange(oldCfg, oldCfg); len(s) != 0 {
		t.Fatalf("identical configs should have no changes, got %v", s)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 30 * time.Second},
		{raw: "0s", want: 30 * time.Second},
		{raw: "2m", want: 2 * time.Minute},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, 30*time.Second)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("%q: got %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestLoadSecrets(t *testing.T) {
	t.Parallel()
	s, err := loadSecrets(context.Background(), envconfig.MapLookuper(map[string]string{
		"TWITTER_BEARER_TOKEN": "bearer",
		"API_TOKEN":            "secret",
	}))
	if err != nil {
		t.Fatalf("loadSecrets: %v", err)
	}
	if s.TwitterBearerToken != "bearer" || s.APIToken != "secret" {
		t.Fatalf("unexpected secrets: %+v", s)
	}
	if s.ConfigPath != "./config.yaml" {
		t.Fatalf("ConfigPath default = %q", s.ConfigPath)
	}
}
