package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: warn
http:
  user_agent: council-bot/2.0
  timeout: 45s
  respect_robots: false
headless:
  enabled: true
  max_parallel: 2
  nav_timeout: 30s
capture:
  workers: 3
  per_job_concurrency: 6
  lease_ttl: 90s
storage:
  backend: local
  local:
    base_dir: /var/lib/bylaw
scheduler:
  min_interval: 2h
sites:
  - id: springfield
    name: City of Springfield
    jurisdiction: Springfield, IL
    enabled: true
    schedule_interval: 24h
    capture:
      targetUrls: ["https://springfield.example.gov/bylaws"]
      selectors:
        linkList: "ul.bylaws a"
        content: "#bylaw-body"
      rateLimitPerSecond: 0.5
      retry:
        maxAttempts: 3
        baseDelayMs: 500
        maxDelayMs: 8000
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
	if cfg.HTTP.Timeout != 45*time.Second || cfg.HTTP.RespectRobots {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Capture.Workers != 3 || cfg.Capture.PerJobConcurrency != 6 || cfg.Capture.LeaseTTL != 90*time.Second {
		t.Fatalf("expected capture overrides to apply: %+v", cfg.Capture)
	}
	if cfg.Capture.MaxAssets != 20 {
		t.Fatalf("expected default max assets, got %d", cfg.Capture.MaxAssets)
	}
	if cfg.Storage.Backend != BackendLocal || cfg.Storage.Local.BaseDir != "/var/lib/bylaw" {
		t.Fatalf("expected local storage: %+v", cfg.Storage)
	}
	if cfg.Scheduler.MinInterval != 2*time.Hour || cfg.Scheduler.TickInterval != time.Minute {
		t.Fatalf("expected scheduler settings: %+v", cfg.Scheduler)
	}

	if len(cfg.Sites) != 1 {
		t.Fatalf("expected one site, got %d", len(cfg.Sites))
	}
	site := cfg.Sites[0]
	if site.ID != "springfield" || !site.Enabled || site.ScheduleInterval != 24*time.Hour {
		t.Fatalf("unexpected site: %+v", site)
	}
	if site.Config.Selectors.Content != "#bylaw-body" || site.Config.RateLimitPerSecond != 0.5 {
		t.Fatalf("expected site capture config to decode: %+v", site.Config)
	}
	if site.Config.Retry.MaxAttempts != 3 || site.Config.Retry.MaxDelayMs != 8000 {
		t.Fatalf("expected retry config to decode: %+v", site.Config.Retry)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected memory storage by default, got %q", cfg.Storage.Backend)
	}
	if cfg.RecordBackend() != BackendMemory || cfg.LeaseBackend() != BackendMemory {
		t.Fatalf("expected in-memory records and leases by default")
	}
	if cfg.PubSub.AuditTopic != "bylaw-audit" {
		t.Fatalf("unexpected audit topic %q", cfg.PubSub.AuditTopic)
	}
	if cfg.Scheduler.JobRetention != 30*24*time.Hour {
		t.Fatalf("expected 30 day retention, got %v", cfg.Scheduler.JobRetention)
	}
}

func TestBackendSelection(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Database: DatabaseConfig{DSN: "postgres://localhost/bylaw"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
	}
	if cfg.RecordBackend() != BackendPostgres {
		t.Fatalf("expected postgres records, got %q", cfg.RecordBackend())
	}
	if cfg.LeaseBackend() != BackendRedis {
		t.Fatalf("expected redis leases, got %q", cfg.LeaseBackend())
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		HTTP:    HTTPConfig{Timeout: 10 * time.Second},
		Capture: CaptureConfig{Workers: 1, QueueDepth: 4, PerJobConcurrency: 1, LeaseTTL: time.Minute},
		Storage: StorageConfig{Backend: BackendMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"no workers", func(c *Config) { c.Capture.Workers = 0 }, "capture.workers"},
		{"no per job concurrency", func(c *Config) { c.Capture.PerJobConcurrency = 0 }, "capture.per_job_concurrency"},
		{"no lease ttl", func(c *Config) { c.Capture.LeaseTTL = 0 }, "capture.lease_ttl"},
		{
			"headless missing max parallel",
			func(c *Config) { c.Headless.Enabled = true },
			"headless.max_parallel",
		},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = BackendLocal }, "storage.local.base_dir"},
		{
			"progress publish without topic",
			func(c *Config) { c.Progress.PublishEvents = true },
			"pubsub.progress_topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateSites(t *testing.T) {
	t.Parallel()

	good := bylaw.TrackedSite{
		ID: "springfield",
		Config: bylaw.SiteConfig{
			TargetURLs:         []string{"https://springfield.example.gov/bylaws"},
			RateLimitPerSecond: 1,
			Retry:              bylaw.RetryConfig{MaxAttempts: 1, BaseDelayMs: 100, MaxDelayMs: 100},
		},
	}
	bad := good
	bad.ID = "shelbyville"
	bad.Config.TargetURLs = []string{"ftp://shelbyville.example.gov"}

	cfg := Config{Sites: []bylaw.TrackedSite{good, good, bad, {}}}
	err := cfg.validateSites()
	if err == nil {
		t.Fatal("expected site validation errors")
	}
	for _, want := range []string{`duplicate id "springfield"`, "sites[2] shelbyville", "sites[3]: id is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
	if !errors.Is(err, bylaw.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig in chain, got %v", err)
	}
}
