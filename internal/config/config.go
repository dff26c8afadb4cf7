// Package config handles loading, validating, and applying
// configuration for the paddock manager.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paddock-ci/paddock/internal/backend"
	"github.com/paddock-ci/paddock/internal/backend/docker"
	"github.com/paddock-ci/paddock/internal/backend/gcp"
	"github.com/paddock-ci/paddock/internal/fleet"
	"github.com/paddock-ci/paddock/internal/github"
	"github.com/paddock-ci/paddock/internal/store"
)

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration wraps time.Duration so YAML values can be written with units
// ("30s", "10m", "12h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GitHub    GitHubConfig    `yaml:"github"`
	Store     StoreConfig     `yaml:"store"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`
	Groups    []GroupConfig   `yaml:"groups"`
}

// ---------------------------------------------------------------------------
// HTTP server
// ---------------------------------------------------------------------------

// ServerConfig holds the webhook/API listener settings.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`

	// APIKey guards the read-only operator API when set.  The webhook
	// endpoint is authenticated by delivery signatures regardless.
	APIKey string `yaml:"api_key"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the registration target.
type GitHubConfig struct {
	// URL is the org or repo runners register against
	// (e.g. https://github.com/org or https://github.com/org/repo).
	URL string `yaml:"url"`

	// Token is a personal access token (alternative to App).
	Token string `yaml:"token"`

	// WebhookSecret verifies workflow_job delivery signatures.
	WebhookSecret string `yaml:"webhook_secret"`

	// App holds GitHub App credentials (recommended).
	App GitHubAppConfig `yaml:"app"`
}

// GitHubAppConfig identifies a GitHub App installation.  The private
// key can be set inline or via PrivateKeyPath; if both are set,
// PrivateKey wins.
type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// StoreConfig selects where runner records live.
type StoreConfig struct {
	// Backend: "memory" (default) or "redis".  Memory does not survive
	// a manager restart; Redis keeps the fleet across restarts.
	Backend string `yaml:"backend"`

	// Redis holds Redis settings.  Only read when Backend == "redis".
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// URL, e.g. "redis://localhost:6379/0".
	URL string `yaml:"url"`
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// ReconcileConfig tunes the control loop.
type ReconcileConfig struct {
	// Interval between full passes.  Default: 30s.  Webhook events kick
	// passes earlier.
	Interval Duration `yaml:"interval"`

	// Retry shapes the backoff for backend calls.
	Retry RetryConfig `yaml:"retry"`

	// DriftThreshold is the per-pass drift event count above which a
	// pass logs an operational alert.  Default: 3.
	DriftThreshold int `yaml:"drift_threshold"`

	// JobTTL expires queued jobs whose terminal webhook never arrived.
	// Default: 30m.
	JobTTL Duration `yaml:"job_ttl"`
}

// RetryConfig bounds backend retries.
type RetryConfig struct {
	// Min/Max bound the backoff curve.  Defaults: 1s / 30s.
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`

	// Budget is the attempt count before an operation is declared
	// failed.  Default: 5.
	Budget int `yaml:"budget"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Enabled starts a /metrics listener.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Port for the scrape endpoint.  Default: 9090.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Runner groups
// ---------------------------------------------------------------------------

// GroupConfig describes one runner group: its capacity bounds, the
// instance template, lifecycle timeouts, and backend-specific settings.
type GroupConfig struct {
	// Name identifies the group.  It prefixes runner names, so it must
	// be DNS-safe (lowercase letters, digits, hyphens).
	Name string `yaml:"name"`

	// Backend selects the compute backend: "docker" or "gcp".
	Backend string `yaml:"backend"`

	MinRunners int `yaml:"min_runners"`
	// MaxRunners caps the group.  Default: 4.
	MaxRunners int `yaml:"max_runners"`

	Template TemplateConfig `yaml:"template"`

	// IdleTimeout drains a runner with no job activity.  Default: 10m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ProvisioningTimeout bounds backend instance creation.  Default: 15m.
	ProvisioningTimeout Duration `yaml:"provisioning_timeout"`

	// RegistrationTimeout bounds agent registration after the instance
	// exists.  Default: 15m.
	RegistrationTimeout Duration `yaml:"registration_timeout"`

	// MaxLifetime, when set, recycles any non-busy runner older than
	// this.  Default: 0 (disabled).
	MaxLifetime Duration `yaml:"max_lifetime"`

	// Docker holds Docker settings.  Only read when Backend == "docker".
	Docker DockerConfig `yaml:"docker"`

	// GCP holds Compute Engine settings.  Only read when Backend == "gcp".
	GCP GCPConfig `yaml:"gcp"`
}

// TemplateConfig is the instance template: the image to boot, an
// optional size (machine type on GCP, memory limit on Docker), and the
// capability labels jobs match against.
type TemplateConfig struct {
	Image  string   `yaml:"image"`
	Size   string   `yaml:"size"`
	Labels []string `yaml:"labels"`
}

// DockerConfig holds Docker-specific group settings.
type DockerConfig struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's
	// Docker socket into each runner container.
	Dind bool `yaml:"dind"`
}

// GCPConfig holds Compute Engine settings.  The group template supplies
// the image; this block carries the project-level plumbing.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPConfig struct {
	// Project is the GCP project ID (required when backend == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is used when the template has no size.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" (nil -> default
	// true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = Duration(30 * time.Second)
	}
	if c.Reconcile.Retry.Min == 0 {
		c.Reconcile.Retry.Min = Duration(time.Second)
	}
	if c.Reconcile.Retry.Max == 0 {
		c.Reconcile.Retry.Max = Duration(30 * time.Second)
	}
	if c.Reconcile.Retry.Budget == 0 {
		c.Reconcile.Retry.Budget = 5
	}
	if c.Reconcile.DriftThreshold == 0 {
		c.Reconcile.DriftThreshold = 3
	}
	if c.Reconcile.JobTTL == 0 {
		c.Reconcile.JobTTL = Duration(30 * time.Minute)
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}

	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Backend == "" {
			g.Backend = "docker"
		}
		if g.MaxRunners == 0 {
			g.MaxRunners = 4
		}
		if g.IdleTimeout == 0 {
			g.IdleTimeout = Duration(10 * time.Minute)
		}
		if g.ProvisioningTimeout == 0 {
			g.ProvisioningTimeout = Duration(15 * time.Minute)
		}
		if g.RegistrationTimeout == 0 {
			g.RegistrationTimeout = Duration(15 * time.Minute)
		}
	}
}

// groupNameRe is the DNS-safe shape runner names inherit: GCP rejects
// instance names outside it.
var groupNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("github.webhook_secret is required")
	}

	switch c.Store.Backend {
	case "memory":
		// OK
	case "redis":
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url is required when store.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported (supported: memory, redis)", c.Store.Backend)
	}

	if c.Reconcile.Retry.Min.Std() > c.Reconcile.Retry.Max.Std() {
		return fmt.Errorf("reconcile.retry.min (%s) > reconcile.retry.max (%s)",
			c.Reconcile.Retry.Min.Std(), c.Reconcile.Retry.Max.Std())
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
	}

	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one runner group is required")
	}

	seen := make(map[string]bool, len(c.Groups))
	for i := range c.Groups {
		if err := c.Groups[i].validate(); err != nil {
			return fmt.Errorf("groups[%d]: %w", i, err)
		}
		if seen[c.Groups[i].Name] {
			return fmt.Errorf("groups[%d]: duplicate group name %q", i, c.Groups[i].Name)
		}
		seen[c.Groups[i].Name] = true
	}

	return nil
}

func (c *Config) validateAuth() error {
	hasToken := c.GitHub.Token != ""
	hasApp := c.GitHub.App.AppID != 0 ||
		c.GitHub.App.InstallationID != 0 ||
		c.GitHub.App.PrivateKey != "" ||
		c.GitHub.App.PrivateKeyPath != ""

	if !hasToken && !hasApp {
		return fmt.Errorf("no credentials: provide github.app (recommended) or github.token")
	}
	if hasToken && hasApp {
		return fmt.Errorf("ambiguous credentials: set github.app or github.token, not both")
	}

	if hasApp {
		if c.GitHub.App.AppID == 0 {
			return fmt.Errorf("github.app.app_id is required when using GitHub App auth")
		}
		if c.GitHub.App.InstallationID == 0 {
			return fmt.Errorf("github.app.installation_id is required when using GitHub App auth")
		}
		if c.GitHub.App.PrivateKey == "" && c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app.private_key or github.app.private_key_path is required")
		}
	}

	return nil
}

func (g *GroupConfig) validate() error {
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !groupNameRe.MatchString(g.Name) {
		return fmt.Errorf("name %q must be lowercase letters, digits and hyphens", g.Name)
	}
	if g.MinRunners < 0 {
		return fmt.Errorf("min_runners (%d) is negative", g.MinRunners)
	}
	if g.MaxRunners < g.MinRunners {
		return fmt.Errorf("max_runners (%d) < min_runners (%d)", g.MaxRunners, g.MinRunners)
	}
	if g.Template.Image == "" {
		return fmt.Errorf("template.image is required")
	}
	for i, l := range g.Template.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("template.labels[%d] is empty", i)
		}
	}
	for _, tc := range []struct {
		name string
		d    Duration
	}{
		{"idle_timeout", g.IdleTimeout},
		{"provisioning_timeout", g.ProvisioningTimeout},
		{"registration_timeout", g.RegistrationTimeout},
	} {
		if tc.d.Std() <= 0 {
			return fmt.Errorf("%s must be positive", tc.name)
		}
	}
	if g.MaxLifetime.Std() < 0 {
		return fmt.Errorf("max_lifetime is negative")
	}

	switch g.Backend {
	case "docker":
		// OK
	case "gcp":
		if g.GCP.Project == "" {
			return fmt.Errorf("gcp.project is required when backend is \"gcp\"")
		}
		if g.GCP.Zone == "" {
			return fmt.Errorf("gcp.zone is required when backend is \"gcp\"")
		}
	default:
		return fmt.Errorf("backend %q is not supported (supported: docker, gcp)", g.Backend)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewStore creates the runner store selected by store.backend.
func (c *Config) NewStore() (store.Store, error) {
	switch c.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		return store.NewRedis(c.Store.Redis.URL)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}
}

// NewGitHubClient creates the platform client using the configured
// credentials (GitHub App or PAT).
func (c *Config) NewGitHubClient(logger *slog.Logger) (*github.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	return github.New(github.Config{
		URL:            c.GitHub.URL,
		Token:          c.GitHub.Token,
		AppID:          c.GitHub.App.AppID,
		InstallationID: c.GitHub.App.InstallationID,
		PrivateKey:     []byte(c.GitHub.App.PrivateKey),
	}, logger.WithGroup("github"))
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.App.PrivateKey != "" || c.GitHub.App.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.App.PrivateKeyPath, err)
	}
	c.GitHub.App.PrivateKey = string(data)
	return nil
}

// NewBackends creates one compute backend per group, keyed by group
// name.  On error, backends already created are closed before
// returning.
func (c *Config) NewBackends(ctx context.Context, logger *slog.Logger) (map[string]backend.Backend, error) {
	backends := make(map[string]backend.Backend, len(c.Groups))

	closeAll := func() {
		for _, be := range backends {
			_ = be.Close()
		}
	}

	for _, g := range c.Groups {
		var (
			be  backend.Backend
			err error
		)
		switch g.Backend {
		case "docker":
			be, err = docker.New(ctx, docker.Config{
				Dind: g.Docker.Dind,
			}, logger.WithGroup("backend.docker"))
		case "gcp":
			cfg := gcp.Config{
				Project:        g.GCP.Project,
				Zone:           g.GCP.Zone,
				MachineType:    g.GCP.MachineType,
				DiskSizeGB:     g.GCP.DiskSizeGB,
				Network:        g.GCP.Network,
				Subnet:         g.GCP.Subnet,
				ServiceAccount: g.GCP.ServiceAccount,
				PublicIP:       true,
			}
			if g.GCP.PublicIP != nil {
				cfg.PublicIP = *g.GCP.PublicIP
			}
			be, err = gcp.New(ctx, cfg, logger.WithGroup("backend.gcp"))
		default:
			err = fmt.Errorf("unsupported backend type: %s", g.Backend)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}
		backends[g.Name] = be
	}

	return backends, nil
}

// FleetGroups converts the configured groups into fleet.Group values.
func (c *Config) FleetGroups() []fleet.Group {
	groups := make([]fleet.Group, len(c.Groups))
	for i, g := range c.Groups {
		groups[i] = fleet.Group{
			Name:       g.Name,
			Backend:    g.Backend,
			MinRunners: g.MinRunners,
			MaxRunners: g.MaxRunners,
			Template: fleet.Template{
				Image:  g.Template.Image,
				Size:   g.Template.Size,
				Labels: g.Template.Labels,
			},
			IdleTimeout:         g.IdleTimeout.Std(),
			ProvisioningTimeout: g.ProvisioningTimeout.Std(),
			RegistrationTimeout: g.RegistrationTimeout.Std(),
			MaxLifetime:         g.MaxLifetime.Std(),
		}
	}
	return groups
}
