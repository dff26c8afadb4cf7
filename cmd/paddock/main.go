package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/paddock-ci/paddock/internal/config"
	"github.com/paddock-ci/paddock/internal/dispatch"
	"github.com/paddock-ci/paddock/internal/health"
	"github.com/paddock-ci/paddock/internal/otel"
	"github.com/paddock-ci/paddock/internal/reconciler"
	"github.com/paddock-ci/paddock/internal/tasks"
	"github.com/paddock-ci/paddock/internal/webhook"
)

// taskWorkers bounds concurrent provision/deprovision calls across all
// groups; anything beyond it waits for the next pass.
const taskWorkers = 16

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paddock",
	Short: "Ephemeral CI runner fleet manager",
	Long: `paddock keeps a fleet of ephemeral GitHub Actions runners sized to
the queued workflow jobs that match them.  Webhook deliveries feed a
reconciler that provisions and retires compute (Docker containers,
GCP VMs) per configured runner group.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "paddock.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub org or repo runners register against (e.g. https://github.com/org)")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token (alternative to GitHub App)")
	f.StringVar(&flagOverrides.GitHub.WebhookSecret, "webhook-secret", "", "Shared secret for webhook delivery signatures")
	f.Int64Var(&flagOverrides.GitHub.App.AppID, "app-id", 0, "GitHub App ID")
	f.Int64Var(&flagOverrides.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKey, "app-private-key", "", "GitHub App private key (PEM)")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Addr, "addr", "", "Webhook/API listen address")
	f.StringVar(&flagOverrides.Server.APIKey, "api-key", "", "Static bearer key guarding the operator API")

	// Store overrides
	f.StringVar(&flagOverrides.Store.Backend, "store", "", "Runner store backend (memory, redis)")
	f.StringVar(&flagOverrides.Store.Redis.URL, "redis-url", "", "Redis URL when --store=redis")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.URL != "" {
		cfg.GitHub.URL = flagOverrides.GitHub.URL
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.WebhookSecret != "" {
		cfg.GitHub.WebhookSecret = flagOverrides.GitHub.WebhookSecret
	}
	if flagOverrides.GitHub.App.AppID != 0 {
		cfg.GitHub.App.AppID = flagOverrides.GitHub.App.AppID
	}
	if flagOverrides.GitHub.App.InstallationID != 0 {
		cfg.GitHub.App.InstallationID = flagOverrides.GitHub.App.InstallationID
	}
	if flagOverrides.GitHub.App.PrivateKey != "" {
		cfg.GitHub.App.PrivateKey = flagOverrides.GitHub.App.PrivateKey
	}
	if flagOverrides.GitHub.App.PrivateKeyPath != "" {
		cfg.GitHub.App.PrivateKeyPath = flagOverrides.GitHub.App.PrivateKeyPath
	}
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Server.APIKey != "" {
		cfg.Server.APIKey = flagOverrides.Server.APIKey
	}
	if flagOverrides.Store.Backend != "" {
		cfg.Store.Backend = flagOverrides.Store.Backend
	}
	if flagOverrides.Store.Redis.URL != "" {
		cfg.Store.Redis.URL = flagOverrides.Store.Redis.URL
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("store", cfg.Store.Backend),
		slog.Int("groups", len(cfg.Groups)),
		slog.String("addr", cfg.Server.Addr),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	otelCfg := otel.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
		StdOut:   cfg.OTel.StdOut,
	}
	if cfg.Metrics.Enabled {
		otelCfg.PrometheusPort = cfg.Metrics.Port
	}

	otelShutdown, err := otel.Setup(ctx, "paddock", otelCfg)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Create runner store
	// ---------------------------------------------------------------
	st, err := cfg.NewStore()
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Create GitHub client
	// ---------------------------------------------------------------
	ghClient, err := cfg.NewGitHubClient(logger)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Create compute backends
	// ---------------------------------------------------------------
	backends, err := cfg.NewBackends(ctx, logger)
	if err != nil {
		return fmt.Errorf("creating backends: %w", err)
	}
	defer func() {
		for name, be := range backends {
			if err := be.Close(); err != nil {
				logger.Warn("backend close",
					slog.String("group", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	// ---------------------------------------------------------------
	// 7. Wire dispatcher, task pool and reconciler
	// ---------------------------------------------------------------
	groups := cfg.FleetGroups()
	tracker := dispatch.NewTracker(cfg.Reconcile.JobTTL.Std())

	// The dispatcher kicks the reconciler, which is built after it;
	// the closure binds late.  Servers start only once both exist.
	var rec *reconciler.Reconciler
	dispatcher, err := dispatch.New(dispatch.Config{
		Store:   st,
		Tracker: tracker,
		Groups:  groups,
		Kick: func(group string) {
			if rec != nil {
				rec.Kick(group)
			}
		},
		Logger: logger.WithGroup("dispatch"),
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	pool := tasks.New(taskWorkers, logger.WithGroup("tasks"))

	rec, err = reconciler.New(reconciler.Config{
		Store:          st,
		Backends:       backends,
		Platform:       ghClient,
		Jobs:           tracker,
		Events:         dispatcher,
		Pool:           pool,
		Groups:         groups,
		Interval:       cfg.Reconcile.Interval.Std(),
		RetryMin:       cfg.Reconcile.Retry.Min.Std(),
		RetryMax:       cfg.Reconcile.Retry.Max.Std(),
		RetryBudget:    cfg.Reconcile.Retry.Budget,
		DriftThreshold: cfg.Reconcile.DriftThreshold,
		Logger:         logger.WithGroup("reconciler"),
	})
	if err != nil {
		return fmt.Errorf("creating reconciler: %w", err)
	}

	// ---------------------------------------------------------------
	// 8. Build HTTP servers
	// ---------------------------------------------------------------
	backendNames := make(map[string]string, len(cfg.Groups))
	for _, g := range cfg.Groups {
		backendNames[g.Name] = g.Backend
	}

	srv, err := webhook.New(webhook.Config{
		Addr:          cfg.Server.Addr,
		WebhookSecret: []byte(cfg.GitHub.WebhookSecret),
		APIKey:        cfg.Server.APIKey,
		Store:         st,
		Events:        dispatcher,
		Groups:        groups,
		Health:        health.Handler(st, backendNames),
		Logger:        logger.WithGroup("http"),
	})
	if err != nil {
		return fmt.Errorf("creating webhook server: %w", err)
	}

	// ---------------------------------------------------------------
	// 9. Run
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := rec.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("reconciler: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := srv.Run(gctx); err != nil {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return runMetricsServer(gctx, cfg.Metrics.Port, logger)
		})
	}

	logger.Info("paddock started")
	err = g.Wait()

	// Servers and the loop are down; let in-flight provision and
	// deprovision tasks settle before the backends close.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if derr := pool.Shutdown(drainCtx); derr != nil {
		logger.Warn("task pool drain incomplete", slog.String("error", derr.Error()))
	}

	if err != nil {
		return err
	}
	logger.Info("shutting down gracefully")
	return nil
}

// runMetricsServer serves the Prometheus scrape endpoint until ctx is
// cancelled.
func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
