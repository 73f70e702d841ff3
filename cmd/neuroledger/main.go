package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/synaptiq/neuroledger/pkg/config"
	"github.com/synaptiq/neuroledger/pkg/ingest"
	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/ledger/schema"
	"github.com/synaptiq/neuroledger/pkg/observability"
	"github.com/synaptiq/neuroledger/pkg/query"
	"github.com/synaptiq/neuroledger/pkg/report"
	"github.com/synaptiq/neuroledger/pkg/signing"
	"github.com/synaptiq/neuroledger/pkg/store"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServeCmd(stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "rotate-key":
		return runRotateKeyCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "neuroledger - append-only audit ledger for neural device data")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  neuroledger serve                      Start the ingest + query API")
	fmt.Fprintln(w, "  neuroledger verify -partition <key>    Replay and verify one partition chain")
	fmt.Fprintln(w, "  neuroledger report -from <ts> -to <ts> Generate a compliance report")
	fmt.Fprintln(w, "  neuroledger rotate-key                 Rotate the active signing key")
	fmt.Fprintln(w, "  neuroledger health                     Probe the storage tiers")
	fmt.Fprintln(w, "")
}

// buildStores wires the three tiers from configuration. The analytical tier
// is optional; the hot and session tiers are not.
func buildStores(ctx context.Context, cfg *config.Config) (store.HotStore, *store.SQLiteStore, []store.LedgerStore, error) {
	hot := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	sessions, err := store.OpenSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}

	secondaries := []store.LedgerStore{sessions}
	if cfg.S3Bucket != "" {
		analytical, err := store.NewS3Store(ctx, store.S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open analytical store: %w", err)
		}
		secondaries = append(secondaries, analytical)
	}

	return hot, sessions, secondaries, nil
}

func buildSigner(cfg *config.Config) (*signing.EventSigner, *signing.LocalKMS, error) {
	kms, err := signing.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open keystore: %w", err)
	}
	return signing.NewEventSigner(kms, 5*time.Second), kms, nil
}

func runServeCmd(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if cfg.IdentitySecret == "" {
		_, _ = fmt.Fprintln(stderr, "IDENTITY_SECRET is required: user identifiers must be pseudonymized before admission")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load jurisdiction profile: %v\n", err)
		return 1
	}
	slog.Info("jurisdiction profile loaded",
		"code", profile.Code, "retention_years", profile.Retention.LedgerYears,
		"compliance", strings.Join(profile.Compliance, ","))

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "init observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	hot, sessions, secondaries, err := buildStores(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = hot.Close() }()

	signer, _, err := buildSigner(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	pseudo, err := ledger.NewPseudonymizer([]byte(cfg.IdentitySecret), nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "init pseudonymizer: %v\n", err)
		return 1
	}

	validator, err := schema.NewValidator()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "compile metadata schemas: %v\n", err)
		return 1
	}

	fanout := store.NewFanout(hot, secondaries, store.FanoutConfig{
		ReconcileDeadline: cfg.ReconcileDeadline,
	}, func(alert store.Alert) {
		obs.RecordReconcileAlert(ctx, alert.Tier)
		slog.Error("reconciliation required",
			"event_id", alert.EventID, "tier", alert.Tier, "error", alert.Err)
	})
	defer fanout.Close()

	gate := ingest.NewGate(validator, signer, fanout, hot, pseudo, obs, ingest.GateConfig{
		ClockSkewTolerance: cfg.ClockSkewTolerance,
		MailboxSize:        cfg.MailboxSize,
		IntakeRate:         rateLimit(cfg.IntakeRate),
		IntakeBurst:        cfg.IntakeBurst,
	})
	defer gate.Close()

	// Corruption findings become ledger events on the self-audit partition.
	svc := query.NewService(hot, sessions, signer, recordCorruption(gate))

	deliverer, err := report.NewDelivererFromEnv(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "init report delivery: %v\n", err)
		return 1
	}
	reports := report.NewGenerator(svc, deliverer)

	// Scheduled PHI access reports per the jurisdiction's cadence.
	if days := profile.Reporting.AccessReportDays; days > 0 {
		window := time.Duration(days) * 24 * time.Hour
		go reports.RunSchedule(ctx, window, func(now time.Time) report.Request {
			return report.Request{
				Classification: "phi_access",
				Types: []ledger.EventType{
					ledger.EventAccessGranted, ledger.EventAccessDenied,
					ledger.EventAuthLogin, ledger.EventAuthLogout, ledger.EventAuthFailure,
				},
				From: now.Add(-window),
				To:   now,
			}
		})
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newAPIHandler(gate, svc, reports),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("neuroledger listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		_, _ = fmt.Fprintf(stderr, "server error: %v\n", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Drain pending secondary-tier writes before exit.
	fanout.Flush(10 * time.Second)
	return 0
}

// recordCorruption turns a chain verification failure into a ledger.corruption
// event on the self-audit partition. The metadata keys mirror the variant
// schema so the finding is admitted rather than bounced into ledger.rejected.
func recordCorruption(gate *ingest.Gate) func(*ledger.ChainCorruptionError) {
	return func(c *ledger.ChainCorruptionError) {
		_, err := gate.Submit(context.Background(), ledger.Submission{
			EventType:    ledger.EventLedgerCorruption,
			PartitionKey: ledger.LedgerPartition,
			Timestamp:    time.Now().UTC(),
			Metadata: map[string]interface{}{
				"partition_key": c.PartitionKey,
				"event_id":      c.EventID,
				"position":      c.Position,
				"error":         c.Reason,
			},
		})
		if err != nil {
			slog.Error("failed to record corruption finding", "error", err)
		}
	}
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	partition := fs.String("partition", "", "partition key to verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *partition == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -partition is required")
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	ctx := context.Background()

	hot, sessions, _, err := buildStores(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = hot.Close() }()

	signer, _, err := buildSigner(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	svc := query.NewService(hot, sessions, signer, nil)
	if err := svc.VerifyChain(ctx, *partition); err != nil {
		_, _ = fmt.Fprintf(stderr, "FAIL %s: %v\n", *partition, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK %s\n", *partition)
	return 0
}

func runReportCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.String("from", "", "window start (RFC 3339)")
	to := fs.String("to", "", "window end (RFC 3339)")
	partition := fs.String("partition", "", "restrict to one partition")
	user := fs.String("user", "", "restrict to one pseudonymized user hash")
	types := fs.String("types", "", "comma-separated event types (default: access and auth events)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	fromTS, err := time.Parse(time.RFC3339, *from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "report: invalid -from: %v\n", err)
		return 2
	}
	toTS, err := time.Parse(time.RFC3339, *to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "report: invalid -to: %v\n", err)
		return 2
	}

	eventTypes := []ledger.EventType{
		ledger.EventAccessGranted, ledger.EventAccessDenied,
		ledger.EventAuthLogin, ledger.EventAuthLogout, ledger.EventAuthFailure,
	}
	if *types != "" {
		eventTypes = nil
		for _, t := range strings.Split(*types, ",") {
			eventTypes = append(eventTypes, ledger.EventType(strings.TrimSpace(t)))
		}
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	ctx := context.Background()

	hot, sessions, _, err := buildStores(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = hot.Close() }()

	signer, _, err := buildSigner(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	svc := query.NewService(hot, sessions, signer, nil)
	gen := report.NewGenerator(svc, nil)
	rep, err := gen.Generate(ctx, report.Request{
		Classification: "phi_access",
		Types:          eventTypes,
		PartitionKey:   *partition,
		UserHash:       *user,
		From:           fromTS,
		To:             toTS,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "report failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode report: %v\n", err)
		return 1
	}
	return 0
}

func runRotateKeyCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	kms, err := signing.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open keystore: %v\n", err)
		return 1
	}
	keyID, err := kms.Rotate()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rotate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "active signing key: %s\n", keyID)
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy := true

	hot := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = hot.Close() }()
	if err := hot.Ping(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "hot tier:       FAIL (%v)\n", err)
		healthy = false
	} else {
		_, _ = fmt.Fprintln(stdout, "hot tier:       OK")
	}

	sessions, err := store.OpenSQLiteStore(cfg.SQLitePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "session tier:   FAIL (%v)\n", err)
		healthy = false
	} else {
		_, _ = fmt.Fprintln(stdout, "session tier:   OK")
		_ = sessions.Close()
	}

	if _, err := signing.NewLocalKMS(cfg.KeystorePath); err != nil {
		_, _ = fmt.Fprintf(stderr, "keystore:       FAIL (%v)\n", err)
		healthy = false
	} else {
		_, _ = fmt.Fprintln(stdout, "keystore:       OK")
	}

	if !healthy {
		return 1
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	log.SetOutput(os.Stderr)
}

func observabilityConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.OTLPEndpoint = endpoint
	}
	if env := os.Getenv("DEPLOY_ENV"); env != "" {
		cfg.Environment = env
	}
	cfg.Enabled = os.Getenv("OTEL_SDK_DISABLED") != "true"
	cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRate = f
		}
	}
	return cfg
}
