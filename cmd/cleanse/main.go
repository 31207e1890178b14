// Package main provides the Cleanse analysis engine.
//
// One invocation runs one reconciliation pass over both livestock-holding
// registries: it claims the single-running slot, evaluates the rule pipeline
// per holding, records issues, sweeps stale ones, publishes the CSV report,
// and dispatches the completion notification.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/engine"
	"github.com/cleanse-io/cleanse/internal/issues"
	"github.com/cleanse-io/cleanse/internal/notify"
	"github.com/cleanse-io/cleanse/internal/operations"
	"github.com/cleanse-io/cleanse/internal/registry"
	"github.com/cleanse-io/cleanse/internal/reports"
	"github.com/cleanse-io/cleanse/internal/rules"
	"github.com/cleanse-io/cleanse/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "cleanse"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	inMemoryFlag := flag.Bool("in-memory", false, "use in-memory stores instead of Postgres (local runs only)")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Cleanse analysis engine",
		slog.String("service", name),
		slog.String("version", version),
	)

	// SIGINT/SIGTERM cancel the pass; the run is then marked Cancelled with
	// its partial counters preserved.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	operationStore, issueStore, cleanup := buildStores(logger, *inMemoryFlag)
	defer cleanup()

	tracker := operations.NewTracker(operationStore)
	issueSvc := issues.NewService(issueStore)

	engineConfig := engine.LoadConfig()

	sources := rules.Sources{
		MovementCollection: engineConfig.MovementCollection,
		RegisterCollection: engineConfig.RegisterCollection,
	}

	entries, err := buildRuleEntries(logger, sources)
	if err != nil {
		logger.Error("Failed to load rule configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	queries, err := buildQueryService(logger)
	if err != nil {
		logger.Error("Failed to configure registry client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	opts := buildArtifactOptions(ctx, logger, issueSvc, entries)

	orchestrator, err := engine.NewOrchestrator(
		engineConfig,
		tracker,
		issueSvc,
		engine.NewPipeline(entries),
		queries,
		append(opts, engine.WithOrchestratorLogger(logger))...,
	)
	if err != nil {
		logger.Error("Failed to build orchestrator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	operationID, err := orchestrator.Run(ctx)
	if err != nil {
		logger.Error("Analysis run did not complete",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
		cleanup()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	op, err := tracker.GetByID(ctx, operationID)
	if err != nil {
		logger.Error("Failed to load completed operation", slog.String("error", err.Error()))
		cleanup()
		os.Exit(1)
	}

	var durationMs int64
	if op.DurationMs != nil {
		durationMs = *op.DurationMs
	}

	logger.Info("Analysis run completed",
		slog.String("operation_id", op.ID),
		slog.Int64("records_analyzed", op.RecordsAnalyzed),
		slog.Int64("issues_found", op.IssuesFound),
		slog.Int64("issues_resolved", op.IssuesResolved),
		slog.Int64("duration_ms", durationMs),
		slog.String("report_url", op.ReportURL),
	)
}

// buildStores returns the operation and issue stores plus a cleanup closure.
// Postgres stores run behind the retry and circuit-breaker policy; the
// in-memory pair keeps local runs free of a Postgres dependency and needs no
// policy.
func buildStores(logger *slog.Logger, inMemory bool) (operations.Store, issues.Store, func()) {
	if inMemory {
		logger.Warn("Using in-memory stores",
			slog.String("note", "state does not survive the process; issue history across runs is lost"),
		)

		return storage.NewInMemoryOperationStore(), storage.NewInMemoryIssueStore(), func() {}
	}

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Connected to database",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	resilienceConfig := storage.LoadResilienceConfig()

	return storage.NewResilientOperationStore(storage.NewPostgresOperationStore(conn), resilienceConfig),
		storage.NewResilientIssueStore(storage.NewPostgresIssueStore(conn), resilienceConfig),
		func() { _ = conn.Close() }
}

// buildRuleEntries loads the optional YAML rule-set override and resolves the
// ordered pipeline entries.
func buildRuleEntries(logger *slog.Logger, sources rules.Sources) ([]engine.PipelineEntry, error) {
	ruleConfig, err := rules.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	entries, err := ruleConfig.Entries(sources)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Descriptor.RuleID)
	}

	logger.Info("Rule pipeline configured", slog.Any("rules", ids))

	return entries, nil
}

// buildQueryService wires the registry HTTP client behind the retry and
// circuit-breaker policy.
func buildQueryService(logger *slog.Logger) (engine.QueryService, error) {
	clientConfig := registry.LoadClientConfig()

	client, err := registry.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	resilienceConfig := storage.LoadResilienceConfig()

	logger.Info("Registry client configured",
		slog.String("base_url", clientConfig.BaseURL),
		slog.Duration("request_timeout", clientConfig.RequestTimeout),
		slog.Uint64("max_retries", resilienceConfig.MaxRetries),
	)

	return storage.NewResilientQueryService(client, resilienceConfig), nil
}

// buildArtifactOptions wires report publication and completion notification,
// each enabled only when configured. The orchestrator treats both as
// best-effort.
func buildArtifactOptions(
	ctx context.Context,
	logger *slog.Logger,
	issueSvc *issues.Service,
	entries []engine.PipelineEntry,
) []engine.OrchestratorOption {
	var opts []engine.OrchestratorOption

	if config.GetEnvStr("GCS_BUCKET", "") != "" {
		blobs, err := reports.NewGCSBlobStore(ctx)
		if err != nil {
			logger.Error("Failed to initialize report blob store", slog.String("error", err.Error()))
			os.Exit(1)
		}

		publisher := reports.NewPublisher(issueSvc, reports.NewExporter(entries), blobs,
			reports.WithPublisherLogger(logger))
		opts = append(opts, engine.WithReportPublisher(publisher))

		logger.Info("Report publication enabled")
	} else {
		logger.Warn("Report publication disabled",
			slog.String("note", "set GCS_BUCKET to publish CSV reports"),
		)
	}

	if config.GetEnvBool("CLEANSE_NOTIFY_ENABLED", false) {
		dispatcher := notify.NewKafkaDispatcher()
		opts = append(opts, engine.WithNotifier(dispatcher))

		logger.Info("Completion notifications enabled")
	} else {
		logger.Warn("Completion notifications disabled",
			slog.String("note", "set CLEANSE_NOTIFY_ENABLED=true to publish run-completion events"),
		)
	}

	return opts
}
