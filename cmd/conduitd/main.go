package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/conduit-labs/conduit/internal/api"
	"github.com/conduit-labs/conduit/internal/collab"
	"github.com/conduit-labs/conduit/internal/config"
	"github.com/conduit-labs/conduit/internal/domain"
	"github.com/conduit-labs/conduit/internal/ledger"
	ledgermem "github.com/conduit-labs/conduit/internal/ledger/memory"
	ledgerpg "github.com/conduit-labs/conduit/internal/ledger/postgres"
	"github.com/conduit-labs/conduit/internal/pipeline"
	"github.com/conduit-labs/conduit/internal/platform/auditlog"
	"github.com/conduit-labs/conduit/internal/platform/auth"
	"github.com/conduit-labs/conduit/internal/platform/env"
	"github.com/conduit-labs/conduit/internal/platform/httpserver"
	"github.com/conduit-labs/conduit/internal/platform/objectstore"
	"github.com/conduit-labs/conduit/internal/platform/postgres"
	"github.com/conduit-labs/conduit/internal/sequence"
	"github.com/conduit-labs/conduit/internal/trigger"
	"github.com/conduit-labs/conduit/internal/trigger/gitsource"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := env.String("CONDUIT_CONFIG_FILE", "deployment.yaml")
	raw, err := os.ReadFile(configPath)
	if err != nil {
		logger.Error("read deployment config", "path", configPath, "error", err)
		os.Exit(2)
	}
	cfg, err := config.Resolve(raw)
	if err != nil {
		logger.Error("invalid deployment config", "path", configPath, "error", err)
		os.Exit(2)
	}
	logger.Info("deployment config resolved",
		"project", cfg.ProjectName,
		"staging", cfg.StagingProjectID,
		"production", cfg.ProdProjectID,
		"region", cfg.Region)

	addr := env.String("CONDUIT_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CONDUIT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	led, db, err := openLedger(ctx, logger)
	if err != nil {
		logger.Error("ledger unavailable", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	var sink pipeline.OutputSink
	var storeCheck httpserver.ReadinessCheck
	storeEnabled, err := env.Bool("CONDUIT_MINIO_ENABLED", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if storeEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		sink, err = objectstore.NewLogSink(storeClient, storeCfg)
		if err != nil {
			logger.Error("log sink init failed", "error", err)
			os.Exit(2)
		}
		storeCheck = httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
			},
		}
	}

	builder := collab.ExecBuilder{
		BuildCmd: env.Strings("CONDUIT_BUILD_CMD", nil),
		TestCmd:  env.Strings("CONDUIT_TEST_CMD", nil),
	}
	planner := collab.ExecPlanner{
		PlanCmd:  env.Strings("CONDUIT_PLAN_CMD", nil),
		ApplyCmd: env.Strings("CONDUIT_APPLY_CMD", nil),
	}
	if len(builder.BuildCmd) == 0 || len(builder.TestCmd) == 0 || len(planner.PlanCmd) == 0 || len(planner.ApplyCmd) == 0 {
		logger.Error("collaborator commands not configured",
			"env", "CONDUIT_BUILD_CMD, CONDUIT_TEST_CMD, CONDUIT_PLAN_CMD, CONDUIT_APPLY_CMD")
		os.Exit(2)
	}

	retry, err := retryFromEnv()
	if err != nil {
		logger.Error("invalid retry config", "error", err)
		os.Exit(2)
	}
	runner := pipeline.NewRunner(led, builder, planner, sink, retry, logger)

	gate, err := buildGate(led, logger)
	if err != nil {
		logger.Error("invalid gate config", "error", err)
		os.Exit(2)
	}
	sequencer := sequence.NewSequencer(runner, gate, domain.DefaultEnvironmentOrder, logger)

	requests := make(chan domain.PipelineRequest, 16)
	var wg sync.WaitGroup

	triggerMode := strings.ToLower(strings.TrimSpace(env.String("CONDUIT_TRIGGER", "git")))
	switch triggerMode {
	case "git":
		pollerCfg, err := gitsource.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid git source config", "error", err)
			os.Exit(2)
		}
		poller, err := gitsource.NewPoller(pollerCfg)
		if err != nil {
			logger.Error("git source init failed", "error", err)
			os.Exit(2)
		}
		listener := trigger.NewListener(poller, led, cfg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Listen(ctx, requests); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trigger listener stopped", "error", err)
				stop()
			}
		}()
	case "manual":
		// Only the POST /v1/trigger endpoint feeds the loop.
	default:
		logger.Error("unsupported trigger mode", "mode", triggerMode)
		os.Exit(2)
	}

	// The coordinating loop: one promotion chain at a time per
	// process. Duplicate requests are absorbed by run idempotency.
	// A gate denial is a domain outcome; any other promotion error
	// means the run ledger could not be written, and a daemon that
	// cannot persist run history must not keep accepting work.
	var ledgerFailed atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-requests:
				result, err := sequencer.Promote(ctx, req)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					if errors.Is(err, sequence.ErrPromotionDenied) {
						logger.Warn("promotion denied",
							"revision", req.Revision,
							"error", err)
						continue
					}
					logger.Error("run ledger write failed, shutting down",
						"revision", req.Revision,
						"error", err)
					ledgerFailed.Store(true)
					stop()
					return
				}
				logger.Info("promotion finished",
					"revision", req.Revision,
					"status", string(result.Status))
			}
		}
	}()

	dispatch := func(req domain.PipelineRequest) bool {
		select {
		case requests <- req:
			return true
		default:
			return false
		}
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(2)
		}
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeDisabled:
		authenticator = nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("conduitd"))
	checks := []httpserver.ReadinessCheck{}
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	}
	if storeCheck.Name != "" {
		checks = append(checks, storeCheck)
	}
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("conduitd", checks...))
	var audit *auditlog.Log
	if db != nil {
		audit = auditlog.New(db)
	}
	api.New(logger, led, cfg, dispatch, audit).Register(mux)

	authMiddleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}
	handler := httpserver.Wrap(logger, "conduitd", authMiddleware.Wrap(mux))

	serverCfg := httpserver.Config{
		Service:         "conduitd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, handler); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	stop()
	wg.Wait()
	if ledgerFailed.Load() {
		os.Exit(1)
	}
}

func openLedger(ctx context.Context, logger *slog.Logger) (ledger.Ledger, *sql.DB, error) {
	mode := strings.ToLower(strings.TrimSpace(env.String("CONDUIT_LEDGER", "postgres")))
	switch mode {
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		return ledgerpg.New(db), db, nil
	case "memory":
		logger.Warn("using in-memory ledger, runs will not survive a restart")
		return ledgermem.New(), nil, nil
	default:
		return nil, nil, errors.New("CONDUIT_LEDGER must be one of: postgres, memory")
	}
}

func retryFromEnv() (pipeline.RetryConfig, error) {
	attempts, err := env.Int("CONDUIT_PLAN_RETRY_ATTEMPTS", 4)
	if err != nil {
		return pipeline.RetryConfig{}, err
	}
	initial, err := env.Duration("CONDUIT_PLAN_RETRY_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return pipeline.RetryConfig{}, err
	}
	maxBackoff, err := env.Duration("CONDUIT_PLAN_RETRY_MAX_BACKOFF", 8*time.Second)
	if err != nil {
		return pipeline.RetryConfig{}, err
	}
	return pipeline.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: initial,
		MaxBackoff:     maxBackoff,
	}, nil
}

func buildGate(led ledger.Ledger, logger *slog.Logger) (sequence.Gate, error) {
	mode := strings.ToLower(strings.TrimSpace(env.String("CONDUIT_PROMOTION_GATE", "approval")))
	pollInterval, err := env.Duration("CONDUIT_APPROVAL_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, err
	}
	switch mode {
	case "none":
		logger.Warn("promotion gate disabled, production promotes automatically")
		return sequence.PassGate{}, nil
	case "soak":
		soak, err := env.Duration("CONDUIT_PROMOTION_SOAK", 15*time.Minute)
		if err != nil {
			return nil, err
		}
		return sequence.NewSoakGate(led, soak), nil
	case "approval":
		return sequence.NewApprovalGate(led, pollInterval), nil
	case "policy":
		path := env.String("CONDUIT_PROMOTION_POLICY_FILE", "")
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("CONDUIT_PROMOTION_POLICY_FILE is required when CONDUIT_PROMOTION_GATE=policy")
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		spec, err := sequence.ParsePolicy(raw)
		if err != nil {
			return nil, err
		}
		return sequence.NewPolicyGate(spec, sequence.NewApprovalGate(led, pollInterval))
	default:
		return nil, errors.New("CONDUIT_PROMOTION_GATE must be one of: none, soak, approval, policy")
	}
}
