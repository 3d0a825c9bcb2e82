package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/conductor/common/id"
	"basegraph.app/conductor/common/llm"
	"basegraph.app/conductor/common/logger"
	"basegraph.app/conductor/common/otel"
	"basegraph.app/conductor/core/config"
	"basegraph.app/conductor/core/db"
	"basegraph.app/conductor/internal/audit"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/http/handler"
	"basegraph.app/conductor/internal/http/middleware"
	httprouter "basegraph.app/conductor/internal/http/router"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/orchestrator"
	"basegraph.app/conductor/internal/queue"
	"basegraph.app/conductor/internal/resilience"
	"basegraph.app/conductor/internal/scheduler"
	"basegraph.app/conductor/internal/secret"
	"basegraph.app/conductor/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeOrchestrator)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if err := id.Init(cfg.Orchestrator.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}
	workerID := id.WorkerID("orch")
	ctx = logger.WithLogFields(ctx, logger.LogFields{WorkerID: &workerID, Component: "conductor.main"})

	slog.InfoContext(ctx, "conductor orchestrator starting",
		"env", cfg.Env,
		"codehost", cfg.CodeHost.BaseURL,
		"ai_provider", cfg.AI.Provider)

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	stores := store.NewStores(database.Querier())

	var (
		quotas        store.QuotaStore = store.NewMemoryQuotaStore()
		producer      queue.Producer
		notifications orchestrator.Notifications
		statusReader  handler.StatusReader
		opts          []orchestrator.Option
	)
	if cfg.Redis.Enabled() {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Redis.NotifyStream)

		quotas = store.NewRedisQuotaStore(redisClient)
		producer = queue.NewRedisProducer(redisClient, cfg.Redis.NotifyStream, slog.Default())
		defer producer.Close()

		consumerName := cfg.Redis.NotifyConsumer
		if consumerName == "" {
			consumerName = workerID
		}
		consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
			Stream:    cfg.Redis.NotifyStream,
			Group:     cfg.Redis.NotifyGroup,
			Consumer:  consumerName,
			BatchSize: 10,
			Block:     5 * time.Second,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create notification consumer", "error", err)
			os.Exit(1)
		}
		notifications = consumer

		statusStream := queue.NewStatusStream(redisClient, cfg.Redis.StatusStreamMaxLen)
		statusReader = statusStream
		opts = append(opts, orchestrator.WithPublisher(statusStream))
	} else {
		slog.WarnContext(ctx, "redis disabled: quota cache is per process and orchestrators only poll")
	}

	box, err := secret.NewBox(cfg.SecretKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize token encryption", "error", err)
		os.Exit(1)
	}

	exchanger, err := newExchanger(cfg.CodeHost)
	if err != nil {
		slog.ErrorContext(ctx, "failed to configure token exchange", "error", err)
		os.Exit(1)
	}

	codehostBreakerCfg := resilience.BreakerConfigFrom(cfg.Breaker)
	codehostBreakerCfg.IsFailure = codehost.IsBreakerFailure
	codehostBreakers := resilience.NewRegistry(codehostBreakerCfg)

	aiBreakerCfg := resilience.BreakerConfigFrom(cfg.Breaker)
	aiBreakerCfg.IsFailure = llm.IsProviderFailure
	aiBreakers := resilience.NewRegistry(aiBreakerCfg)

	provider := model.ProviderGitLab
	if cfg.CodeHost.IsGitHub() {
		provider = model.ProviderGitHub
	}
	repos := codehost.NewFactory(codehost.FactoryConfig{
		Provider:  provider,
		BaseURL:   cfg.CodeHost.BaseURL,
		Retry:     resilience.CodeHostPolicy(cfg.Policy.CodeHostRetry),
		Transport: codehost.TransportConfig{StatusAttempts: cfg.CodeHost.MaxAttempts},
	},
		codehost.NewCredentialResolver(stores.Credentials(), box, exchanger),
		codehost.NewQuotaTracker(quotas),
		codehostBreakers,
		nil,
	)

	if !cfg.AI.Enabled() {
		slog.ErrorContext(ctx, "AI provider not configured", "provider", cfg.AI.Provider)
		os.Exit(1)
	}
	llmClient, err := llm.New(llm.Config{
		Provider:  cfg.AI.Provider,
		APIKey:    cfg.AI.APIKey,
		BaseURL:   cfg.AI.BaseURL,
		Model:     cfg.AI.Model,
		MaxTokens: cfg.AI.MaxTokens,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create llm client", "error", err)
		os.Exit(1)
	}
	caller := audit.NewModelCaller(llmClient, resilience.AIProviderPolicy(cfg.Policy.AIRetry), aiBreakers, cfg.AI.CallTimeout)

	orch := orchestrator.New(
		stores,
		store.NewTxRunner(database),
		scheduler.New(quotas, cfg.Scheduler),
		audit.NewPlanner(caller, repos),
		audit.NewWorker(caller, repos),
		workerID,
		orchestrator.ConfigFrom(cfg.Orchestrator),
		opts...,
	)
	runner := orchestrator.NewRunner(orch, notifications, cfg.Orchestrator.PollInterval)
	reclaimer := orchestrator.NewReclaimer(stores.Jobs(), producer, orchestrator.ReclaimerConfig{
		StaleAfter: cfg.Orchestrator.StaleAfter,
		Interval:   cfg.Orchestrator.ReclaimInterval,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	handlers := httprouter.Handlers{
		Health: handler.NewHealthHandler(stores.Jobs(), orch.MaxProcessing(), map[string]handler.BreakerStatter{
			"codehost": codehostBreakers,
			"ai":       aiBreakers,
		}),
		Jobs: handler.NewJobHandler(stores.Jobs(), stores.Statuses(), producer),
	}
	if statusReader != nil {
		handlers.StatusStream = handler.NewStatusStreamHandler(statusReader, 25*time.Second)
	}
	httprouter.SetupRoutes(router, handlers)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 2)
	go func() {
		errCh <- runner.Run(runCtx)
	}()
	go func() {
		reclaimer.Run(runCtx)
	}()
	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		slog.ErrorContext(ctx, "component exited", "error", err)
	}

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	// Stop reclaimer first (quick), then let the runner drain its running jobs.
	reclaimer.Stop()
	stopped := make(chan struct{})
	go func() {
		runner.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded, abandoning in-flight jobs to the reclaimer")
		cancelRun()
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "shutdown complete")
}

func newExchanger(cfg config.CodeHostConfig) (codehost.TokenExchanger, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.IsGitHub() {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading app private key: %w", err)
		}
		return codehost.NewGitHubAppExchanger(cfg.BaseURL, cfg.AppID, pem, httpClient)
	}
	return codehost.NewGitLabOAuthExchanger(cfg.BaseURL, cfg.OAuthClientID, cfg.OAuthClientSecret, httpClient), nil
}

const banner = `
 ██████╗ ██████╗ ███╗   ██╗██████╗ ██╗   ██╗ ██████╗████████╗ ██████╗ ██████╗
██╔════╝██╔═══██╗████╗  ██║██╔══██╗██║   ██║██╔════╝╚══██╔══╝██╔═══██╗██╔══██╗
██║     ██║   ██║██╔██╗ ██║██║  ██║██║   ██║██║        ██║   ██║   ██║██████╔╝
██║     ██║   ██║██║╚██╗██║██║  ██║██║   ██║██║        ██║   ██║   ██║██╔══██╗
╚██████╗╚██████╔╝██║ ╚████║██████╔╝╚██████╔╝╚██████╗   ██║   ╚██████╔╝██║  ██║
 ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝╚═════╝  ╚═════╝  ╚═════╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝
`
