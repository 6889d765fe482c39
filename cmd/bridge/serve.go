package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-browser-bridge/internal/audit"
	"github.com/xela07ax/spaceai-browser-bridge/internal/capability"
	"github.com/xela07ax/spaceai-browser-bridge/internal/compiler"
	"github.com/xela07ax/spaceai-browser-bridge/internal/connectors"
	"github.com/xela07ax/spaceai-browser-bridge/internal/engine"
	"github.com/xela07ax/spaceai-browser-bridge/internal/infra/auth"
	"github.com/xela07ax/spaceai-browser-bridge/internal/llm"
	"github.com/xela07ax/spaceai-browser-bridge/internal/orchestrator"
	"github.com/xela07ax/spaceai-browser-bridge/internal/planner"
	"github.com/xela07ax/spaceai-browser-bridge/internal/server"
	"github.com/xela07ax/spaceai-browser-bridge/internal/signer"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge: HTTP API, /ws orchestrator and gRPC health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// 1. Ключи: подпись команд и проверка пользовательских JWT
	sig, err := signer.FromPEM(cfg.Signer.PrivateKey, cfg.Signer.DevMode, cfg.Signer.TTL, logger)
	if err != nil {
		return err
	}
	publicPEM, err := sig.PublicKeyPEM()
	if err != nil {
		return err
	}
	if len(cfg.Auth.PublicKey) == 0 {
		return fmt.Errorf("auth.public_key_path is required (or AUTH_PUBLIC_KEY_DATA)")
	}
	userKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return err
	}
	validator := auth.NewBaseValidator(userKey)

	// 2. Инфраструктура: Postgres и Redis
	store, closeDB, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeDB()
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// 3. Control plane: kill-switch
	ks := engine.NewKillSwitch(rdb, logger)
	if err := ks.Warmup(ctx, cfg.Engine.BlockedAgents); err != nil {
		logger.Warn("Kill-switch warmup failed", zap.Error(err))
	}
	if err := ks.Init(ctx); err != nil {
		return err
	}
	go ks.Run(ctx)

	// 4. Метрики и аудит
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	agentFS := audit.NewAgentFS(store, cfg.Engine.Audit, logger)
	agentFS.Start()
	defer agentFS.Stop()
	metrics.WatchAuditBuffer(agentFS.Pending)

	// 5. Планирование: LLM опциональна, без нее работает fallback
	var completer llm.Completer
	if cfg.LLM.Endpoint != "" {
		httpLLM, err := llm.NewHTTPClient(cfg.LLM, logger)
		if err != nil {
			return err
		}
		completer = llm.NewReliabilityWrapper(httpLLM, llm.ReliabilitySettings{
			CBMaxRequests:   cfg.Engine.CBMaxRequests,
			CBInterval:      cfg.Engine.CBInterval,
			CBTimeout:       cfg.Engine.CBTimeout,
			Attempts:        cfg.Engine.RetryAttempts,
			AttemptTimeout:  cfg.Engine.AttemptTimeout,
			RatePerSecond:   cfg.Engine.RatePerSecond,
			Burst:           cfg.Engine.RateBurst,
			OnBreakerChange: metrics.BreakerChanged,
		})
	} else {
		logger.Warn("llm.endpoint is empty, planning with deterministic fallback only")
	}
	plan := planner.New(completer, logger)
	// Письмо через API провайдера: только если настроен релей
	var native engine.NativeExecutor
	if cfg.Connectors.Mail.Endpoint != "" {
		relay, err := connectors.NewMailRelay(cfg.Connectors.Mail, logger)
		if err != nil {
			return err
		}
		native = relay
	} else {
		logger.Info("connectors.mail.endpoint is empty, email goes through the browser UI")
	}
	registry := capability.NewDefaultRegistry()
	comp := compiler.New(registry, store, store, logger).WithNativeAPI(native != nil)

	// 6. Оркестратор и сервис задач
	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Signer:    sig,
		Pairings:  store,
		Results:   store,
		Dashboard: validator,
		Observer:  engine.NewConnectionObserver(metrics, agentFS),
	}, logger)
	go orch.Run(ctx)

	tasks := engine.NewTaskService(engine.TaskConfig{DispatchDelay: cfg.Engine.DispatchDelay}, engine.TaskDeps{
		Planner:    plan,
		Compiler:   comp,
		Dispatcher: orch,
		Approvals:  store,
		Guard:      ks,
		Auditor:    agentFS,
		Metrics:    metrics,

		Capabilities: registry,
		Native:       native,
		Results:      store,
	}, logger)

	// 7. Периметр: HTTP и gRPC
	httpSrv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: server.New(server.Deps{
			Tasks:        tasks,
			Approvals:    tasks,
			KillSwitch:   ks,
			Validator:    validator,
			WebSocket:    orch,
			PublicKeyPEM: publicPEM,
			Gatherer:     reg,
			Health:       store,
			Capabilities: registry.IDs(),
		}, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := server.NewGRPC(validator, logger)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr())
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC health server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()
	go func() {
		logger.Info("Bridge started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()
	grpcSrv.SetServing(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down bridge...")
	case runErr = <-errCh:
		logger.Error("Bridge stopped unexpectedly", zap.Error(runErr))
	}

	// 8. Graceful shutdown
	grpcSrv.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	orch.Shutdown()
	grpcSrv.Stop()

	logger.Info("Bridge exited")
	return runErr
}
