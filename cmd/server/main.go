package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	adapterhttp "github.com/ouyangCL/remote-build/internal/adapters/http"
	"github.com/ouyangCL/remote-build/internal/adapters/postgres"
	redisadapter "github.com/ouyangCL/remote-build/internal/adapters/redis"
	"github.com/ouyangCL/remote-build/internal/config"
	"github.com/ouyangCL/remote-build/internal/core/build"
	"github.com/ouyangCL/remote-build/internal/core/deploy"
	"github.com/ouyangCL/remote-build/internal/core/deploylog"
	"github.com/ouyangCL/remote-build/internal/core/health"
	"github.com/ouyangCL/remote-build/internal/core/remote"
	"github.com/ouyangCL/remote-build/internal/event"
	"github.com/ouyangCL/remote-build/internal/logger"
	"github.com/ouyangCL/remote-build/internal/transport/websocket"
	"github.com/ouyangCL/remote-build/internal/workers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.JWTSecret == "" {
		panic("FATAL: JWT_SECRET is mandatory for Server!")
	}

	dbPool, err := postgres.InitDB(cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to init DB", "error", err)
		return
	}
	defer dbPool.Close()

	deploymentRepo := postgres.NewDeploymentRepository(dbPool)
	projectRepo := postgres.NewProjectRepository(dbPool)
	groupRepo := postgres.NewServerGroupRepository(dbPool)
	credProvider := postgres.NewCredentialRepository(dbPool)
	logRepo := postgres.NewLogRepository(dbPool)

	bus := event.New()
	sink := deploylog.NewSink(logRepo, bus, log)
	builder := build.New(cfg.WorkDir, cfg.ArtifactsDir, log)
	prober := health.New(log)
	dialer := remote.NewSSHDialer(cfg.CommandTimeout)

	orchestrator := deploy.NewOrchestrator(ctx, cfg,
		deploymentRepo, projectRepo, groupRepo, credProvider,
		dialer, builder, prober, sink, bus, log)

	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		notifier := redisadapter.NewNotifier(redisClient, log)
		notifier.Attach(bus)
	}

	scheduler := workers.NewScheduler(cfg.TimeZone, log)
	workerManager := workers.NewManager(log, scheduler, &workers.ManagerServices{
		Deployments:  deploymentRepo,
		Logs:         logRepo,
		ArtifactsDir: cfg.ArtifactsDir,
		LogRetention: cfg.LogRetention,
	})
	workerManager.Start(ctx)

	hub := websocket.NewHub(ctx, log)
	hub.Attach(bus)
	go hub.Run()
	wsHandler := websocket.NewHandler(hub, cfg, log)

	deploymentHandler := adapterhttp.NewDeploymentHandler(orchestrator, deploymentRepo, sink)

	router := adapterhttp.NewRouter(cfg, &adapterhttp.RouterDeps{
		Deployment: deploymentHandler,
		Ws:         wsHandler,
	})

	srv := adapterhttp.NewServer(router, cfg.Address)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http: starting server", "address", cfg.Address)
		errCh <- srv.ListenAndServe()
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		hub.Stop()
		orchestrator.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http: server shutdown error", "error", err)
		}

	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http: server error", "error", err)
		}
	}

	log.Info("server stopped")
}
