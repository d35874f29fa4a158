package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/bugyo/internal/config"
	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/pushnotification"
	pushsubrepo "github.com/kazz187/bugyo/internal/pushsubscription/repositoryimpl"
	bugyoserver "github.com/kazz187/bugyo/internal/server"
	"github.com/kazz187/bugyo/internal/state"
	"github.com/kazz187/bugyo/internal/worker"
	"github.com/kazz187/bugyo/internal/workflow"
	"github.com/kazz187/bugyo/pkg/clog"
	"github.com/kazz187/bugyo/pkg/storage"
	"github.com/kazz187/bugyo/pkg/worktree"
)

func runServe() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:   env.S3Bucket,
			Prefix:   env.S3Prefix,
			Region:   env.S3Region,
			Endpoint: env.S3Endpoint,
		})
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	stateStore := state.NewStore(store)

	workflowLoader, err := workflow.NewLoader(env.WorkflowConfig)
	if err != nil {
		slog.Error("failed to load workflow config", "error", err)
		os.Exit(1)
	}

	worktreeManager, err := worktree.NewManager(env.RepoRoot)
	if err != nil {
		slog.Error("failed to set up worktree manager", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New[worker.Event]()
	orch := worker.NewOrchestrator(worker.Options{
		Store:                 stateStore,
		Checkouts:             worker.NewWorktreeCheckouts(worktreeManager),
		Workflows:             workflowLoader,
		Bus:                   bus,
		DefaultPermissionMode: env.DefaultPermissionMode,
	})
	if err := orch.Restore(ctx); err != nil {
		slog.Error("failed to restore workers", "error", err)
		os.Exit(1)
	}

	pushRepo := pushsubrepo.NewYAMLRepository(store)
	pushEnv := config.PushEnvFromEnv(env)
	pushSender := pushnotification.NewSender(pushEnv, pushRepo)
	pushDispatcher := pushnotification.NewDispatcher(bus, pushSender)

	srv := bugyoserver.NewServer(env, orch, bus, stateStore, worktreeManager, pushRepo, pushSender)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("orchestrator stopped", "error", err)
		}
	})
	wg.Go(func() {
		if err := workflowLoader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("workflow watcher stopped", "error", err)
		}
	})
	wg.Go(func() {
		pushDispatcher.Start(ctx)
	})
	wg.Go(func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	wg.Wait()
}
