package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/blob"
	"github.com/nevindra/loom/code"
	"github.com/nevindra/loom/internal/config"
	"github.com/nevindra/loom/nodes"
	"github.com/nevindra/loom/observer"
	"github.com/nevindra/loom/server"
	"github.com/nevindra/loom/store/postgres"
	"github.com/nevindra/loom/store/sqlite"
	"github.com/nevindra/loom/tools/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("LOOM_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Open the store
	var store loom.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()

	// 3. Observability (optional)
	var (
		inst   *observer.Instruments
		tracer loom.Tracer
	)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sdCtx); err != nil {
				logger.Error("observer shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
	}

	// 4. Workspace: blobs, manifests, per-chat directories
	blobs, err := blob.NewStore(filepath.Join(cfg.Workspace.Path, "blobs"), blob.WithLogger(logger))
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}
	manifests, err := blob.NewManifests(filepath.Join(cfg.Workspace.Path, "manifests"))
	if err != nil {
		log.Fatalf("manifest store: %v", err)
	}
	chatSpace, err := blob.NewChatSpace(filepath.Join(cfg.Workspace.Path, "chats"), blobs, manifests,
		blob.WithChatSpaceLogger(logger))
	if err != nil {
		log.Fatalf("chat workspace: %v", err)
	}

	// 5. Node registry and tools
	registry := loom.NewRegistry()
	nodes.RegisterAll(registry)

	toolReg := loom.NewToolRegistry()
	toolReg.Add(web.New())

	var toolSource loom.ToolSource = toolReg
	if inst != nil {
		toolSource = observer.WrapTools(toolReg, inst)
	}

	// Provider SDK handles are registered here; each one can be wrapped with
	// observer.WrapProvider when instruments are configured.
	models := loom.NewProviderSet()

	runner := code.NewSubprocessRunner(cfg.Code.NodeBin,
		code.WithTimeout(time.Duration(cfg.Code.TimeoutSeconds)*time.Second),
		code.WithMaxOutput(cfg.Code.MaxOutputKB*1024),
		code.WithWorkspace(cfg.Workspace.Path),
	)

	services := &loom.Services{
		Models: models,
		Tools:  toolSource,
		Code:   runner,
		Logger: logger,
	}

	// 6. Run machinery
	tree := loom.NewTree(store, loom.WithTreeLogger(logger), loom.WithWorkspace(chatSpace))
	broadcaster := loom.NewBroadcaster(loom.WithBroadcasterLogger(logger), loom.WithStreamMirror(store))
	if err := broadcaster.ReapOrphans(ctx); err != nil {
		logger.Warn("reap orphan streams", "error", err)
	}
	control := loom.NewRunControl()

	orchOpts := []loom.OrchestratorOption{loom.WithOrchestratorLogger(logger)}
	if tracer != nil {
		orchOpts = append(orchOpts, loom.WithOrchestratorTracer(tracer))
	}
	orch := loom.NewOrchestrator(store, tree, broadcaster, control, registry, services, orchOpts...)

	routes := loom.NewRouteIndex(registry, loom.WithRouteIndexLogger(logger))
	if err := routes.Rebuild(ctx, store); err != nil {
		log.Fatalf("route index: %v", err)
	}

	// 7. HTTP server with graceful shutdown
	srv := server.New(store, orch, tree, broadcaster, routes, server.WithLogger(logger))
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sdCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}
}
