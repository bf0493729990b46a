// Package app wires configuration, the database pool, stores, the LLM
// adapter and the orchestrator into a running application.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/embedo/embedo/db"
	"github.com/embedo/embedo/internal/config"
	"github.com/embedo/embedo/internal/database"
	"github.com/embedo/embedo/internal/knowledge"
	"github.com/embedo/embedo/internal/llm"
	"github.com/embedo/embedo/internal/openapi"
	"github.com/embedo/embedo/internal/orchestrator"
	"github.com/embedo/embedo/internal/product"
	"github.com/embedo/embedo/internal/proxy"
	"github.com/embedo/embedo/internal/session"
)

// App holds every initialized component. Close releases resources in
// reverse initialization order.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Pool         *pgxpool.Pool
	Adapter      llm.Adapter
	Products     *product.Store
	Sessions     *session.Store
	Knowledge    *knowledge.Store
	Orchestrator *orchestrator.Orchestrator

	cleanup []func()
}

// Setup runs migrations and constructs the full component graph.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, poolCleanup, err := database.NewPool(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.Pool = pool
	a.cleanup = append(a.cleanup, poolCleanup)

	adapter, err := llm.NewAdapter(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating llm adapter: %w", err)
	}
	a.Adapter = adapter

	a.Products, err = product.New(pool, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating product store: %w", err)
	}
	a.Sessions, err = session.New(pool, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	a.Knowledge, err = knowledge.New(pool, adapter, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Products:  a.Products,
		Sessions:  a.Sessions,
		Knowledge: a.Knowledge,
		Compiler:  openapi.NewCompiler(cfg.SpecFetchTimeout, logger),
		Proxy:     proxy.New(cfg.ProxyTimeout, logger),
		Adapter:   adapter,
		Logger:    logger,
		MaxDepth:  cfg.MaxToolDepth,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	return a, nil
}

// Close releases all resources.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
