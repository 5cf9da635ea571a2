// Package control wires the pipeline together and manages its lifecycle.
// Every role shares the same wiring; the role only selects which loops run.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vietddude/chainsink/internal/core/config"
	"github.com/vietddude/chainsink/internal/indexing/backfill"
	"github.com/vietddude/chainsink/internal/indexing/decode"
	"github.com/vietddude/chainsink/internal/indexing/health"
	"github.com/vietddude/chainsink/internal/indexing/poller"
	"github.com/vietddude/chainsink/internal/indexing/pricing"
	"github.com/vietddude/chainsink/internal/indexing/processor"
	"github.com/vietddude/chainsink/internal/indexing/reconciler"
	"github.com/vietddude/chainsink/internal/indexing/retry"
	"github.com/vietddude/chainsink/internal/indexing/token"
	"github.com/vietddude/chainsink/internal/infra/chain"
	"github.com/vietddude/chainsink/internal/infra/queue"
	"github.com/vietddude/chainsink/internal/infra/storage"
	"github.com/vietddude/chainsink/internal/infra/storage/memory"
	"github.com/vietddude/chainsink/internal/infra/storage/postgres"
)

// Role selects which loops an instance runs. Instances scale independently
// per role; "all" runs everything in one process for development.
type Role string

const (
	RoleAll    Role = "all"
	RolePoller Role = "poller"
	RoleBlocks Role = "blocks"
	RoleLogs   Role = "logs"
	RoleRetry  Role = "retry"
)

// ParseRole validates a role flag value.
func ParseRole(raw string) (Role, error) {
	r := Role(raw)
	switch r {
	case RoleAll, RolePoller, RoleBlocks, RoleLogs, RoleRetry:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// App owns every component of one pipeline instance.
type App struct {
	cfg  *config.AppConfig
	role Role
	log  *slog.Logger

	db    *postgres.DB
	queue *queue.RedisQueue
	eth   *chain.EthClient

	headPoller  *poller.Poller
	logPoller   *poller.LogPoller
	reconciler  *reconciler.Reconciler
	processor   *processor.Processor
	coordinator *retry.Coordinator
	backfiller  *backfill.Backfiller
	server      *health.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// okChecker satisfies the health contract for the in-memory store.
type okChecker struct{}

func (okChecker) Health(context.Context) error { return nil }

// NewApp connects dependencies, runs migrations, and wires all components.
func NewApp(ctx context.Context, cfg *config.AppConfig, role Role, log *slog.Logger) (*App, error) {
	workerID := uuid.NewString()[:8]

	var (
		db        *postgres.DB
		dbChecker health.Checker = okChecker{}

		blocks    storage.BlockRepository
		txs       storage.TransactionRepository
		transfers storage.TransferRepository
		tokens    storage.TokenRepository
		failed    storage.FailedJobRepository
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		dbChecker = db
		blocks = postgres.NewBlockRepo(db)
		txs = postgres.NewTxRepo(db)
		transfers = postgres.NewTransferRepo(db)
		tokens = postgres.NewTokenRepo(db)
		failed = postgres.NewFailedJobRepo(db)
		log.Info("using postgresql storage")
	} else {
		store := memory.NewStorage()
		blocks = memory.NewBlockRepo(store)
		txs = memory.NewTxRepo(store)
		transfers = memory.NewTransferRepo(store)
		tokens = memory.NewTokenRepo(store)
		failed = memory.NewFailedJobRepo(store)
		log.Info("using in-memory storage")
	}

	q, err := queue.NewRedisQueue(cfg.Redis, cfg.Worker.PopTimeout)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to init queue: %w", err)
	}

	eth, err := chain.Dial(ctx, chain.Config{
		HTTPURL: cfg.Chain.HTTPURL,
		WSURL:   cfg.Chain.WSURL,
		Timeout: cfg.Chain.RPCTimeout,
	})
	if err != nil {
		q.Close()
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to dial chain: %w", err)
	}

	registry := decode.Default()
	tokenSvc, err := token.NewService(eth, tokens, log)
	if err != nil {
		return nil, err
	}

	coordinator := retry.NewCoordinator(failed, q, cfg.Retry, workerID, log)

	app := &App{
		cfg:         cfg,
		role:        role,
		log:         log,
		db:          db,
		queue:       q,
		eth:         eth,
		headPoller:  poller.New(eth, q, blocks, cfg.Poller, log),
		logPoller:   poller.NewLogPoller(eth, q, registry.Topics(), log),
		reconciler:  reconciler.New(eth, blocks, txs, q, coordinator, cfg.Reorg.MaxDepth, workerID, log),
		processor:   processor.New(eth, blocks, transfers, tokenSvc, registry, pricing.Unavailable{}, q, coordinator, workerID, log),
		coordinator: coordinator,
		backfiller:  backfill.New(q, blocks, cfg.Backfill.BatchSize, cfg.Poller.LogChunk, log),
		server:      health.NewServer(cfg.Server.Port, dbChecker, q, blocks, failed, log),
	}
	return app, nil
}

// Backfiller exposes the range enqueuer for the admin command.
func (a *App) Backfiller() *backfill.Backfiller {
	return a.backfiller
}

// Start launches the loops selected by the role. Loops run until Stop.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.run(ctx, "health server", a.server.Run)
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if a.role == RoleAll || a.role == RolePoller {
		a.run(ctx, "head poller", a.headPoller.Run)
		if a.cfg.Chain.WSURL != "" {
			a.run(ctx, "log poller", a.logPoller.Run)
		}
	}
	if a.role == RoleAll || a.role == RoleBlocks {
		a.run(ctx, "reconciler", a.reconciler.Run)
	}
	if a.role == RoleAll || a.role == RoleLogs {
		a.run(ctx, "log processor", a.processor.Run)
	}
	if a.role == RoleAll || a.role == RoleRetry {
		a.run(ctx, "retry sweep", a.coordinator.Run)
	}

	a.log.Info("started", "role", a.role)
	return nil
}

func (a *App) run(ctx context.Context, name string, fn func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("component exited", "component", name, "error", err)
		}
	}()
}

// Stop cancels the loops and releases connections, waiting up to ctx for the
// loops to drain.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out, closing anyway")
	}

	a.eth.Close()
	if err := a.queue.Close(); err != nil {
		a.log.Warn("failed to close queue", "error", err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("failed to close database", "error", err)
		}
	}
	return nil
}
