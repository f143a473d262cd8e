// Package app wires the sync core together: local database, entity store,
// outbox, coordinator, scheduler and connectivity watcher, with graceful
// shutdown on SIGINT/SIGTERM.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ThaADS/AiFamQuest-sub004/internal/config"
	"github.com/ThaADS/AiFamQuest-sub004/internal/coordinator"
	"github.com/ThaADS/AiFamQuest-sub004/internal/localdb"
	"github.com/ThaADS/AiFamQuest-sub004/internal/logging"
	"github.com/ThaADS/AiFamQuest-sub004/internal/outbox"
	conflictsrepo "github.com/ThaADS/AiFamQuest-sub004/internal/repositories/conflicts"
	syncmetarepo "github.com/ThaADS/AiFamQuest-sub004/internal/repositories/syncmeta"
	"github.com/ThaADS/AiFamQuest-sub004/internal/store"
	"github.com/ThaADS/AiFamQuest-sub004/internal/transport"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	Store       *store.Store
	Queue       *outbox.Queue
	Coordinator *coordinator.Coordinator
}

// NewApp opens the local database, runs migrations and constructs every
// component once; consumers receive references, there is no global state.
func NewApp(ctx context.Context, c *config.Config, token transport.TokenSource) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := localdb.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	queue := outbox.New(db, logger)
	entityStore := store.New(db, queue, logger)
	client := transport.NewHTTPClient(c.ServerEndpointURL, &http.Client{Timeout: c.CycleTimeout}, token, logger)

	coord := coordinator.New(entityStore, queue,
		conflictsrepo.NewSQLiteRepository(db), syncmetarepo.NewSQLiteRepository(db),
		client, c.CycleTimeout, logger)

	return &App{
		config:      c,
		logger:      logger,
		Store:       entityStore,
		Queue:       queue,
		Coordinator: coord,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancelFunc()
	}()
}

// Run starts the coordinator loop, the scheduler and the connectivity
// watcher, and blocks until a stop signal arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting sync daemon",
		"endpoint", app.config.ServerEndpointURL, "interval", app.config.SyncInterval)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Coordinator.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Coordinator.StartScheduler(ctx, app.config.SyncInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Coordinator.StartConnectivityWatcher(ctx, app.config.OnlineCheckInterval)
	}()

	wg.Wait()
	app.logger.Info(context.Background(), "sync daemon stopped")
}
