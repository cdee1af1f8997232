// Package server initializes and runs the Huxley daemon: it wires the
// persistence, crypto, auth, routing, and status services together, owns the
// listen socket and the accept loop, and hands accepted connections to the
// worker pool round-robin.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/huxley-im/huxley/internal/cryptox"
	"github.com/huxley-im/huxley/internal/logging"
	"github.com/huxley-im/huxley/internal/server/auth"
	"github.com/huxley-im/huxley/internal/server/config"
	"github.com/huxley-im/huxley/internal/server/router"
	"github.com/huxley-im/huxley/internal/server/status"
	"github.com/huxley-im/huxley/internal/server/storage"
	"github.com/huxley-im/huxley/internal/server/worker"
)

type App struct {
	cfg    *config.Config
	log    logging.Logger
	store  *storage.Store
	crypto *cryptox.Engine
	auth   *auth.Manager
	router *router.Router
	status *status.Indicator

	workers  []*worker.Worker
	listener net.Listener

	running    atomic.Bool
	acceptDone chan struct{}
}

// init brings the services up in dependency order. Any failure tears down
// whatever was already initialized and is fatal to startup.
func (a *App) init(ctx context.Context) error {
	a.status.SetState(status.StateBooting)

	store, err := storage.Open(ctx, a.cfg.DatabasePath, a.log)
	if err != nil {
		return fmt.Errorf("storage init error: %w", err)
	}
	a.store = store

	crypto, err := cryptox.NewEngine(a.cfg.MasterKeyPath, a.cfg.SessionKeyPath)
	if err != nil {
		_ = a.store.Close()
		return fmt.Errorf("crypto init error: %w", err)
	}
	a.crypto = crypto

	a.auth = auth.NewManager(a.store, a.log)
	a.router = router.NewRouter(a.store, a.crypto, a.log)
	return nil
}

// NewApp builds the service graph for the given configuration.
func NewApp(cfg *config.Config) (*App, error) {
	l := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(l)

	app := &App{
		cfg:        cfg,
		log:        logger,
		status:     status.NewIndicator(logger),
		acceptDone: make(chan struct{}),
	}

	if err := app.init(context.Background()); err != nil {
		app.status.SetState(status.StateError)
		return nil, err
	}
	return app, nil
}

// Start binds the listen socket, launches the worker pool, waits for every
// worker's ready latch, and starts the accept goroutine.
func (a *App) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return nil
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Port)))
	if err != nil {
		a.running.Store(false)
		a.status.SetState(status.StateError)
		return fmt.Errorf("listen error: %w", err)
	}
	a.listener = listener

	a.workers = make([]*worker.Worker, 0, a.cfg.Workers)
	for i := 0; i < a.cfg.Workers; i++ {
		w := worker.New(i, a.auth, a.router, a.store, a.crypto, a.status, a.log)
		w.Start()
		a.workers = append(a.workers, w)
	}
	for _, w := range a.workers {
		<-w.Ready()
	}

	go a.acceptLoop(ctx)

	a.status.SetState(status.StateOperational)
	a.log.Info(ctx, "server started", "addr", listener.Addr().String(), "workers", len(a.workers))
	return nil
}

// Addr returns the bound listen address, useful when Port was 0.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// acceptLoop assigns each accepted connection to the next worker in
// round-robin order. It exits when the listener closes.
func (a *App) acceptLoop(ctx context.Context) {
	defer close(a.acceptDone)

	next := 0
	for {
		c, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !a.running.Load() {
				return
			}
			a.log.Warn(ctx, "accept error", "error", err)
			continue
		}

		a.workers[next].AssignClient(c)
		next = (next + 1) % len(a.workers)
	}
}

// Stop shuts the acceptor down, stops every worker (closing any remaining
// sockets), and tears the services down in reverse initialization order.
func (a *App) Stop() {
	if !a.running.Swap(false) {
		return
	}

	ctx := context.Background()

	if a.listener != nil {
		_ = a.listener.Close()
		<-a.acceptDone
	}

	for _, w := range a.workers {
		w.Stop()
	}
	a.workers = nil

	a.crypto.Destroy()
	if err := a.store.Close(); err != nil {
		a.log.Error(ctx, "store close error", "error", err)
	}

	a.log.Info(ctx, "server stopped")
}
