// Package app wires the components into one process.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"proctorhub/internal/api"
	"proctorhub/internal/clock"
	"proctorhub/internal/config"
	"proctorhub/internal/database"
	"proctorhub/internal/hub"
	"proctorhub/internal/presence"
	"proctorhub/internal/router"
	"proctorhub/internal/session"
	"proctorhub/internal/signal"
	"proctorhub/internal/websocket"
	pkgdatabase "proctorhub/pkg/database"
)

// Application owns every component and their start/stop order
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	registry   *websocket.Registry
	hub        *hub.Hub
	clock      *clock.Engine
	presence   *presence.Registry
	directory  *session.Directory
	signals    *signal.Processor
	router     *router.Router
	apiServer  *api.Server
	handler    http.Handler
	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication builds the component graph:
// Database → Registry → Hub → Clock → Presence → Directory → Signals → Router → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	dbManager, err := database.NewManager(&pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database manager")
	}
	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, errors.Wrap(err, "failed to apply database migrations")
	}
	log.Println("app: database migrations applied")

	exam := cfg.Exam
	registry := websocket.NewRegistry(cfg.WebSocket.AdminIDs...)
	messageHub := hub.NewHub(registry, hub.Options{
		QueueSize:       cfg.WebSocket.BufferSize * 10,
		AlertBufferSize: exam.AlertBufferSize,
	})
	engine := clock.NewEngine(messageHub, clock.Options{
		TickInterval:     exam.TickInterval,
		WarningThreshold: exam.WarningThreshold,
	})
	roster := presence.NewRegistry(messageHub, presence.Options{
		GracePeriod:  exam.GracePeriod,
		HistoryLimit: exam.HistoryLimit,
	})
	directory := session.NewDirectory(dbManager, engine, roster, messageHub, session.Options{
		DefaultDuration: exam.DefaultDuration,
		PersistTimeout:  cfg.Database.Timeout,
	})
	engine.SetObserver(directory)

	recovered, err := directory.RecoverOnStartup(context.Background())
	if err != nil {
		engine.Close()
		_ = dbManager.Close()
		return nil, errors.Wrap(err, "failed to recover interrupted exams")
	}
	if recovered > 0 {
		log.Printf("app: %d interrupted exams marked stopped", recovered)
	}

	signals := signal.NewProcessor(roster, dbManager, messageHub, signal.Options{
		LocalSubnet:      exam.LocalSubnet,
		CheatStatusTypes: exam.CheatStatusTypes,
		DedupWindow:      exam.SignalDedupWindow,
	})
	messageRouter := router.NewRouter(dbManager, roster, directory, signals, registry, messageHub, router.Config{
		RateLimit:      cfg.WebSocket.RateLimit,
		RateLimitEvery: cfg.WebSocket.RateLimitEvery,
	})

	apiServer := api.NewServer(dbManager, directory, signals, roster, registry)
	apiServer.AddHealthSource("hub", func() interface{} { return messageHub.Stats() })
	apiServer.AddHealthSource("presence", func() interface{} { return roster.Stats() })
	apiServer.AddHealthSource("clock", func() interface{} { return len(engine.ActiveSessions()) })

	wsHandler := websocket.NewHandler(registry, messageRouter, directory, websocket.HandlerConfig{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		dbManager:  dbManager,
		registry:   registry,
		hub:        messageHub,
		clock:      engine,
		presence:   roster,
		directory:  directory,
		signals:    signals,
		router:     messageRouter,
		apiServer:  apiServer,
		handler:    mux,
		httpServer: httpServer,
	}, nil
}

// Start runs the hub and the watchdogs, then serves HTTP
func (app *Application) Start(ctx context.Context) error {
	log.Printf("app: starting proctorhub on %s", app.httpServer.Addr)

	if err := app.StartBackground(ctx); err != nil {
		return err
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- errors.Wrap(err, "HTTP server error")
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("app: proctorhub started")
		return nil
	case <-ctx.Done():
		app.stopBackground()
		return ctx.Err()
	}
}

// StartBackground starts event delivery and the periodic sweeps without
// opening a listener
func (app *Application) StartBackground(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start event hub")
	}
	bg, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	app.wg.Add(2)
	go app.heartbeatWatchdog(bg)
	go app.rateLimitJanitor(bg)
	return nil
}

// heartbeatWatchdog moves silent students to NoNetwork
func (app *Application) heartbeatWatchdog(ctx context.Context) {
	defer app.wg.Done()
	ticker := time.NewTicker(app.config.Exam.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := app.presence.Sweep(app.config.Exam.HeartbeatTimeout); n > 0 {
				log.Printf("app: heartbeat watchdog marked %d students offline", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (app *Application) rateLimitJanitor(ctx context.Context) {
	defer app.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app.router.Limiter().Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (app *Application) stopBackground() {
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()
}

// Stop shuts down in reverse order: HTTP → clock → directory → hub → sockets → database
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("app: shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("app: HTTP server shutdown error: %v", err)
	}
	app.stopBackground()

	// the clock goes first so no expiry lands on a closed directory
	app.clock.Close()
	app.directory.Close()

	if err := app.hub.Stop(); err != nil {
		log.Printf("app: event hub shutdown error: %v", err)
	}
	app.registry.CloseAll()

	if err := app.dbManager.Close(); err != nil {
		log.Printf("app: database shutdown error: %v", err)
	}

	log.Printf("app: shutdown complete")
	return nil
}

// Handler returns the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.handler
}

// GetAddr returns the listen address
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
