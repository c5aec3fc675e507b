// Package app wires every boardsync component into one runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boardsync/internal/api"
	"boardsync/internal/clock"
	"boardsync/internal/config"
	"boardsync/internal/coordinator"
	"boardsync/internal/database"
	"boardsync/internal/features"
	"boardsync/internal/logging"
	"boardsync/internal/monitor"
	"boardsync/internal/rooms"
	"boardsync/internal/security"
	"boardsync/internal/statesync"
	"boardsync/internal/websocket"
	"boardsync/pkg/interfaces"
	"boardsync/pkg/types"
)

// Option customizes construction, mostly for tests and embedding.
type Option func(*options)

type options struct {
	verifier  interfaces.TokenVerifier
	clock     clock.Clock
	log       *zerolog.Logger
	securityL *zerolog.Logger
}

// WithVerifier replaces the token verifier chosen from configuration.
func WithVerifier(v interfaces.TokenVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithClock injects the time source shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLoggers bypasses the configured log sinks.
func WithLoggers(log, securityLog zerolog.Logger) Option {
	return func(o *options) { o.log, o.securityL = &log, &securityLog }
}

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	log         zerolog.Logger
	sinks       []*logging.Sink
	dbManager   *database.Manager
	rooms       *rooms.Manager
	gate        *security.Gate
	coordinator *coordinator.Coordinator
	monitor     *monitor.Monitor
	features    *features.Set
	wsHandler   *websocket.Handler
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Logging → Database → Rooms → Gate → Sync → Coordinator → Monitor → Features → Transport → API
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	app := &Application{config: cfg, log: zerolog.Nop()}
	ok := false
	defer func() {
		if !ok {
			app.closeResources()
		}
	}()

	// STEP 1: Loggers
	log, secLog, err := app.openLoggers(o)
	if err != nil {
		return nil, err
	}
	app.log = log

	// STEP 2: Database (optional) holds replay buffers and rooms
	var (
		store     interfaces.MessageStore
		roomStore interfaces.RoomStore
	)
	if cfg.Database.Enabled {
		app.dbManager, err = database.NewManager(cfg.Database, log, database.WithReplayLimit(cfg.Coordinator.ReplayBufferSize))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		store, roomStore = app.dbManager, app.dbManager
	} else {
		log.Warn().Msg("database disabled: replay buffers and rooms are memory-only")
	}

	// STEP 3: Rooms
	app.rooms = rooms.NewManager(roomStore, o.clock, log)
	if roomStore != nil {
		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := app.rooms.Load(loadCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to load rooms: %w", err)
		}
	}

	// STEP 4: Security Gate
	verifier := o.verifier
	if verifier == nil {
		verifier = app.verifierFromConfig()
	}
	app.gate = security.NewGate(cfg.Security.Config, verifier, o.clock, log, secLog)

	// STEP 5: State Synchronizer
	synchronizer := statesync.New(o.clock, log)
	for entityType, name := range cfg.Sync.Resolvers {
		r, err := config.Resolver(name)
		if err != nil {
			return nil, err
		}
		synchronizer.RegisterResolver(entityType, r)
	}

	// STEP 6: Coordinator (owns the Router)
	routerCfg := cfg.Router
	routerCfg.Rules = cfg.Rules
	app.coordinator, err = coordinator.New(cfg.Coordinator, routerCfg, coordinator.Deps{
		Gate:        app.gate,
		Sync:        synchronizer,
		Rooms:       app.rooms,
		Store:       store,
		Clock:       o.clock,
		Log:         log,
		SecurityLog: secLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	// STEP 7: Performance Monitor observes deliveries and sends
	app.monitor, err = monitor.New(cfg.Monitor, o.clock, log)
	if err != nil {
		return nil, err
	}
	app.monitor.Attach(app.coordinator, app.coordinator.Router())
	app.coordinator.Router().SetObserver(app.monitor)
	app.coordinator.SetSendObserver(app.monitor)

	// STEP 8: Feature handlers register before the coordinator starts
	app.features, err = features.Register(app.coordinator, cfg.Features, log)
	if err != nil {
		return nil, fmt.Errorf("failed to register feature handlers: %w", err)
	}

	// STEP 9: Transport and ops API
	app.wsHandler = websocket.NewHandler(cfg.WebSocket, app.gate, app.coordinator, log)
	var dbCheck api.HealthChecker
	if app.dbManager != nil {
		dbCheck = app.dbManager
	}
	app.apiServer = api.NewServer(api.Deps{
		Connections:   app.coordinator,
		Breakers:      app.coordinator.Router(),
		Rooms:         app.rooms,
		Metrics:       app.monitor,
		Database:      dbCheck,
		WebSocket:     app.wsHandler,
		WebSocketPath: cfg.WebSocket.Path,
		Log:           log,
	})

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Address(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	ok = true
	return app, nil
}

func (app *Application) openLoggers(o options) (zerolog.Logger, zerolog.Logger, error) {
	if o.log != nil {
		return *o.log, *o.securityL, nil
	}
	opLog, err := logging.New(app.config.Logging)
	if err != nil {
		return zerolog.Nop(), zerolog.Nop(), fmt.Errorf("failed to open log: %w", err)
	}
	app.sinks = append(app.sinks, opLog)
	sec, err := logging.NewSecurityLogger(app.config.Logging)
	if err != nil {
		return zerolog.Nop(), zerolog.Nop(), fmt.Errorf("failed to open security log: %w", err)
	}
	app.sinks = append(app.sinks, sec)
	return opLog.Logger, sec.Logger, nil
}

func (app *Application) verifierFromConfig() interfaces.TokenVerifier {
	sc := app.config.Security
	if sc.IntrospectionURL != "" {
		app.log.Info().Str("url", sc.IntrospectionURL).Msg("verifying tokens by introspection")
		return security.NewHTTPVerifier(sc.IntrospectionURL, sc.IntrospectionTimeout)
	}
	if len(sc.Tokens) == 0 {
		app.log.Warn().Msg("no introspection url and no static tokens: every connection will be rejected")
	}
	return security.NewStaticVerifier(sc.StaticTokens())
}

// Start begins application execution
// Feature hubs start first so the coordinator never routes to a stopped
// handler, then the monitor loop, then the listener.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.cancel != nil {
		return errors.New("application already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	// STEP 1: Feature handler hubs
	if err := app.features.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start feature handlers: %w", err)
	}

	// STEP 2: Coordinator and router
	if err := app.coordinator.Start(runCtx); err != nil {
		_ = app.features.Stop()
		cancel()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	// STEP 3: Monitor evaluation loop
	go app.monitor.Run(runCtx)

	// STEP 4: Accept connections
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.coordinator.Stop()
		_ = app.features.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln
	app.cancel = cancel
	app.serveErr = make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.log.Info().
		Str("addr", ln.Addr().String()).
		Str("websocket_path", app.config.WebSocket.Path).
		Bool("database", app.dbManager != nil).
		Msg("boardsync started")
	return nil
}

// Errors reports a fatal serve error; it is closed when serving ends.
func (app *Application) Errors() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → connections → Coordinator → Features → Monitor → Database
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	cancel := app.cancel
	app.cancel = nil
	app.mu.Unlock()
	if cancel == nil {
		return errors.New("application not started")
	}
	app.log.Info().Msg("shutting down boardsync")

	var errs []error
	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Close live websockets and wait for their read pumps
	app.coordinator.CloseAll(websocketGoingAway, "server_shutdown")
	waited := make(chan struct{})
	go func() {
		app.wsHandler.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	// STEP 3: Stop routing, then the handlers it routes to
	if err := app.coordinator.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("coordinator stop: %w", err))
	}
	if err := app.features.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("feature stop: %w", err))
	}
	cancel()

	// STEP 4: Database and log files
	app.closeResources()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// websocketGoingAway is RFC 6455 close code 1001.
const websocketGoingAway = 1001

func (app *Application) closeResources() {
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			app.log.Error().Err(err).Msg("database shutdown error")
		}
		app.dbManager = nil
	}
	for _, s := range app.sinks {
		_ = s.Close()
	}
	app.sinks = nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Coordinator exposes the coordinator for embedding and tests.
func (app *Application) Coordinator() *coordinator.Coordinator { return app.coordinator }

// Monitor exposes the performance monitor.
func (app *Application) Monitor() *monitor.Monitor { return app.monitor }

// Gate exposes the security gate.
func (app *Application) Gate() *security.Gate { return app.gate }

// Rooms exposes the room manager.
func (app *Application) Rooms() *rooms.Manager { return app.rooms }

// Health is the current monitor snapshot.
func (app *Application) Health() types.HealthSnapshot { return app.monitor.Snapshot() }
