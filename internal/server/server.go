// Package server boots the gateway: it connects storage, wires the request
// layers, routes and error boundary onto one router, launches background
// jobs and binds the listener, in that order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/backend"
	"github.com/sirosfoundation/go-stream-gateway/internal/jobs"
	"github.com/sirosfoundation/go-stream-gateway/internal/metrics"
	"github.com/sirosfoundation/go-stream-gateway/internal/websocket"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
	"github.com/sirosfoundation/go-stream-gateway/pkg/middleware"
)

// shutdownTimeout bounds how long in-flight requests may take once the
// listener is told to stop
const shutdownTimeout = 10 * time.Second

var (
	// ErrNotReady is returned when a step is called before the steps it
	// depends on
	ErrNotReady = errors.New("application not ready")

	// ErrAlreadyBooted is returned by a second call to Boot
	ErrAlreadyBooted = errors.New("application already booted")
)

// Phase is the startup phase the application has reached
type Phase int

const (
	PhaseInit Phase = iota
	PhaseConnectingStorage
	PhaseWiringMiddleware
	PhaseWiringRoutes
	PhaseWiringErrorBoundary
	PhaseLaunchingBackgroundJobs
	PhaseListening
	PhaseFatalAbort
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseConnectingStorage:
		return "connecting-storage"
	case PhaseWiringMiddleware:
		return "wiring-middleware"
	case PhaseWiringRoutes:
		return "wiring-routes"
	case PhaseWiringErrorBoundary:
		return "wiring-error-boundary"
	case PhaseLaunchingBackgroundJobs:
		return "launching-background-jobs"
	case PhaseListening:
		return "listening"
	case PhaseFatalAbort:
		return "fatal-abort"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// JobSpec is a background job together with its restart policy
type JobSpec struct {
	Job    jobs.Job
	Policy jobs.Policy
}

// Options configures an Application. Groups and Jobs are called once the
// store is connected.
type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	Connector backend.Connector
	Groups    func(store backend.Backend) []RouteGroup
	Jobs      func(store backend.Backend) []JobSpec
	Launch    LaunchMetadata

	// Supervisor runs the background jobs. A new one is created from
	// Config.Jobs when nil.
	Supervisor *jobs.Supervisor
}

// Application is the process-wide server instance. It is built once and
// moves through the phases in order.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger
	opts   Options

	mu     sync.RWMutex
	phase  Phase
	booted bool
	addr   net.Addr

	store      backend.Backend
	engine     *gin.Engine
	upgrader   *websocket.Upgrader
	supervisor *jobs.Supervisor
}

// New creates an Application in PhaseInit
func New(opts Options) *Application {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Connector == nil {
		opts.Connector = backend.NewConnector(opts.Config, logger)
	}
	supervisor := opts.Supervisor
	if supervisor == nil {
		supervisor = jobs.NewSupervisor(opts.Config.Jobs, logger, nil)
	}
	if opts.Launch.At.IsZero() {
		opts.Launch = NewLaunchMetadata(opts.Config.Version, nil)
	}

	return &Application{
		cfg:        opts.Config,
		logger:     logger,
		opts:       opts,
		phase:      PhaseInit,
		upgrader:   websocket.NewUpgrader(logger),
		supervisor: supervisor,
	}
}

// Phase returns the phase reached so far
func (a *Application) Phase() Phase {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase
}

func (a *Application) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
	a.logger.Debug("Startup phase", zap.Stringer("phase", p))
}

// Boot connects storage and wires the router. A storage failure moves the
// application to PhaseFatalAbort and nothing else is wired.
func (a *Application) Boot(ctx context.Context) error {
	a.mu.Lock()
	if a.booted {
		a.mu.Unlock()
		return ErrAlreadyBooted
	}
	a.booted = true
	a.mu.Unlock()

	a.setPhase(PhaseConnectingStorage)
	store, err := a.opts.Connector.Connect(ctx)
	if err != nil {
		a.setPhase(PhaseFatalAbort)
		return fmt.Errorf("storage unavailable: %w", err)
	}
	a.store = store

	a.setPhase(PhaseWiringMiddleware)
	a.engine = a.newEngine()

	a.setPhase(PhaseWiringRoutes)
	var groups []RouteGroup
	if a.opts.Groups != nil {
		groups = a.opts.Groups(store)
	}
	for _, g := range groups {
		a.logger.Info("Registering routes", zap.String("group", g.Name()), zap.String("prefix", a.cfg.Server.Prefix))
	}
	Register(NewRouter(a.engine, a.upgrader), groups, a.cfg.Server.Prefix, a.opts.Launch)

	a.setPhase(PhaseWiringErrorBoundary)
	a.engine.NoRoute(NotFound)
	a.engine.NoMethod(MethodNotAllowed)

	metrics.StartupDuration.Set(a.opts.Launch.Since().Seconds())
	return nil
}

// newEngine builds the gin engine with the request layers. The error
// boundary sits directly inside the access log so that logged statuses
// include rendered errors.
func (a *Application) newEngine() *gin.Engine {
	if a.cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	if err := engine.SetTrustedProxies(a.cfg.Server.TrustedProxies); err != nil {
		a.logger.Warn("Ignoring trusted proxies", zap.Error(err))
		_ = engine.SetTrustedProxies(nil)
	}

	chain := middleware.Chain(a.cfg, a.logger)
	engine.Use(chain[0], ErrorBoundary(a.logger))
	engine.Use(chain[1:]...)
	return engine
}

// LaunchJobs starts the background jobs and returns without waiting for
// them. Jobs run until ctx is cancelled; their failures never reach the
// caller.
func (a *Application) LaunchJobs(ctx context.Context) error {
	if a.Phase() != PhaseWiringErrorBoundary {
		return ErrNotReady
	}
	a.setPhase(PhaseLaunchingBackgroundJobs)

	if a.opts.Jobs == nil {
		return nil
	}
	for _, spec := range a.opts.Jobs(a.store) {
		if err := a.supervisor.Launch(ctx, spec.Job, spec.Policy); err != nil {
			a.logger.Error("Failed to launch background job", zap.String("job", spec.Job.Name()), zap.Error(err))
		}
	}
	return nil
}

// Handler returns the wired router
func (a *Application) Handler() (http.Handler, error) {
	switch a.Phase() {
	case PhaseWiringErrorBoundary, PhaseLaunchingBackgroundJobs, PhaseListening:
		return a.engine, nil
	default:
		return nil, ErrNotReady
	}
}

// Store returns the connected store, nil before Boot succeeds
func (a *Application) Store() backend.Backend {
	return a.store
}

// Supervisor returns the background job supervisor
func (a *Application) Supervisor() *jobs.Supervisor {
	return a.supervisor
}

// Addr returns the bound listener address, nil until Listen has bound
func (a *Application) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.addr
}

// Listen binds the configured address and serves until ctx is done. A bind
// failure is returned immediately.
func (a *Application) Listen(ctx context.Context) error {
	if a.Phase() != PhaseLaunchingBackgroundJobs {
		return ErrNotReady
	}

	ln, err := net.Listen("tcp", a.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", a.cfg.Server.Address(), err)
	}

	var admin *http.Server
	if a.cfg.Server.AdminPort > 0 {
		adminLn, err := net.Listen("tcp", a.cfg.Server.AdminAddress())
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to bind admin %s: %w", a.cfg.Server.AdminAddress(), err)
		}
		admin = &http.Server{
			Handler:      a.AdminHandler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go a.serve(admin, adminLn, "Admin server")
	}

	srv := &http.Server{
		Handler:      a.engine,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	a.setPhase(PhaseListening)

	a.logger.Info(fmt.Sprintf("Server running in %s mode on port %d", a.cfg.Environment, a.cfg.Server.Port),
		zap.String("environment", a.cfg.Environment),
		zap.String("address", ln.Addr().String()),
		zap.String("version", a.opts.Launch.Version),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		a.upgrader.Close()
		if admin != nil {
			_ = admin.Close()
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	a.upgrader.Close()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Application) serve(srv *http.Server, ln net.Listener, name string) {
	a.logger.Info(name+" listening", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error(name+" error", zap.Error(err))
	}
}

// Run boots the application, launches the background jobs and serves until
// ctx is done
func (a *Application) Run(ctx context.Context) error {
	if err := a.Boot(ctx); err != nil {
		return err
	}
	if err := a.LaunchJobs(ctx); err != nil {
		return err
	}
	return a.Listen(ctx)
}

// Close waits for the background jobs, which stop when the context given
// to LaunchJobs is cancelled, and then closes the store
func (a *Application) Close() error {
	a.supervisor.Wait()
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
