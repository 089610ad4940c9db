package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sirosfoundation/go-stream-gateway/internal/backend"
	"github.com/sirosfoundation/go-stream-gateway/internal/jobs"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/internal/websocket"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Environment = "test"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Jobs.InitialBackoff = time.Millisecond
	cfg.Jobs.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func memoryConnector(t *testing.T) backend.Connector {
	return backend.ConnectorFunc(func(ctx context.Context) (backend.Backend, error) {
		cfg := testConfig()
		cfg.Storage.Type = string(backend.TypeMemory)
		return backend.New(ctx, cfg)
	})
}

// groupFunc adapts a function to RouteGroup
type groupFunc struct {
	name string
	fn   func(r Router)
}

func (g groupFunc) Name() string      { return g.name }
func (g groupFunc) Register(r Router) { g.fn(r) }

func newTestApp(t *testing.T, opts Options) *Application {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Connector == nil {
		opts.Connector = memoryConnector(t)
	}
	app := New(opts)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func bootedHandler(t *testing.T, app *Application) http.Handler {
	t.Helper()
	require.NoError(t, app.Boot(context.Background()))
	h, err := app.Handler()
	require.NoError(t, err)
	return h
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func message(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body httperror.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Message
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "init", PhaseInit.String())
	assert.Equal(t, "connecting-storage", PhaseConnectingStorage.String())
	assert.Equal(t, "listening", PhaseListening.String())
	assert.Equal(t, "fatal-abort", PhaseFatalAbort.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}

func TestApplication_StorageFailureAborts(t *testing.T) {
	var groupsCalled, jobsCalled atomic.Bool
	app := newTestApp(t, Options{
		Connector: backend.ConnectorFunc(func(ctx context.Context) (backend.Backend, error) {
			return nil, errors.New("connection refused")
		}),
		Groups: func(backend.Backend) []RouteGroup {
			groupsCalled.Store(true)
			return nil
		},
		Jobs: func(backend.Backend) []JobSpec {
			jobsCalled.Store(true)
			return nil
		},
	})

	err := app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, PhaseFatalAbort, app.Phase())
	assert.Nil(t, app.Addr(), "nothing is bound")

	_, err = app.Handler()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, app.LaunchJobs(context.Background()), ErrNotReady)
	assert.ErrorIs(t, app.Listen(context.Background()), ErrNotReady)
	assert.False(t, groupsCalled.Load())
	assert.False(t, jobsCalled.Load())
	assert.Empty(t, app.Supervisor().Status())
}

func TestApplication_BootOnce(t *testing.T) {
	app := newTestApp(t, Options{})
	require.NoError(t, app.Boot(context.Background()))
	assert.ErrorIs(t, app.Boot(context.Background()), ErrAlreadyBooted)
}

func TestApplication_PhaseOrder(t *testing.T) {
	var app *Application
	var atConnect, atGroups, atJobs Phase

	app = newTestApp(t, Options{
		Connector: backend.ConnectorFunc(func(ctx context.Context) (backend.Backend, error) {
			atConnect = app.Phase()
			return memoryConnector(t).Connect(ctx)
		}),
		Groups: func(backend.Backend) []RouteGroup {
			atGroups = app.Phase()
			return nil
		},
		Jobs: func(backend.Backend) []JobSpec {
			atJobs = app.Phase()
			return nil
		},
	})
	assert.Equal(t, PhaseInit, app.Phase())

	_, err := app.Handler()
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, app.Boot(context.Background()))
	assert.Equal(t, PhaseWiringErrorBoundary, app.Phase())
	assert.ErrorIs(t, app.Listen(context.Background()), ErrNotReady, "jobs must be launched first")

	require.NoError(t, app.LaunchJobs(context.Background()))
	assert.Equal(t, PhaseLaunchingBackgroundJobs, app.Phase())

	assert.Equal(t, PhaseConnectingStorage, atConnect)
	assert.Equal(t, PhaseWiringRoutes, atGroups)
	assert.Equal(t, PhaseLaunchingBackgroundJobs, atJobs)
	assert.NotNil(t, app.Store())
}

func TestApplication_RootInfo(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	app := newTestApp(t, Options{Launch: NewLaunchMetadata("1.2.3", clock)})
	h := bootedHandler(t, app)

	w := do(h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)

	var info RootInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "2024-05-01T12:00:00Z", info.LaunchAt)
	assert.Equal(t, "now", info.LaunchFromNow)

	clock.Advance(3 * time.Minute)
	w = do(h, http.MethodGet, "/")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "2024-05-01T12:00:00Z", info.LaunchAt, "launch time never changes")
	assert.Equal(t, "3 minutes ago", info.LaunchFromNow)

	// the root endpoint went through the request layers
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestApplication_GroupsUnderPrefix(t *testing.T) {
	var order []string
	groups := []RouteGroup{
		groupFunc{"first", func(r Router) {
			order = append(order, "first")
			assert.Equal(t, "/v3", r.BasePath())
			r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
		}},
		groupFunc{"second", func(r Router) {
			order = append(order, "second")
			items := r.Group("/items")
			items.POST("", func(c *gin.Context) { c.Status(http.StatusCreated) })
			items.PUT("/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
			items.PATCH("/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
			items.DELETE("/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
			items.Handle(http.MethodOptions, "/custom", func(c *gin.Context) { c.Status(http.StatusOK) })
		}},
	}
	app := newTestApp(t, Options{Groups: func(backend.Backend) []RouteGroup { return groups }})
	h := bootedHandler(t, app)

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "pong", do(h, http.MethodGet, "/v3/ping").Body.String())
	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/v3/items").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPut, "/v3/items/1").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPatch, "/v3/items/1").Code)
	assert.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/v3/items/1").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/ping").Code, "groups are only reachable under the prefix")
}

func TestApplication_ClientIP(t *testing.T) {
	clientIP := func(cfg *config.Config) string {
		groups := []RouteGroup{groupFunc{"ip", func(r Router) {
			r.GET("/ip", func(c *gin.Context) { c.String(http.StatusOK, c.ClientIP()) })
		}}}
		app := newTestApp(t, Options{Config: cfg, Groups: func(backend.Backend) []RouteGroup { return groups }})
		h := bootedHandler(t, app)

		req := httptest.NewRequest(http.MethodGet, "/v3/ip", nil)
		req.RemoteAddr = "192.0.2.10:4711"
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		return w.Body.String()
	}

	assert.Equal(t, "192.0.2.10", clientIP(testConfig()), "forwarded header ignored without trusted proxies")

	cfg := testConfig()
	cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	assert.Equal(t, "203.0.113.7", clientIP(cfg))
}

func TestApplication_NotFound(t *testing.T) {
	app := newTestApp(t, Options{})
	h := bootedHandler(t, app)

	w := do(h, http.MethodGet, "/nowhere")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Cannot GET /nowhere", message(t, w))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"), "request layers run for unmatched paths")

	w = do(h, http.MethodPost, "/")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Method not allowed", message(t, w))
}

func TestApplication_ErrorMapping(t *testing.T) {
	groups := []RouteGroup{groupFunc{"errors", func(r Router) {
		r.GET("/missing", func(c *gin.Context) { _ = c.Error(storage.ErrNotFound) })
		r.GET("/invalid", func(c *gin.Context) { _ = c.Error(storage.ErrInvalidInput) })
		r.GET("/conflict", func(c *gin.Context) {
			_ = c.Error(httperror.New(http.StatusConflict, "already there"))
		})
		r.GET("/internal", func(c *gin.Context) { _ = c.Error(errors.New("secret detail")) })
		r.GET("/panic", func(c *gin.Context) { panic("handler bug") })
		r.GET("/written", func(c *gin.Context) {
			c.String(http.StatusAccepted, "done")
			_ = c.Error(errors.New("after write"))
		})
	}}}
	app := newTestApp(t, Options{Groups: func(backend.Backend) []RouteGroup { return groups }})
	h := bootedHandler(t, app)

	tests := []struct {
		path    string
		status  int
		message string
	}{
		{"/v3/missing", http.StatusNotFound, "Not found"},
		{"/v3/invalid", http.StatusBadRequest, storage.ErrInvalidInput.Error()},
		{"/v3/conflict", http.StatusConflict, "already there"},
		{"/v3/internal", http.StatusInternalServerError, "Internal Server Error"},
		{"/v3/panic", http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(h, http.MethodGet, tt.path)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.message, message(t, w))
		})
	}

	w := do(h, http.MethodGet, "/v3/written")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "done", w.Body.String())

	// a panic does not take the router down
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/").Code)
}

func TestApplication_WebSocket(t *testing.T) {
	groups := []RouteGroup{groupFunc{"socket", func(r Router) {
		r.WS("/ws", func(ctx context.Context, conn *websocket.Conn) {
			_ = conn.WriteJSON(map[string]string{"type": "hello", "client_id": conn.ID})
		})
		r.GET("/plain", func(c *gin.Context) { c.String(http.StatusOK, "plain") })
	}}}
	app := newTestApp(t, Options{Groups: func(backend.Backend) []RouteGroup { return groups }})
	srv := httptest.NewServer(bootedHandler(t, app))
	defer srv.Close()

	conn, resp, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v3/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])
	assert.NotEmpty(t, hello["client_id"])

	// a plain request to the socket path is a structured client error
	res, err := http.Get(srv.URL + "/v3/ws")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	body, _ := io.ReadAll(res.Body)
	assert.JSONEq(t, `{"message":"WebSocket upgrade required"}`, string(body))

	// HTTP routes keep working next to the socket
	res2, err := http.Get(srv.URL + "/v3/plain")
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusOK, res2.StatusCode)
}

// runApp runs app in the background and waits until it listens
func runApp(t *testing.T, app *Application) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Addr() != nil }, 5*time.Second, 5*time.Millisecond)
	return cancel, done
}

func TestApplication_JobFailureDoesNotStopServing(t *testing.T) {
	release := make(chan struct{})
	app := newTestApp(t, Options{
		Jobs: func(backend.Backend) []JobSpec {
			return []JobSpec{
				{Job: jobs.Func("migrate", func(ctx context.Context) error {
					return errors.New("schema locked")
				}), Policy: jobs.Policy{Restart: jobs.RestartNever}},
				{Job: jobs.Func("slow", func(ctx context.Context) error {
					select {
					case <-release:
					case <-ctx.Done():
					}
					return nil
				}), Policy: jobs.Policy{Restart: jobs.RestartNever}},
			}
		},
	})

	cancel, done := runApp(t, app)
	defer close(release)

	assert.Equal(t, PhaseListening, app.Phase())

	res, err := http.Get("http://" + app.Addr().String() + "/")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	require.Eventually(t, func() bool {
		for _, st := range app.Supervisor().Status() {
			if st.Name == "migrate" {
				return st.State == jobs.StateFailed
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApplication_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.Server.Port = taken.Addr().(*net.TCPAddr).Port
	app := newTestApp(t, Options{Config: cfg})

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind")
	assert.Equal(t, PhaseLaunchingBackgroundJobs, app.Phase())
}

func TestAdminHandler(t *testing.T) {
	app := newTestApp(t, Options{
		Jobs: func(backend.Backend) []JobSpec {
			return []JobSpec{{
				Job:    jobs.Func("broken", func(ctx context.Context) error { return errors.New("boom") }),
				Policy: jobs.Policy{Restart: jobs.RestartNever},
			}}
		},
	})
	admin := app.AdminHandler()

	w := do(admin, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no store before boot")

	require.NoError(t, app.Boot(context.Background()))
	require.NoError(t, app.LaunchJobs(context.Background()))
	app.Supervisor().Wait()

	w = do(admin, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(admin, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "launching-background-jobs", status.Phase)
	assert.Equal(t, "memory", status.Storage)
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, "boom", status.Jobs[0].LastError)

	w = do(admin, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_job_runs_total")

	assert.Equal(t, http.StatusNotFound, do(admin, http.MethodGet, "/nope").Code)
}

func TestLaunchMetadata(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewLaunchMetadata("v1", clock)
	assert.Zero(t, m.Since())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 2*time.Hour, m.Since())
	assert.Equal(t, "2 hours ago", m.Info().LaunchFromNow)

	live := NewLaunchMetadata("v2", nil)
	assert.GreaterOrEqual(t, live.Since(), time.Duration(0))
}
