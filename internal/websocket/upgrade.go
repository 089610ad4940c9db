// Package websocket upgrades HTTP requests to WebSocket connections and
// fans messages out to connected clients.
package websocket

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/metrics"
	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
)

const stackTraceBufferSize = 4096

// Conn is an accepted WebSocket connection
type Conn struct {
	*websocket.Conn
	ID string
}

// Handler serves one accepted connection. ctx is cancelled when the
// upgrader is closed; the connection is closed when the handler returns.
type Handler func(ctx context.Context, conn *Conn)

// Upgrader completes WebSocket handshakes and runs a Handler per connection
type Upgrader struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpgrader creates an upgrader. Origins are checked by the CORS layer
// before a request gets here, so every origin is accepted.
func NewUpgrader(logger *zap.Logger) *Upgrader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("websocket"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// IsUpgrade reports whether r asks for a WebSocket upgrade
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Upgrade completes the handshake and starts h in its own goroutine. A
// failed handshake writes nothing and is returned as an *httperror.Error
// for the error boundary to render.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, h Handler) error {
	if !IsUpgrade(r) {
		metrics.WebSocketUpgradeFailures.Inc()
		return httperror.BadRequest("WebSocket upgrade required")
	}

	var failure *httperror.Error
	up := u.upgrader
	up.Error = func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		failure = httperror.Wrap(status, handshakeMessage(reason), reason)
	}

	raw, err := up.Upgrade(w, r, nil)
	if err != nil {
		metrics.WebSocketUpgradeFailures.Inc()
		u.logger.Debug("WebSocket handshake rejected", zap.Error(err))
		if failure == nil {
			failure = httperror.Wrap(http.StatusBadRequest, "WebSocket handshake failed", err)
		}
		return failure
	}

	conn := &Conn{Conn: raw, ID: uuid.NewString()}
	u.wg.Add(1)
	go u.serve(conn, r.RemoteAddr, h)
	return nil
}

func handshakeMessage(reason error) string {
	if reason == nil {
		return "WebSocket handshake failed"
	}
	return strings.TrimPrefix(reason.Error(), "websocket: ")
}

func (u *Upgrader) serve(conn *Conn, remote string, h Handler) {
	logger := u.logger.With(zap.String("connection_id", conn.ID), zap.String("remote_addr", remote))

	metrics.WebSocketConnections.Inc()
	logger.Info("WebSocket connection opened")

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackTraceBufferSize)
			n := runtime.Stack(buf, false)
			logger.Error("WebSocket handler panic recovered",
				zap.Any("panic", r),
				zap.ByteString("stack", buf[:n]),
			)
		}
		_ = conn.Close()
		metrics.WebSocketConnections.Dec()
		logger.Info("WebSocket connection closed")
		u.wg.Done()
	}()

	h(u.ctx, conn)
}

// Close cancels every running handler and waits for them to return
func (u *Upgrader) Close() {
	u.cancel()
	u.wg.Wait()
}
