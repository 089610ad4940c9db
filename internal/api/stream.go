package api

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/server"
	"github.com/sirosfoundation/go-stream-gateway/internal/websocket"
	"github.com/sirosfoundation/go-stream-gateway/pkg/middleware"
)

// Hello is the first message on every stream socket
type Hello struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// StreamGroup serves the live event socket
type StreamGroup struct {
	hub     *websocket.Hub
	limiter *middleware.RateLimiter
	logger  *zap.Logger
}

// NewStreamGroup creates the stream group. limiter may be nil.
func NewStreamGroup(hub *websocket.Hub, limiter *middleware.RateLimiter, logger *zap.Logger) *StreamGroup {
	return &StreamGroup{
		hub:     hub,
		limiter: limiter,
		logger:  logger.Named("stream"),
	}
}

func (g *StreamGroup) Name() string { return "stream" }

func (g *StreamGroup) Register(r server.Router) {
	ws := r.Group("/ws")
	if g.limiter != nil {
		ws.Use(middleware.RateLimit(g.limiter))
	}
	ws.WS("/events", g.serve)
}

// serve subscribes the connection to the hub until either side closes it
func (g *StreamGroup) serve(ctx context.Context, conn *websocket.Conn) {
	err := g.hub.Serve(ctx, conn, Hello{Type: "hello", ClientID: conn.ID})
	if err != nil && !errors.Is(err, websocket.ErrHubClosed) {
		g.logger.Warn("Stream socket failed", zap.String("connection_id", conn.ID), zap.Error(err))
	}
}
