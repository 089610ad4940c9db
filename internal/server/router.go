package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-stream-gateway/internal/websocket"
)

// Router registers both HTTP routes and WebSocket endpoints
type Router interface {
	Handle(method, path string, handlers ...gin.HandlerFunc)
	GET(path string, handlers ...gin.HandlerFunc)
	POST(path string, handlers ...gin.HandlerFunc)
	PUT(path string, handlers ...gin.HandlerFunc)
	PATCH(path string, handlers ...gin.HandlerFunc)
	DELETE(path string, handlers ...gin.HandlerFunc)
	Use(middleware ...gin.HandlerFunc)
	Group(path string, handlers ...gin.HandlerFunc) Router

	// WS registers a GET endpoint that upgrades to a WebSocket and hands the
	// connection to h. handlers run before the upgrade.
	WS(path string, h websocket.Handler, handlers ...gin.HandlerFunc)

	BasePath() string
}

type router struct {
	group    *gin.RouterGroup
	upgrader *websocket.Upgrader
}

// NewRouter wraps engine. The upgrader is shared by every group derived
// from the returned router.
func NewRouter(engine *gin.Engine, upgrader *websocket.Upgrader) Router {
	return &router{group: &engine.RouterGroup, upgrader: upgrader}
}

func (r *router) Handle(method, path string, handlers ...gin.HandlerFunc) {
	r.group.Handle(method, path, handlers...)
}

func (r *router) GET(path string, handlers ...gin.HandlerFunc) {
	r.group.GET(path, handlers...)
}

func (r *router) POST(path string, handlers ...gin.HandlerFunc) {
	r.group.POST(path, handlers...)
}

func (r *router) PUT(path string, handlers ...gin.HandlerFunc) {
	r.group.PUT(path, handlers...)
}

func (r *router) PATCH(path string, handlers ...gin.HandlerFunc) {
	r.group.PATCH(path, handlers...)
}

func (r *router) DELETE(path string, handlers ...gin.HandlerFunc) {
	r.group.DELETE(path, handlers...)
}

func (r *router) Use(middleware ...gin.HandlerFunc) {
	r.group.Use(middleware...)
}

func (r *router) Group(path string, handlers ...gin.HandlerFunc) Router {
	return &router{group: r.group.Group(path, handlers...), upgrader: r.upgrader}
}

func (r *router) WS(path string, h websocket.Handler, handlers ...gin.HandlerFunc) {
	chain := make([]gin.HandlerFunc, 0, len(handlers)+1)
	chain = append(chain, handlers...)
	chain = append(chain, func(c *gin.Context) {
		if err := r.upgrader.Upgrade(c.Writer, c.Request, h); err != nil {
			_ = c.Error(err)
			c.Abort()
		}
	})
	r.group.Handle(http.MethodGet, path, chain...)
}

func (r *router) BasePath() string {
	return r.group.BasePath()
}
