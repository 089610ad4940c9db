// Package api provides the route groups mounted under the API prefix.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-stream-gateway/internal/server"
)

// APIVersion is the version of the routes mounted under the prefix. It
// matches the default prefix /v3.
const APIVersion = 3

// Capabilities a running gateway may advertise
const (
	CapabilityEvents = "events"
	CapabilityStream = "stream"
)

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status       string   `json:"status"`
	Service      string   `json:"service"`
	APIVersion   int      `json:"api_version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// StatusGroup serves GET /status with the capabilities of the process
type StatusGroup struct {
	capabilities []string
}

// NewStatusGroup creates the status group
func NewStatusGroup(capabilities ...string) *StatusGroup {
	return &StatusGroup{capabilities: capabilities}
}

func (g *StatusGroup) Name() string { return "status" }

func (g *StatusGroup) Register(r server.Router) {
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, StatusResponse{
			Status:       "ok",
			Service:      "stream-gateway",
			APIVersion:   APIVersion,
			Capabilities: g.capabilities,
		})
	})
}
