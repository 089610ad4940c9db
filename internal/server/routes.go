package server

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

// RouteGroup contributes a set of routes under the API prefix
type RouteGroup interface {
	Name() string
	Register(r Router)
}

// LaunchMetadata describes the running process. It is built once at
// process entry and passed to whatever reports it.
type LaunchMetadata struct {
	At      time.Time
	Version string
	Clock   clockwork.Clock
}

// NewLaunchMetadata captures the launch time from clock. A nil clock uses
// the real clock.
func NewLaunchMetadata(version string, clock clockwork.Clock) LaunchMetadata {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return LaunchMetadata{At: clock.Now(), Version: version, Clock: clock}
}

// Now returns the current time on the metadata's clock
func (m LaunchMetadata) Now() time.Time {
	if m.Clock == nil {
		return time.Now()
	}
	return m.Clock.Now()
}

// Since returns the time elapsed since launch
func (m LaunchMetadata) Since() time.Duration {
	return m.Now().Sub(m.At)
}

// RootInfo is the body of GET /
type RootInfo struct {
	Version       string `json:"version"`
	LaunchAt      string `json:"launchAt"`
	LaunchFromNow string `json:"launchFromNow"`
}

// Info returns the root info for the current time
func (m LaunchMetadata) Info() RootInfo {
	return RootInfo{
		Version:       m.Version,
		LaunchAt:      m.At.UTC().Format(time.RFC3339),
		LaunchFromNow: humanize.RelTime(m.At, m.Now(), "ago", "from now"),
	}
}

// Register mounts every group under prefix, in order, and installs the
// root info endpoint at "/" outside the prefix. Other unprefixed paths are
// left to the not-found handler.
func Register(r Router, groups []RouteGroup, prefix string, launch LaunchMetadata) {
	api := r.Group(prefix)
	for _, g := range groups {
		g.Register(api)
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, launch.Info())
	})
}
