package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
	"github.com/sirosfoundation/go-stream-gateway/internal/server"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/pkg/httperror"
	"github.com/sirosfoundation/go-stream-gateway/pkg/middleware"
)

// EventList is the body of GET /events
type EventList struct {
	Events []*domain.Event `json:"events"`
	Count  int             `json:"count"`
}

// EventsGroup serves the stored events
type EventsGroup struct {
	events  storage.EventStore
	limiter *middleware.RateLimiter
	logger  *zap.Logger
}

// NewEventsGroup creates the events group. limiter may be nil.
func NewEventsGroup(events storage.EventStore, limiter *middleware.RateLimiter, logger *zap.Logger) *EventsGroup {
	return &EventsGroup{
		events:  events,
		limiter: limiter,
		logger:  logger.Named("events"),
	}
}

func (g *EventsGroup) Name() string { return "events" }

func (g *EventsGroup) Register(r server.Router) {
	events := r.Group("/events")
	if g.limiter != nil {
		events.Use(middleware.RateLimit(g.limiter))
	}

	events.GET("", g.List)
	events.GET("/count", g.Count)
	events.GET("/:id", g.Get)
}

// List handles GET /events?type=&limit=&before=
func (g *EventsGroup) List(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	events, err := g.events.List(c.Request.Context(), filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}

	c.JSON(http.StatusOK, EventList{Events: events, Count: len(events)})
}

func parseFilter(c *gin.Context) (storage.EventFilter, error) {
	var filter storage.EventFilter

	if t := c.Query("type"); t != "" {
		if err := domain.ValidateEventType(t); err != nil {
			return filter, httperror.Wrap(http.StatusBadRequest, err.Error(), err)
		}
		filter.Type = t
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return filter, httperror.Wrap(http.StatusBadRequest, "limit must be an integer", err)
		}
		if limit < 1 {
			return filter, httperror.BadRequest(fmt.Sprintf("limit must be between 1 and %d", storage.MaxListLimit))
		}
		filter.Limit = limit
	}

	if v := c.Query("before"); v != "" {
		before, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, httperror.Wrap(http.StatusBadRequest, "before must be an RFC 3339 timestamp", err)
		}
		filter.Before = before
	}

	filter, err := filter.Normalize()
	if err != nil {
		return filter, httperror.Wrap(http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", storage.MaxListLimit), err)
	}
	return filter, nil
}

// Get handles GET /events/:id
func (g *EventsGroup) Get(c *gin.Context) {
	id := domain.EventID(c.Param("id"))

	event, err := g.events.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = c.Error(httperror.Wrap(http.StatusNotFound, "Event not found", err))
			return
		}
		g.logger.Error("Failed to get event", zap.String("event_id", id.String()), zap.Error(err))
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, event)
}

// Count handles GET /events/count
func (g *EventsGroup) Count(c *gin.Context) {
	n, err := g.events.Count(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}
