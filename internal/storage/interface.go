package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
)

// Listing limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// EventFilter narrows an event listing
type EventFilter struct {
	Type   string    // exact match, empty for any
	Limit  int       // 1..MaxListLimit, 0 means DefaultListLimit
	Before time.Time // only events received strictly before, zero for no bound
}

// Normalize applies the default limit and rejects out-of-range values
func (f EventFilter) Normalize() (EventFilter, error) {
	if f.Limit == 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit < 0 || f.Limit > MaxListLimit {
		return f, ErrInvalidInput
	}
	return f, nil
}

// EventStore defines the interface for event storage operations
type EventStore interface {
	// Insert stores a new event. Returns ErrAlreadyExists when an event
	// with the same stream and message ID is already stored.
	Insert(ctx context.Context, event *domain.Event) error

	// Get retrieves an event by ID
	Get(ctx context.Context, id domain.EventID) (*domain.Event, error)

	// List returns events matching the filter, newest first
	List(ctx context.Context, filter EventFilter) ([]*domain.Event, error)

	// Count returns the number of stored events
	Count(ctx context.Context) (int64, error)
}

// Store is the storage handle shared by request handlers and jobs
type Store interface {
	Events() EventStore

	// Close closes the storage connection
	Close() error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
}
