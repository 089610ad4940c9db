package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	events *EventStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		events: &EventStore{
			data:      make(map[domain.EventID]*domain.Event),
			byMessage: make(map[string]domain.EventID),
		},
	}
}

func (s *Store) Events() storage.EventStore     { return s.events }
func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(ctx context.Context) error { return nil }

// EventStore implements in-memory event storage
type EventStore struct {
	mu        sync.RWMutex
	data      map[domain.EventID]*domain.Event
	byMessage map[string]domain.EventID
}

func messageKey(stream, messageID string) string {
	return stream + "\x00" + messageID
}

func (s *EventStore) Insert(ctx context.Context, event *domain.Event) error {
	if event == nil || event.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey(event.Stream, event.MessageID)
	if _, exists := s.byMessage[key]; exists {
		return storage.ErrAlreadyExists
	}
	if _, exists := s.data[event.ID]; exists {
		return storage.ErrAlreadyExists
	}

	stored := *event
	s.data[event.ID] = &stored
	s.byMessage[key] = event.ID
	return nil
}

func (s *EventStore) Get(ctx context.Context, id domain.EventID) (*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	out := *event
	return &out, nil
}

func (s *EventStore) List(ctx context.Context, filter storage.EventFilter) ([]*domain.Event, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]*domain.Event, 0, len(s.data))
	for _, event := range s.data {
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if !filter.Before.IsZero() && !event.ReceivedAt.Before(filter.Before) {
			continue
		}
		out := *event
		matched = append(matched, &out)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *EventStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data)), nil
}
