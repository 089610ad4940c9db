package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
)

// eventDocument is the stored form of an event. The payload is kept as
// JSON text since it need not be a document.
type eventDocument struct {
	ID         string    `bson:"_id"`
	Stream     string    `bson:"stream"`
	MessageID  string    `bson:"message_id"`
	Type       string    `bson:"type"`
	Payload    string    `bson:"payload"`
	ReceivedAt time.Time `bson:"received_at"`
}

func toDocument(e *domain.Event) eventDocument {
	return eventDocument{
		ID:         e.ID.String(),
		Stream:     e.Stream,
		MessageID:  e.MessageID,
		Type:       e.Type,
		Payload:    string(e.Payload),
		ReceivedAt: e.ReceivedAt,
	}
}

func (d eventDocument) toEvent() *domain.Event {
	return &domain.Event{
		ID:         domain.EventID(d.ID),
		Stream:     d.Stream,
		MessageID:  d.MessageID,
		Type:       d.Type,
		Payload:    json.RawMessage(d.Payload),
		ReceivedAt: d.ReceivedAt.UTC(),
	}
}

// EventStore implements MongoDB event storage
type EventStore struct {
	collection *mongo.Collection
}

func (s *EventStore) Insert(ctx context.Context, event *domain.Event) error {
	if event == nil || event.ID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.collection.InsertOne(ctx, toDocument(event))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *EventStore) Get(ctx context.Context, id domain.EventID) (*domain.Event, error) {
	var doc eventDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return doc.toEvent(), nil
}

func (s *EventStore) List(ctx context.Context, filter storage.EventFilter) ([]*domain.Event, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}

	query := bson.M{}
	if filter.Type != "" {
		query["type"] = filter.Type
	}
	if !filter.Before.IsZero() {
		query["received_at"] = bson.M{"$lt": filter.Before}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(filter.Limit))

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	events := make([]*domain.Event, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.toEvent())
	}
	return events, nil
}

func (s *EventStore) Count(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
