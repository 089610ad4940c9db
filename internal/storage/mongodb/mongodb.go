package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

// EventsCollection is the collection events are stored in. Its indexes
// are created by the migration job.
const EventsCollection = "events"

// Store implements MongoDB storage
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      *config.MongoDBConfig

	events *EventStore
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *config.MongoDBConfig) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetServerSelectionTimeout(time.Duration(cfg.Timeout) * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)

	return &Store{
		client:   client,
		database: database,
		cfg:      cfg,
		events:   &EventStore{collection: database.Collection(EventsCollection)},
	}, nil
}

func (s *Store) Events() storage.EventStore { return s.events }

// Client returns the underlying client, shared with the migration job
func (s *Store) Client() *mongo.Client { return s.client }

// Database returns the configured database
func (s *Store) Database() *mongo.Database { return s.database }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
