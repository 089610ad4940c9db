package backend

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-stream-gateway/internal/migrate"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage/memory"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage/mongodb"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage/sqlite"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

// Type defines the type of storage backend
type Type string

const (
	// TypeMemory uses in-memory storage (for testing/development)
	TypeMemory Type = "memory"
	// TypeMongoDB uses MongoDB storage (for production)
	TypeMongoDB Type = "mongodb"
	// TypeSQLite uses an embedded SQLite database (single node)
	TypeSQLite Type = "sqlite"
)

// Backend wraps a storage store with what the rest of the process needs to
// know about it
type Backend interface {
	storage.Store
	// Kind returns the backend type
	Kind() Type
	// MigrationTarget describes where the migration job applies the schema
	MigrationTarget() migrate.Target
}

// memoryBackend wraps the memory store to implement Backend
type memoryBackend struct {
	*memory.Store
}

func (b *memoryBackend) Kind() Type { return TypeMemory }
func (b *memoryBackend) MigrationTarget() migrate.Target {
	return migrate.Target{Kind: migrate.KindMemory}
}

// mongoBackend wraps the MongoDB store to implement Backend
type mongoBackend struct {
	*mongodb.Store
	cfg config.MongoDBConfig
}

func (b *mongoBackend) Kind() Type { return TypeMongoDB }
func (b *mongoBackend) MigrationTarget() migrate.Target {
	return migrate.Target{
		Kind:          migrate.KindMongoDB,
		MongoURI:      b.cfg.URI,
		MongoDatabase: b.cfg.Database,
	}
}

// sqliteBackend wraps the SQLite store to implement Backend
type sqliteBackend struct {
	*sqlite.Store
}

func (b *sqliteBackend) Kind() Type { return TypeSQLite }
func (b *sqliteBackend) MigrationTarget() migrate.Target {
	return migrate.Target{Kind: migrate.KindSQLite, SQLDB: b.DB()}
}

// ErrUnsupportedType is returned for an unknown storage type
type ErrUnsupportedType struct {
	Type Type
}

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported storage type: %s", e.Type)
}

// New creates a storage backend based on the configuration. It makes a
// single attempt; see Connector for retries.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	storageType := Type(cfg.Storage.Type)

	switch storageType {
	case TypeMemory, "":
		// Default to memory if not specified
		return &memoryBackend{Store: memory.NewStore()}, nil

	case TypeMongoDB:
		store, err := mongodb.NewStore(ctx, &cfg.Storage.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create MongoDB backend: %w", err)
		}
		return &mongoBackend{Store: store, cfg: cfg.Storage.MongoDB}, nil

	case TypeSQLite:
		store, err := sqlite.NewStore(ctx, &cfg.Storage.SQLite)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		return &sqliteBackend{Store: store}, nil

	default:
		return nil, &ErrUnsupportedType{Type: storageType}
	}
}
