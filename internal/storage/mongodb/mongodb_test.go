package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sirosfoundation/go-stream-gateway/internal/migrate"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage/storagetest"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

func getTestMongoURI() string {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	return uri
}

func skipIfNoMongo(t *testing.T) *Store {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := &config.MongoDBConfig{
		URI:      getTestMongoURI(),
		Database: fmt.Sprintf("gateway_test_%s", uuid.NewString()[:8]),
		Timeout:  3,
	}

	store, err := NewStore(ctx, cfg)
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
		return nil
	}

	// Clean up test database
	t.Cleanup(func() {
		ctx := context.Background()
		_ = store.database.Drop(ctx)
		_ = store.Close()
	})

	err = migrate.Up(ctx, migrate.Target{
		Kind:          migrate.KindMongoDB,
		MongoURI:      cfg.URI,
		MongoDatabase: cfg.Database,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	return store
}

func TestNewStore(t *testing.T) {
	store := skipIfNoMongo(t)
	require.NotNil(t, store)
	require.NotNil(t, store.Client())
	require.Equal(t, store.cfg.Database, store.Database().Name())
}

func TestNewStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := NewStore(ctx, &config.MongoDBConfig{
		URI:      "mongodb://127.0.0.1:1",
		Database: "gateway_test",
		Timeout:  1,
	})
	require.Error(t, err)
}

func TestEventStore(t *testing.T) {
	storagetest.RunEventStore(t, func(t *testing.T) storage.Store {
		return skipIfNoMongo(t)
	})
}
