// Package migrate applies the embedded schema migrations for the configured
// storage backend.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mongodb" // registers mongodb://
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

// Storage kinds understood by Up
const (
	KindMemory  = "memory"
	KindMongoDB = "mongodb"
	KindSQLite  = "sqlite"
)

// Target describes where migrations are applied
type Target struct {
	Kind string

	// MongoDB: the migration driver opens its own connection
	MongoURI      string
	MongoDatabase string

	// SQLite: the store's handle, which is never closed here
	SQLDB *sql.DB
}

// Up applies all pending migrations. No pending migrations is not an error.
// Cancelling ctx stops after the migration currently running.
func Up(ctx context.Context, target Target, logger *zap.Logger) error {
	logger = logger.Named("migrate")

	if target.Kind == KindMemory {
		logger.Debug("Memory storage has no schema, skipping migrations")
		return nil
	}

	m, closeFn, err := open(target, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("Schema is up to date", zap.String("storage", target.Kind))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s migrations: %w", target.Kind, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migrations interrupted: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.Info("Migrations applied",
			zap.String("storage", target.Kind),
			zap.Uint("version", version),
			zap.Bool("dirty", dirty),
		)
	}
	return nil
}

// open builds a migrate instance for target. The returned close function
// releases only what open itself created.
func open(target Target, logger *zap.Logger) (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationsFS, "migrations/"+target.Kind)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s migrations: %w", target.Kind, err)
	}

	var m *migrate.Migrate
	closeFn := func() { _ = src.Close() }

	switch target.Kind {
	case KindSQLite:
		if target.SQLDB == nil {
			_ = src.Close()
			return nil, nil, fmt.Errorf("sqlite migrations need a database handle")
		}
		driver, derr := sqlite.WithInstance(target.SQLDB, &sqlite.Config{})
		if derr != nil {
			_ = src.Close()
			return nil, nil, fmt.Errorf("failed to create sqlite migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", driver)
		// m.Close would close the shared *sql.DB

	case KindMongoDB:
		dsn, derr := mongoURL(target.MongoURI, target.MongoDatabase)
		if derr != nil {
			_ = src.Close()
			return nil, nil, derr
		}
		m, err = migrate.NewWithSourceInstance("iofs", src, dsn)
		if err == nil {
			mm := m
			closeFn = func() { _, _ = mm.Close() }
		}

	default:
		_ = src.Close()
		return nil, nil, fmt.Errorf("no migrations for storage type %q", target.Kind)
	}

	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("failed to initialise %s migrations: %w", target.Kind, err)
	}

	m.Log = &zapMigrateLogger{logger: logger.Sugar()}
	return m, closeFn, nil
}

// mongoURL points uri at database, keeping any connection options
func mongoURL(uri, database string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid mongodb uri: %w", err)
	}
	if database != "" {
		u.Path = "/" + database
	}
	if strings.Trim(u.Path, "/") == "" {
		return "", fmt.Errorf("mongodb migrations need a database name")
	}
	return u.String(), nil
}

// zapMigrateLogger adapts zap to migrate.Logger
type zapMigrateLogger struct {
	logger *zap.SugaredLogger
}

func (l *zapMigrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l *zapMigrateLogger) Verbose() bool {
	return false
}

// Job runs the migrations as a background job
type Job struct {
	target Target
	logger *zap.Logger
}

// NewJob creates a migration job for target
func NewJob(target Target, logger *zap.Logger) *Job {
	return &Job{target: target, logger: logger}
}

func (j *Job) Name() string { return "migrate" }

func (j *Job) Run(ctx context.Context) error {
	return Up(ctx, j.target, j.logger)
}
