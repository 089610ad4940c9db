package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

// Connector establishes storage connectivity at startup
type Connector interface {
	Connect(ctx context.Context) (Backend, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context) (Backend, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Backend, error) { return f(ctx) }

// RetryConnector opens the configured backend, retrying with exponential
// backoff until the connect deadline passes
type RetryConnector struct {
	cfg    *config.Config
	logger *zap.Logger
	open   func(ctx context.Context, cfg *config.Config) (Backend, error)
}

// NewConnector creates a RetryConnector for cfg
func NewConnector(cfg *config.Config, logger *zap.Logger) *RetryConnector {
	return &RetryConnector{
		cfg:    cfg,
		logger: logger.Named("storage"),
		open:   New,
	}
}

// Connect opens and pings the store. Each attempt is bounded by the overall
// deadline; an unsupported storage type is not retried.
func (c *RetryConnector) Connect(ctx context.Context) (Backend, error) {
	connect := c.cfg.Storage.Connect
	ctx, cancel := context.WithTimeout(ctx, connect.Deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	if connect.InitialInterval > 0 {
		b.InitialInterval = connect.InitialInterval
	}
	if connect.MaxInterval > 0 {
		b.MaxInterval = connect.MaxInterval
	}
	b.MaxElapsedTime = connect.Deadline

	var (
		attempts int
		lastErr  error
		result   Backend
	)
	operation := func() error {
		attempts++
		backend, err := c.open(ctx, c.cfg)
		if err != nil {
			var unsupported *ErrUnsupportedType
			if errors.As(err, &unsupported) {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		if err := backend.Ping(ctx); err != nil {
			_ = backend.Close()
			lastErr = fmt.Errorf("storage ping failed: %w", err)
			return lastErr
		}
		result = backend
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Storage connection attempt failed",
			zap.String("type", c.cfg.Storage.Type),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		return nil, fmt.Errorf("failed to connect to %s storage after %d attempt(s): %w",
			c.cfg.Storage.Type, attempts, err)
	}

	c.logger.Info("Storage connected",
		zap.String("type", string(result.Kind())),
		zap.Int("attempts", attempts),
	)
	return result, nil
}
