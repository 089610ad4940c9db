// Package jobs runs background jobs next to the HTTP server. A job failure
// is logged, recorded in the job's status and metrics, and optionally
// retried; it never reaches the request-serving path.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-stream-gateway/internal/metrics"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

// stackTraceBufferSize is the buffer size for panic stack traces
const stackTraceBufferSize = 4096

// ErrDuplicateJob is returned when a job name is already supervised
var ErrDuplicateJob = errors.New("job already launched")

// Job is a unit of background work. Run should return when ctx is done.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// Func wraps fn as a Job
func Func(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// Restart decides whether a job runs again after it returns
type Restart int

const (
	// RestartNever runs the job once
	RestartNever Restart = iota
	// RestartOnFailure reruns the job until it returns nil
	RestartOnFailure
	// RestartAlways reruns the job whenever it returns
	RestartAlways
)

func (r Restart) String() string {
	switch r {
	case RestartNever:
		return "never"
	case RestartOnFailure:
		return "on-failure"
	case RestartAlways:
		return "always"
	default:
		return fmt.Sprintf("Restart(%d)", int(r))
	}
}

// Policy controls restarts. MaxAttempts of 0 means unlimited.
type Policy struct {
	Restart     Restart
	MaxAttempts int
}

// State is the lifecycle state of a supervised job
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateBackoff   State = "backoff"
	StateStopped   State = "stopped"
)

// Status is a snapshot of one job
type Status struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	LastChange time.Time `json:"last_change"`
}

// Supervisor launches jobs in their own goroutines and tracks them
type Supervisor struct {
	config config.JobsConfig
	logger *zap.Logger
	clock  clockwork.Clock

	mu       sync.RWMutex
	statuses map[string]*Status

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor. A nil clock uses the real clock.
func NewSupervisor(cfg config.JobsConfig, logger *zap.Logger, clock clockwork.Clock) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Supervisor{
		config:   cfg,
		logger:   logger.Named("jobs"),
		clock:    clock,
		statuses: make(map[string]*Status),
	}
}

// Launch starts job in the background and returns immediately. The job is
// cancelled through ctx.
func (s *Supervisor) Launch(ctx context.Context, job Job, policy Policy) error {
	name := job.Name()

	s.mu.Lock()
	if _, exists := s.statuses[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	s.statuses[name] = &Status{Name: name, State: StatePending, LastChange: s.clock.Now()}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(ctx, job, policy)

	s.logger.Info("Background job launched",
		zap.String("job", name),
		zap.Stringer("restart", policy.Restart),
		zap.Int("max_attempts", policy.MaxAttempts),
	)
	return nil
}

// Status returns a snapshot of every launched job, sorted by name
func (s *Supervisor) Status() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wait blocks until every launched job has finished
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) setState(name string, state State, attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[name]
	st.State = state
	if attempts > 0 {
		st.Attempts = attempts
	}
	if err != nil {
		st.LastError = err.Error()
	}
	st.LastChange = s.clock.Now()
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialBackoff
	b.MaxInterval = s.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	return b
}

// supervise is the per-job loop
func (s *Supervisor) supervise(ctx context.Context, job Job, policy Policy) {
	defer s.wg.Done()

	name := job.Name()
	logger := s.logger.With(zap.String("job", name))
	b := s.newBackOff()
	up := metrics.JobUp.WithLabelValues(name)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			s.setState(name, StateStopped, 0, nil)
			return
		}

		s.setState(name, StateRunning, attempt, nil)
		up.Set(1)
		started := s.clock.Now()
		err := s.runOnce(ctx, job)
		up.Set(0)

		if ctx.Err() != nil {
			metrics.JobRuns.WithLabelValues(name, metrics.ResultCancelled).Inc()
			s.setState(name, StateStopped, 0, nil)
			logger.Info("Background job stopped")
			return
		}

		if err == nil {
			metrics.JobRuns.WithLabelValues(name, metrics.ResultSucceeded).Inc()
			if policy.Restart != RestartAlways {
				s.setState(name, StateSucceeded, 0, nil)
				logger.Info("Background job completed", zap.Int("attempt", attempt))
				return
			}
			logger.Warn("Background job returned, restarting", zap.Int("attempt", attempt))
		} else {
			metrics.JobRuns.WithLabelValues(name, metrics.ResultFailed).Inc()
			logger.Error("Background job failed", zap.Int("attempt", attempt), zap.Error(err))
			if policy.Restart == RestartNever {
				s.setState(name, StateFailed, 0, err)
				return
			}
		}

		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			if err != nil {
				s.setState(name, StateFailed, 0, err)
			} else {
				s.setState(name, StateSucceeded, 0, nil)
			}
			logger.Error("Background job gave up", zap.Int("attempts", attempt))
			return
		}

		// a run that stayed up longer than the longest backoff starts over
		if s.clock.Since(started) > s.config.MaxBackoff {
			b.Reset()
		}
		wait := b.NextBackOff()

		s.setState(name, StateBackoff, 0, err)
		metrics.JobRestarts.WithLabelValues(name).Inc()
		logger.Info("Restarting background job", zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			s.setState(name, StateStopped, 0, nil)
			return
		case <-s.clock.After(wait):
		}
	}
}

// runOnce runs the job, turning a panic into an error
func (s *Supervisor) runOnce(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackTraceBufferSize)
			n := runtime.Stack(buf, false)
			s.logger.Error("Background job panic recovered",
				zap.String("job", job.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", buf[:n]),
			)
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}
