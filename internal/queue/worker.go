package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parchment-ai/parchment/internal/log"
)

// Handler processes one claimed job. Returning nil completes the job; any
// error records a failed attempt. Wrap the error with Fatal to skip the
// remaining attempts. The job's Attempts field holds the count before this
// attempt, so Attempts+1 == MaxAttempts means this is the last try.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// fatalError marks a handler error as permanently failed.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the queue fails the job without further attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries the Fatal marker.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// DefaultPollInterval is the idle sleep between claim attempts.
const DefaultPollInterval = 500 * time.Millisecond

// JobStore is the queue surface the worker polls. *Store implements it.
type JobStore interface {
	ClaimNext(ctx context.Context, types []string) (*Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string, fatal bool) error
}

// staleRequeuer is implemented by stores that can recover jobs abandoned
// by dead workers. In-memory stores run in a single process and never
// strand a running job, so the capability is optional.
type staleRequeuer interface {
	RequeueStale(ctx context.Context, types []string, olderThan time.Duration) (int, error)
}

// staleCheckInterval is how often a worker pool sweeps for abandoned jobs.
const staleCheckInterval = time.Minute

// Worker runs a pool of goroutines polling the store and dispatching jobs
// to registered handlers.
type Worker struct {
	store    JobStore
	handlers map[string]Handler
	count    int
	poll     time.Duration
	logger   log.Logger
}

// NewWorker creates a worker pool of the given size. Non-positive count
// and poll interval fall back to 1 and DefaultPollInterval.
func NewWorker(store JobStore, count int, poll time.Duration, logger log.Logger) *Worker {
	if count <= 0 {
		count = 1
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Worker{
		store:    store,
		handlers: make(map[string]Handler),
		count:    count,
		poll:     poll,
		logger:   logger,
	}
}

// Register installs a handler for a job type. Must be called before Run.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run polls for jobs until ctx is cancelled. It returns after all workers
// have drained their in-flight job.
func (w *Worker) Run(ctx context.Context) error {
	types := w.types()
	if len(types) == 0 {
		return fmt.Errorf("queue: no handlers registered")
	}
	w.logger.Info("worker pool starting", "workers", w.count, "types", types)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.count; i++ {
		g.Go(func() error {
			w.loop(ctx, types)
			return nil
		})
	}
	if rq, ok := w.store.(staleRequeuer); ok {
		g.Go(func() error {
			w.sweepStale(ctx, rq, types)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("worker pool stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, types []string) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.RunOnce(ctx, types)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job
// was processed, regardless of the handler outcome.
func (w *Worker) RunOnce(ctx context.Context, types []string) (bool, error) {
	job, err := w.store.ClaimNext(ctx, types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		// Claimed a type nobody handles; fail it terminally rather than
		// bouncing it forever.
		return true, w.fail(ctx, job.ID, fmt.Errorf("no handler for job type %q", job.Type), true)
	}

	if err := w.dispatch(ctx, job, handler); err != nil {
		w.logger.Warn("job attempt failed",
			"id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		return true, w.fail(ctx, job.ID, err, IsFatal(err))
	}

	if err := w.store.Complete(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Debug("job completed", "id", job.ID, "type", job.Type)
	return true, nil
}

// sweepStale requeues abandoned running jobs, once at startup and then on
// an interval, so jobs orphaned by a crashed worker are picked up again.
func (w *Worker) sweepStale(ctx context.Context, rq staleRequeuer, types []string) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()
	for {
		if _, err := rq.RequeueStale(ctx, types, DefaultVisibilityTimeout); err != nil && ctx.Err() == nil {
			w.logger.Error("stale job sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, job)
}

func (w *Worker) fail(ctx context.Context, id uuid.UUID, cause error, fatal bool) error {
	if err := w.store.Fail(ctx, id, cause.Error(), fatal); err != nil {
		return fmt.Errorf("recording failure for job %s: %w", id, err)
	}
	return nil
}

func (w *Worker) types() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
