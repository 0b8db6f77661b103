package bedrockbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

const (
	// userWorkerQueueSize is the number of commands a user can have
	// waiting behind the one in progress
	userWorkerQueueSize = 16

	defaultIdleTimeoutCheckInterval = 30 * time.Second
)

var (
	ErrWorkerPoolStopped = errors.New("worker pool stopped")
	ErrUserQueueFull     = errors.New("too many pending commands")
)

// commandJob is a message waiting to be dispatched by a user's worker
type commandJob struct {
	msg        IncomingMessage
	receivedAt time.Time
}

// jobHandler runs a single job. It's called from the user's worker
// goroutine, so calls for the same user never overlap.
type jobHandler func(ctx context.Context, job commandJob)

// workerLimiter tracks when a worker last ran a command, to determine
// when it has been idle long enough to stop.
type workerLimiter struct {
	// IdleTimeout is the duration after which a worker is considered 'idle'
	IdleTimeout time.Duration

	// LastCommandAt is the last time a command was run by the worker
	LastCommandAt time.Time

	mu sync.Mutex
}

// Expired reports whether the worker has been idle for longer than
// IdleTimeout, and when it did/will expire
func (w *workerLimiter) Expired() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	expiresAt := w.LastCommandAt.Add(w.IdleTimeout)
	return expiresAt, time.Now().After(expiresAt)
}

func (w *workerLimiter) SetLastCommand(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastCommandAt = ts
}

// userCommandWorker runs commands for a single user, one at a time, in
// the order they were received. This serializes all session updates for
// the user without holding any lock while a command waits on the model.
type userCommandWorker struct {
	userID string
	jobCh  chan commandJob

	// mu guards retired. Once retired, the worker accepts no more jobs,
	// and the pool starts a new worker for the user's next command.
	mu      sync.Mutex
	retired bool

	signalStop chan struct{}
	stopped    chan struct{}

	limiter *workerLimiter

	// idleTimeoutCheckInterval is the interval at which the worker checks
	// whether it has been idle for longer than the idle timeout
	idleTimeoutCheckInterval time.Duration
}

func newUserWorker(userID string, idleTimeout time.Duration) *userCommandWorker {
	checkInterval := min(defaultIdleTimeoutCheckInterval, idleTimeout)
	return &userCommandWorker{
		userID:                   userID,
		jobCh:                    make(chan commandJob, userWorkerQueueSize),
		signalStop:               make(chan struct{}),
		stopped:                  make(chan struct{}),
		limiter:                  &workerLimiter{IdleTimeout: idleTimeout},
		idleTimeoutCheckInterval: checkInterval,
	}
}

// enqueue adds a job to the worker's queue. ok is false if the worker
// has retired, in which case the job should go to a new worker.
func (u *userCommandWorker) enqueue(ctx context.Context, job commandJob) (ok bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.retired {
		return false, nil
	}
	select {
	case u.jobCh <- job:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	default:
		return true, ErrUserQueueFull
	}
}

// retireIfIdle marks the worker retired if it's idle and has nothing
// queued
func (u *userCommandWorker) retireIfIdle() (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	expiresAt, expired := u.limiter.Expired()
	if !expired || len(u.jobCh) > 0 {
		return expiresAt, false
	}
	u.retired = true
	return expiresAt, true
}

func (u *userCommandWorker) retire() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.retired = true
}

// Run processes jobs until the worker has been idle for its idle timeout,
// a stop signal is received, or ctx is canceled. Jobs still queued when
// stopping are dropped.
func (u *userCommandWorker) Run(ctx context.Context, handle jobHandler, onRetire func()) {
	log := contextLoggerOr(ctx, slog.Default()).With(logAttrUserID, u.userID)
	ctx = WithLogger(ctx, log)

	defer close(u.stopped)

	log.DebugContext(ctx, "starting user worker")
	startedAt := time.Now()
	ticker := time.NewTicker(u.idleTimeoutCheckInterval)

	defer func() {
		ticker.Stop()
		u.retire()
		onRetire()
		if dropped := len(u.jobCh); dropped > 0 {
			log.WarnContext(ctx, "dropping queued commands", "count", dropped)
		}
		log.DebugContext(
			ctx,
			"stopped user worker",
			"runtime", time.Since(startedAt),
		)
	}()

	u.limiter.SetLastCommand(time.Now())
	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			return
		case <-u.signalStop:
			log.DebugContext(ctx, "got stop signal")
			return
		case <-ticker.C:
			if expiresAt, retired := u.retireIfIdle(); retired {
				log.DebugContext(
					ctx,
					"worker idle, stopping",
					"worker_expired", expiresAt,
				)
				return
			}
		case job := <-u.jobCh:
			u.runJob(ctx, log, handle, job)
			ticker.Reset(u.idleTimeoutCheckInterval)
		}
	}
}

// runJob runs the handler, recovering from any panic so one bad command
// doesn't stop the user's worker
func (u *userCommandWorker) runJob(
	ctx context.Context,
	log *slog.Logger,
	handle jobHandler,
	job commandJob,
) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(
				ctx,
				"panic handling command",
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
		u.limiter.SetLastCommand(time.Now())
	}()
	log.DebugContext(ctx, "running command", "queued", time.Since(job.receivedAt))
	handle(ctx, job)
}

// workerPool starts a userCommandWorker per active user. Different users'
// commands run concurrently, while each user's commands run in order.
type workerPool struct {
	workers     map[string]*userCommandWorker
	mu          sync.Mutex
	wg          sync.WaitGroup
	idleTimeout time.Duration
	handle      jobHandler
	metrics     *Metrics
	logger      *slog.Logger

	// ctx is the base context for all workers. It isn't derived from the
	// caller's context, so in-flight commands can finish during shutdown.
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

func newWorkerPool(
	idleTimeout time.Duration,
	handle jobHandler,
	metrics *Metrics,
	logger *slog.Logger,
) *workerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultWorkerIdleTimeout
	}
	ctx, cancel := context.WithCancel(WithLogger(context.Background(), logger))
	return &workerPool{
		workers:     map[string]*userCommandWorker{},
		idleTimeout: idleTimeout,
		handle:      handle,
		metrics:     metrics,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit queues msg on its author's worker, starting one if needed
func (p *workerPool) Submit(ctx context.Context, msg IncomingMessage) error {
	job := commandJob{msg: msg, receivedAt: time.Now()}
	for {
		w, err := p.getUserWorker(msg.UserID)
		if err != nil {
			return err
		}
		ok, err := w.enqueue(ctx, job)
		if ok {
			return err
		}
		// worker retired between lookup and enqueue
	}
}

// getUserWorker retrieves or starts the worker for userID
func (p *workerPool) getUserWorker(userID string) (*userCommandWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrWorkerPoolStopped
	}

	if w := p.workers[userID]; w != nil {
		w.mu.Lock()
		retired := w.retired
		w.mu.Unlock()
		if !retired {
			return w, nil
		}
	}

	w := newUserWorker(userID, p.idleTimeout)
	p.workers[userID] = w
	p.wg.Add(1)
	p.metrics.workerStarted()
	go func() {
		defer p.wg.Done()
		defer p.metrics.workerStopped()
		w.Run(
			p.ctx, p.handle, func() {
				p.mu.Lock()
				defer p.mu.Unlock()
				if cur, ok := p.workers[userID]; ok && cur == w {
					delete(p.workers, userID)
				}
			},
		)
	}()
	return w, nil
}

// Len returns the number of running workers
func (p *workerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop stops accepting commands and signals all workers to stop once
// their current command finishes. If ctx is done first, in-flight
// commands are canceled.
func (p *workerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	workers := make([]*userCommandWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "stopping user workers", "count", len(workers))
	for _, w := range workers {
		close(w.signalStop)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("user workers did not stop in time: %w", ctx.Err())
	}
}
