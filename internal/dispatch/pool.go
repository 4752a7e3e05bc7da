package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrWorkerTimeout marks a job abandoned after exceeding the
	// per-job processing deadline.
	ErrWorkerTimeout = errors.New("job processing timed out")

	// ErrWorkerFault marks a job whose processor panicked. The panic
	// is contained to the job; the worker keeps serving.
	ErrWorkerFault = errors.New("worker fault")

	// ErrPoolClosed is returned by Submit after Shutdown began.
	ErrPoolClosed = errors.New("pool is shut down")

	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("pool is not started")

	// ErrQueueFull is returned by Submit when the pending queue is at
	// capacity.
	ErrQueueFull = errors.New("pending queue is full")
)

// Processor executes one job and reports its outcome. Implementations
// must be safe for concurrent use; one call runs per worker at a time.
type Processor interface {
	Process(ctx context.Context, job *Job) (*Outcome, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *Job) (*Outcome, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, job *Job) (*Outcome, error) {
	return f(ctx, job)
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent workers. Defaults to 4.
	Workers int
	// QueueSize bounds the pending queue. Defaults to 256.
	QueueSize int
	// JobTimeout is the per-job processing deadline. Defaults to 30s.
	// The deadline starts when a worker pulls the job, not at submit.
	JobTimeout time.Duration
	// Processor executes jobs. Required.
	Processor Processor
	// Logger receives pool lifecycle and discard events.
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers       int   `json:"workers"`
	ActiveWorkers int   `json:"active_workers"`
	QueueDepth    int   `json:"queue_depth"`
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	TimedOut      int64 `json:"timed_out"`
	LateReplies   int64 `json:"late_replies"`
}

// Pool distributes jobs across a fixed set of workers. Jobs are
// pulled from a FIFO queue by the next free worker; nothing is
// pre-assigned. A job that exceeds the pool's timeout is reported as
// timed out exactly once and its worker is left alone to finish; the
// worker's late reply is discarded and the worker returns to the
// queue.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	pending chan *Job
	results chan Result

	mu       sync.Mutex
	started  bool
	draining bool

	baseCtx context.Context

	wg     sync.WaitGroup
	emitWg sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error

	active      atomic.Int64
	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	timedOut    atomic.Int64
	lateReplies atomic.Int64
}

// NewPool builds a pool from cfg. Start must be called before Submit.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Processor == nil {
		return nil, errors.New("pool requires a processor")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "dispatch")),
		pending: make(chan *Job, cfg.QueueSize),
		results: make(chan Result, cfg.QueueSize),
	}, nil
}

// Start launches the workers. The context is handed to processors;
// cancelling it makes well-behaved processors fail fast but does not
// abandon queued jobs — call Shutdown for that.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return ErrPoolClosed
	}
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true
	p.baseCtx = ctx

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	// Close the results channel once every worker has returned and
	// every settled job's result has landed.
	go func() {
		p.wg.Wait()
		p.emitWg.Wait()
		close(p.results)
	}()

	p.logger.Info("worker pool started",
		slog.Int("workers", p.cfg.Workers),
		slog.Int("queue_size", p.cfg.QueueSize),
		slog.Duration("job_timeout", p.cfg.JobTimeout))
	return nil
}

// Submit appends a job to the pending queue. It never blocks: a full
// queue returns ErrQueueFull.
func (p *Pool) Submit(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.draining {
		return ErrPoolClosed
	}

	select {
	case p.pending <- job:
		p.submitted.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: %d jobs pending", ErrQueueFull, len(p.pending))
	}
}

// Results streams terminal job results. The channel closes after
// Shutdown once every settled job has reported.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown stops intake and waits for the queue to drain and workers
// to finish, up to the context deadline. It always returns by the
// deadline even when a worker is stuck in a processor; the stuck
// job's timeout result has already been (or will be) delivered.
// Shutdown is idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		if !p.started {
			p.started = true // a never-started pool has nothing to drain
			p.draining = true
			p.mu.Unlock()
			close(p.pending)
			close(p.results)
			return
		}
		p.draining = true
		close(p.pending)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool drained")
		case <-ctx.Done():
			p.logger.Warn("worker pool shutdown deadline reached",
				slog.Int64("active_workers", p.active.Load()))
			p.shutdownErr = ctx.Err()
		}
	})
	return p.shutdownErr
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       p.cfg.Workers,
		ActiveWorkers: int(p.active.Load()),
		QueueDepth:    len(p.pending),
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		TimedOut:      p.timedOut.Load(),
		LateReplies:   p.lateReplies.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.logger.With(slog.Int("worker_id", id))
	log.Debug("worker started")

	for job := range p.pending {
		p.runJob(id, job)
	}
	log.Debug("worker stopped")
}

// runJob executes one job under the pool timeout. The first settler —
// the timeout timer or the worker — wins the job's terminal state;
// the CAS guarantees exactly one Result per job.
func (p *Pool) runJob(workerID int, job *Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	var settled atomic.Bool
	start := time.Now()

	p.emitWg.Add(1)
	timer := time.AfterFunc(p.cfg.JobTimeout, func() {
		if !settled.CompareAndSwap(false, true) {
			return
		}
		p.timedOut.Add(1)
		p.logger.Warn("job timed out",
			slog.String("job_id", job.ID.String()),
			slog.Int("worker_id", workerID),
			slog.Duration("timeout", p.cfg.JobTimeout))
		p.results <- Result{
			JobID:    job.ID,
			Job:      job,
			State:    JobStateTimedOut,
			Err:      fmt.Errorf("%w after %s", ErrWorkerTimeout, p.cfg.JobTimeout),
			Duration: time.Since(start),
			WorkerID: workerID,
		}
		p.emitWg.Done()
	})

	outcome, err := p.process(job)
	timer.Stop()
	elapsed := time.Since(start)

	if !settled.CompareAndSwap(false, true) {
		// The timeout fired first; this reply is late and the job is
		// already terminal. Discard it.
		p.lateReplies.Add(1)
		p.logger.Debug("discarding late reply",
			slog.String("job_id", job.ID.String()),
			slog.Int("worker_id", workerID),
			slog.Duration("elapsed", elapsed))
		return
	}

	result := Result{
		JobID:    job.ID,
		Job:      job,
		State:    JobStateCompleted,
		Outcome:  outcome,
		Duration: elapsed,
		WorkerID: workerID,
	}
	if err != nil {
		result.State = JobStateFailed
		result.Err = err
		result.Outcome = nil
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.results <- result
	p.emitWg.Done()
}

// process invokes the processor, converting a panic into a worker
// fault so one bad job cannot take the worker down.
func (p *Pool) process(job *Job) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor panicked",
				slog.String("job_id", job.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			outcome = nil
			err = fmt.Errorf("%w: %v", ErrWorkerFault, r)
		}
	}()
	return p.cfg.Processor.Process(p.baseCtx, job)
}
