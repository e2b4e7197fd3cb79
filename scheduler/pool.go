package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccbhj/ruleflow/fault"
	"github.com/ccbhj/ruleflow/internal/metrics"
)

type (
	// Processor handles one dequeued execution id. It returns once the
	// execution is terminal, paused or deferred; it never waits for people.
	Processor interface {
		Process(ctx context.Context, id string) error
	}

	ProcessorFunc func(ctx context.Context, id string) error

	// PanicHandler is implemented by processors that want to hear about
	// panics the pool recovered from.
	PanicHandler interface {
		HandlePanic(ctx context.Context, id string, recovered interface{})
	}

	Pool struct {
		queue    Queue
		proc     Processor
		workers  int
		resubmit time.Duration
		now      func() time.Time
		logger   *zap.Logger
		metrics  *metrics.Metrics

		mu      sync.Mutex
		ctx     context.Context
		cancel  context.CancelFunc
		started bool
		closed  bool
		seq     uint64
		timers  map[uint64]*time.Timer
		wg      sync.WaitGroup
	}

	Option func(*Pool)
)

func (f ProcessorFunc) Process(ctx context.Context, id string) error {
	return f(ctx, id)
}

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithResubmitInterval sets how long a deferred submission waits before
// trying again when the queue is full.
func WithResubmitInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.resubmit = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger.Named("scheduler")
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func NewPool(q Queue, proc Processor, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:    q,
		proc:     proc,
		workers:  4,
		resubmit: time.Second,
		now:      time.Now,
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[uint64]*time.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Workers() int { return p.workers }

// Start launches the workers. They run until Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("scheduler: pool is stopped")
	}
	if p.started {
		return errors.New("scheduler: pool already started")
	}
	p.started = true
	go func() {
		select {
		case <-ctx.Done():
			p.cancel()
		case <-p.ctx.Done():
		}
	}()
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(uuid.New().String())
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
	return nil
}

// Submit enqueues id now. A full queue is reported as a system fault and
// nothing is enqueued.
func (p *Pool) Submit(ctx context.Context, id string) error {
	if err := p.queue.Enqueue(ctx, id); err != nil {
		if errors.Is(err, ErrQueueFull) {
			p.metrics.QueueRejected()
		}
		return err
	}
	p.observeDepth(ctx)
	return nil
}

// SubmitAfter enqueues id once at has passed. If the queue is full at that
// time it tries again every resubmit interval until the pool stops.
func (p *Pool) SubmitAfter(id string, at time.Time) {
	p.schedule(id, at.Sub(p.now()))
}

// Deferred returns the number of submissions waiting on a timer.
func (p *Pool) Deferred() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Stop cancels the workers and pending timers and waits for in-flight
// executions to return, or for ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for key, t := range p.timers {
		t.Stop()
		delete(p.timers, key)
	}
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "scheduler: waiting for workers")
	}
}

func (p *Pool) schedule(id string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.seq++
	key := p.seq
	p.timers[key] = time.AfterFunc(delay, func() { p.fire(key, id) })
}

func (p *Pool) fire(key uint64, id string) {
	p.mu.Lock()
	delete(p.timers, key)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if err := p.Submit(p.ctx, id); err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Warn("deferred submit failed, re-arming",
			zap.String("execution_id", id),
			zap.Duration("retry_in", p.resubmit),
			zap.Error(err))
		p.schedule(id, p.resubmit)
	}
}

func (p *Pool) work(workerID string) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("worker_id", workerID))
	for {
		id, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			logger.Error("dequeue", zap.Error(err))
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.resubmit):
			}
			continue
		}
		p.observeDepth(p.ctx)
		p.run(logger, id)
		if err := p.queue.Ack(context.Background(), id); err != nil {
			logger.Error("ack", zap.String("execution_id", id), zap.Error(err))
		}
	}
}

func (p *Pool) run(logger *zap.Logger, id string) {
	p.metrics.WorkerBusy()
	defer p.metrics.WorkerIdle()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("processor panicked",
				zap.String("execution_id", id),
				zap.Any("panic", r),
				zap.Stack("stack"))
			if h, ok := p.proc.(PanicHandler); ok {
				h.HandlePanic(context.Background(), id, r)
			}
		}
	}()
	// In-flight executions finish their current step after Stop.
	if err := p.proc.Process(context.WithoutCancel(p.ctx), id); err != nil {
		lvl := logger.Warn
		if fault.Is(err, fault.KindSystem) {
			lvl = logger.Error
		}
		lvl("process execution", zap.String("execution_id", id), zap.Error(err))
	}
}

func (p *Pool) observeDepth(ctx context.Context) {
	if n, err := p.queue.Len(ctx); err == nil {
		p.metrics.QueueDepth(n)
	}
}
