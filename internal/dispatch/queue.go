// Package dispatch moves signed events from request handling to relay I/O.
//
// Delivery is at-least-once: a job whose events reached no relay is retried
// after a delay until MaxAttempts. Republishing an already-signed event is
// harmless because relays deduplicate by id.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/types"
)

var (
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrQueueClosed = errors.New("dispatch queue closed")
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_dispatch_jobs_total",
			Help: "Dispatch jobs by result.",
		},
		[]string{"result"},
	)
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_dispatch_queue_depth",
		Help: "Jobs waiting in the in-memory dispatch queue.",
	})
)

func init() {
	prometheus.MustRegister(jobsTotal, queueDepth)
}

// Broadcaster is implemented by *broadcast.Broadcaster.
type Broadcaster interface {
	Broadcast(ctx context.Context, events []types.Event) ([]types.BroadcastResult, error)
}

// Queue accepts signed events for asynchronous broadcast.
type Queue interface {
	Enqueue(ctx context.Context, events []types.Event) error
	Start(ctx context.Context) error
	Close()
}

// Job is one unit of dispatch work.
type Job struct {
	ID         string        `json:"id"`
	Events     []types.Event `json:"events"`
	Attempt    int           `json:"attempt"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

func newJob(events []types.Event) Job {
	return Job{
		ID:         uuid.NewString(),
		Events:     events,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Options configures a queue.
type Options struct {
	Capacity    int
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	// JobTimeout bounds one broadcast of a job.
	JobTimeout time.Duration
	// DrainTimeout bounds how long Close keeps handling queued jobs.
	DrainTimeout time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Capacity:     1024,
		Workers:      1,
		MaxAttempts:  3,
		RetryDelay:   30 * time.Second,
		JobTimeout:   30 * time.Second,
		DrainTimeout: 20 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Capacity <= 0 {
		o.Capacity = def.Capacity
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = def.JobTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	return o
}

// process broadcasts a job and returns the events that reached no relay
// and should be retried.
func process(ctx context.Context, b Broadcaster, job Job, timeout time.Duration) []types.Event {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := b.Broadcast(ctx, job.Events)
	if err != nil {
		// Invalid events are not retried.
		jobsTotal.WithLabelValues("invalid").Inc()
		slog.Error("dispatch job rejected", "job_id", job.ID, "error", err)
		return nil
	}

	var retry []types.Event
	for i, res := range results {
		if ok, _, _ := res.Counts(); ok == 0 {
			retry = append(retry, job.Events[i])
		}
	}
	if len(retry) == 0 {
		jobsTotal.WithLabelValues("delivered").Inc()
	}
	return retry
}

// MemoryQueue is a bounded in-process queue.
type MemoryQueue struct {
	b    Broadcaster
	opts Options

	ch      chan Job
	closed  int32
	stop    chan struct{}
	drainBy time.Time
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewMemoryQueue creates a queue feeding b.
func NewMemoryQueue(b Broadcaster, opts Options) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		b:    b,
		opts: opts,
		ch:   make(chan Job, opts.Capacity),
		stop: make(chan struct{}),
	}
}

// Enqueue adds the events as one job. It never blocks: a full queue
// returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(_ context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	return q.push(newJob(events))
}

func (q *MemoryQueue) push(job Job) error {
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		queueDepth.Inc()
		slog.Debug("job enqueued", "job_id", job.ID, "events", len(job.Events), "attempt", job.Attempt)
		return nil
	default:
		jobsTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Start launches the workers. They run until ctx is done or Close.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return nil
	}
	q.started = true

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			q.drain(ctx)
			return
		default:
		}
		select {
		case job := <-q.ch:
			queueDepth.Dec()
			q.handle(ctx, job)
		case <-q.stop:
			q.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain handles jobs still queued at Close until the queue is empty or the
// drain deadline passes.
func (q *MemoryQueue) drain(ctx context.Context) {
	for time.Now().Before(q.drainBy) && ctx.Err() == nil {
		select {
		case job := <-q.ch:
			queueDepth.Dec()
			q.handle(ctx, job)
		default:
			return
		}
	}
}

func (q *MemoryQueue) handle(ctx context.Context, job Job) {
	retry := process(ctx, q.b, job, q.opts.JobTimeout)
	if len(retry) == 0 {
		return
	}
	if job.Attempt >= q.opts.MaxAttempts {
		jobsTotal.WithLabelValues("abandoned").Inc()
		slog.Error("dispatch job abandoned", "job_id", job.ID, "attempts", job.Attempt,
			"undelivered", len(retry), "first_event", nostr.ShortID(retry[0].ID))
		return
	}

	next := Job{ID: job.ID, Events: retry, Attempt: job.Attempt + 1, EnqueuedAt: job.EnqueuedAt}
	jobsTotal.WithLabelValues("retried").Inc()
	slog.Warn("dispatch job reached no relay, retrying", "job_id", job.ID, "attempt", job.Attempt, "retry_in", q.opts.RetryDelay)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-time.After(q.opts.RetryDelay):
		case <-q.stop:
			slog.Warn("dispatch retry dropped at shutdown", "job_id", next.ID, "attempt", next.Attempt)
			return
		case <-ctx.Done():
			return
		}
		if err := q.push(next); err != nil {
			slog.Error("dispatch retry dropped", "job_id", next.ID, "error", err)
		}
	}()
}

// Len returns the number of jobs waiting.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs, lets the workers handle what is already
// queued for up to DrainTimeout, and waits for them. Jobs left after the
// deadline, and retries not yet due, are dropped.
func (q *MemoryQueue) Close() {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return
	}
	q.drainBy = time.Now().Add(q.opts.DrainTimeout)
	close(q.stop)
	q.wg.Wait()
	if n := len(q.ch); n > 0 {
		slog.Warn("dispatch queue closed with pending jobs", "jobs", n)
	}
}
