package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"nostr-bridge/internal/types"
)

// DefaultSubject is the NATS subject jobs are published on.
const DefaultSubject = "nostr.bridge.dispatch"

const queueGroup = "nostr-bridge"

// NATSQueue publishes jobs to a JetStream work-queue stream and consumes
// them through a durable queue subscription, so several bridge processes
// share the work and jobs published while no consumer runs are kept.
// Retries are JetStream redeliveries after RetryDelay.
type NATSQueue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	stream  string
	b       Broadcaster
	opts    Options

	mu       sync.Mutex
	sub      *nats.Subscription
	closed   bool
	closedCh chan struct{}
}

// StreamName derives the JetStream stream name for a subject.
func StreamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_")
	return strings.ToUpper(r.Replace(subject))
}

// NewNATSQueue connects to the NATS server at url and ensures the stream
// backing subject exists.
func NewNATSQueue(url, subject string, b Broadcaster, opts Options) (*NATSQueue, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	closedCh := make(chan struct{})
	nc, err := nats.Connect(url,
		nats.Name("nostr-bridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closedCh)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	stream := StreamName(subject)
	if _, err := js.StreamInfo(stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", stream, err)
		}
		slog.Info("nats stream created", "stream", stream, "subject", subject)
	} else if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream info %s: %w", stream, err)
	}

	return &NATSQueue{
		nc:       nc,
		js:       js,
		subject:  subject,
		stream:   stream,
		b:        b,
		opts:     opts.withDefaults(),
		closedCh: closedCh,
	}, nil
}

// Enqueue publishes the events as one job. The job id doubles as the
// JetStream message id, so a repeated publish is deduplicated.
func (q *NATSQueue) Enqueue(_ context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	job := newJob(events)
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.subject, data, nats.MsgId(job.ID)); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// Start subscribes to the job subject. Messages are handled one at a time
// per process.
func (q *NATSQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub != nil {
		return nil
	}

	sub, err := q.js.QueueSubscribe(q.subject, queueGroup, func(m *nats.Msg) {
		q.handle(ctx, m)
	},
		nats.Durable(queueGroup),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.opts.JobTimeout+10*time.Second),
		nats.MaxDeliver(q.opts.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}
	q.sub = sub
	slog.Info("nats dispatch queue started", "subject", q.subject, "stream", q.stream, "group", queueGroup)
	return nil
}

func (q *NATSQueue) handle(ctx context.Context, m *nats.Msg) {
	job, err := decodeJob(m.Data)
	if err != nil {
		slog.Error("discarding malformed dispatch job", "error", err)
		ackLog(m.Term())
		return
	}
	if meta, err := m.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	retry := process(ctx, q.b, job, q.opts.JobTimeout)
	switch {
	case len(retry) == 0:
		ackLog(m.Ack())
	case job.Attempt >= q.opts.MaxAttempts:
		jobsTotal.WithLabelValues("abandoned").Inc()
		slog.Error("dispatch job abandoned", "job_id", job.ID, "attempts", job.Attempt, "undelivered", len(retry))
		ackLog(m.Term())
	default:
		// Relays deduplicate, so redelivering the whole job is harmless.
		jobsTotal.WithLabelValues("retried").Inc()
		slog.Warn("dispatch job reached no relay, retrying", "job_id", job.ID, "attempt", job.Attempt, "retry_in", q.opts.RetryDelay)
		ackLog(m.NakWithDelay(q.opts.RetryDelay))
	}
}

func ackLog(err error) {
	if err != nil {
		slog.Warn("nats ack failed", "error", err)
	}
}

// Close stops accepting jobs and drains the connection: the job in hand is
// finished and acknowledged, and anything still unacknowledged stays in
// the stream for the next consumer. It waits at most DrainTimeout.
func (q *NATSQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if err := q.nc.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
		q.nc.Close()
		return
	}
	select {
	case <-q.closedCh:
	case <-time.After(q.opts.DrainTimeout):
		slog.Warn("nats drain timed out", "timeout", q.opts.DrainTimeout)
		q.nc.Close()
	}
}

func encodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	if job.ID == "" || len(job.Events) == 0 {
		return Job{}, fmt.Errorf("job missing id or events")
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return job, nil
}
