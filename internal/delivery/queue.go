package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gradaccess/internal/metrics"
)

var (
	// ErrQueueClosed is returned when enqueueing after a run has finished.
	ErrQueueClosed = errors.New("delivery queue closed")
	// ErrQueueFull is returned when the main queue has no free slot.
	ErrQueueFull = errors.New("delivery queue full")
)

// Job is one recipient's pending delivery.
type Job struct {
	StudentID   int64
	Recipients  []string
	FirstName   string
	LastName    string
	Payload     []byte
	Attempts    int
	MaxAttempts int
}

// Source supplies jobs, renders them into messages and records success.
type Source interface {
	Name() string
	Pending(ctx context.Context) ([]*Job, error)
	Compose(ctx context.Context, job *Job) (*Message, error)
	MarkDelivered(ctx context.Context, job *Job, at time.Time) error
}

// Config tunes batching, pacing and retries.
type Config struct {
	BatchSize       int
	RatePerMinute   int
	MaxAttempts     int
	Capacity        int
	CollectWindow   time.Duration
	IdleWait        time.Duration
	MonitorInterval time.Duration
	RunTimeout      time.Duration
	// DryRun sends through the transport but never marks anything delivered.
	DryRun bool
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.CollectWindow <= 0 {
		c.CollectWindow = time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 5 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
}

// Pace is the pause after a full batch: 60/rate seconds per message.
func (c Config) Pace() time.Duration {
	return time.Minute / time.Duration(c.RatePerMinute) * time.Duration(c.BatchSize)
}

// Failure names a recipient that was dropped after its last attempt.
type Failure struct {
	StudentID int64  `json:"student_id"`
	Error     string `json:"error"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued       int   `json:"queued"`
	FailedQueued int   `json:"failed_queued"`
	Sent         int64 `json:"sent"`
	Failed       int64 `json:"failed"`
}

// Queue delivers jobs from a Source through a Transport with one consuming
// worker. Failed sends wait in a separate queue until RequeueFailed moves
// them back.
type Queue struct {
	source    Source
	transport Transport
	cfg       Config
	logger    logrus.FieldLogger
	now       func() time.Time

	jobs   chan *Job
	failed chan *Job
	// wake is poked whenever a job reaches a terminal state.
	wake chan struct{}

	sent        atomic.Int64
	failedCount atomic.Int64
	outstanding atomic.Int64
	closed      atomic.Bool

	mu       sync.Mutex
	failures []Failure
}

// NewQueue creates a queue for one delivery run.
func NewQueue(source Source, transport Transport, cfg Config, logger logrus.FieldLogger) *Queue {
	cfg.defaults()
	return &Queue{
		source:    source,
		transport: transport,
		cfg:       cfg,
		logger:    logger.WithField("source", source.Name()),
		now:       time.Now,
		jobs:      make(chan *Job, cfg.Capacity),
		failed:    make(chan *Job, cfg.Capacity),
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue adds a job. It fails fast when the queue is full or closed.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	q.outstanding.Add(1)
	select {
	case q.jobs <- job:
		return nil
	default:
		q.outstanding.Add(-1)
		return ErrQueueFull
	}
}

// LoadPending pulls every eligible recipient from the source into the queue.
func (q *Queue) LoadPending(ctx context.Context) (int, error) {
	pending, err := q.source.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending %s: %w", q.source.Name(), err)
	}
	for i, job := range pending {
		if err := q.Enqueue(ctx, job); err != nil {
			return i, fmt.Errorf("enqueue student %d: %w", job.StudentID, err)
		}
	}
	q.logger.WithField("count", len(pending)).Info("pending deliveries loaded")
	return len(pending), nil
}

// Stats reports queue sizes and counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Queued:       len(q.jobs),
		FailedQueued: len(q.failed),
		Sent:         q.sent.Load(),
		Failed:       q.failedCount.Load(),
	}
}

// Failures returns the permanently failed recipients so far.
func (q *Queue) Failures() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Failure(nil), q.failures...)
}

// RequeueFailed moves waiting retries back to the main queue.
func (q *Queue) RequeueFailed() int {
	moved := 0
	for {
		select {
		case job := <-q.failed:
			select {
			case q.jobs <- job:
				moved++
			default:
				q.failed <- job
				return moved
			}
		default:
			return moved
		}
	}
}

// Run consumes jobs until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	for {
		batch := q.collect(ctx)
		if ctx.Err() != nil {
			for _, job := range batch {
				q.retry(job, ctx.Err())
			}
			return
		}
		if len(batch) == 0 {
			if !sleep(ctx, q.cfg.IdleWait) {
				return
			}
			continue
		}
		q.deliver(ctx, batch)
		if len(batch) == q.cfg.BatchSize {
			if !sleep(ctx, q.cfg.Pace()) {
				return
			}
		}
	}
}

// collect takes up to BatchSize jobs, returning early when the window closes.
func (q *Queue) collect(ctx context.Context) []*Job {
	batch := make([]*Job, 0, q.cfg.BatchSize)
	window := time.NewTimer(q.cfg.CollectWindow)
	defer window.Stop()
	for len(batch) < q.cfg.BatchSize {
		select {
		case job := <-q.jobs:
			batch = append(batch, job)
		case <-window.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (q *Queue) deliver(ctx context.Context, batch []*Job) {
	session, err := q.transport.Dial(ctx)
	if err != nil {
		q.logger.WithError(err).WithField("batch", len(batch)).Warn("transport dial failed")
		for _, job := range batch {
			q.retry(job, err)
		}
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			q.logger.WithError(err).Debug("session close")
		}
	}()

	for _, job := range batch {
		msg, err := q.source.Compose(ctx, job)
		if err != nil {
			q.retry(job, fmt.Errorf("compose: %w", err))
			continue
		}
		if err := session.Send(ctx, msg); err != nil {
			q.retry(job, fmt.Errorf("send: %w", err))
			continue
		}
		if !q.cfg.DryRun {
			if err := q.source.MarkDelivered(ctx, job, q.now()); err != nil {
				q.logger.WithError(err).WithField("student_id", job.StudentID).Error("sent but not recorded")
			}
		}
		q.sent.Add(1)
		metrics.DeliverySent.WithLabelValues(q.source.Name()).Inc()
		q.logger.WithFields(logrus.Fields{"student_id": job.StudentID, "attempt": job.Attempts + 1}).Debug("delivered")
		q.settle()
	}
}

// retry counts a failed attempt and parks the job for another try, or drops
// it once the ceiling is reached.
func (q *Queue) retry(job *Job, cause error) {
	job.Attempts++
	log := q.logger.WithError(cause).WithFields(logrus.Fields{"student_id": job.StudentID, "attempt": job.Attempts})
	if job.Attempts < job.MaxAttempts {
		select {
		case q.failed <- job:
			metrics.DeliveryRetried.WithLabelValues(q.source.Name()).Inc()
			log.Warn("delivery failed, will retry")
			return
		default:
		}
	}
	q.failedCount.Add(1)
	metrics.DeliveryFailed.WithLabelValues(q.source.Name()).Inc()
	q.mu.Lock()
	q.failures = append(q.failures, Failure{StudentID: job.StudentID, Error: cause.Error()})
	q.mu.Unlock()
	log.Error("delivery failed permanently")
	q.settle()
}

func (q *Queue) settle() {
	q.outstanding.Add(-1)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Summary reports a Dispatch run.
type Summary struct {
	Total    int       `json:"total"`
	Sent     int64     `json:"sent_count"`
	Failed   int64     `json:"failed_count"`
	Failures []Failure `json:"failures,omitempty"`
	Stats    Stats     `json:"stats"`
	TimedOut bool      `json:"timed_out,omitempty"`
}

// ProgressFunc receives settled and total counts during Dispatch.
type ProgressFunc func(done, total int)

// Dispatch runs a complete delivery: it starts the worker, loads pending
// jobs, moves retries back on every monitor tick and stops once nothing is
// outstanding or the run timeout passes.
func (q *Queue) Dispatch(ctx context.Context, progress ProgressFunc) (Summary, error) {
	runCtx, cancel := context.WithTimeout(ctx, q.cfg.RunTimeout)
	defer cancel()
	workerCtx, stopWorker := context.WithCancel(runCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(workerCtx)
	}()
	stop := func() {
		stopWorker()
		wg.Wait()
		q.closed.Store(true)
	}

	total, err := q.LoadPending(runCtx)
	if err != nil {
		stop()
		return Summary{Total: total}, err
	}

	ticker := time.NewTicker(q.cfg.MonitorInterval)
	defer ticker.Stop()
	timedOut := false
wait:
	for q.outstanding.Load() > 0 {
		select {
		case <-runCtx.Done():
			timedOut = ctx.Err() == nil
			break wait
		case <-ticker.C:
			if n := q.RequeueFailed(); n > 0 {
				q.logger.WithField("count", n).Info("retries requeued")
			}
			if progress != nil {
				progress(int(q.sent.Load()+q.failedCount.Load()), total)
			}
		case <-q.wake:
		}
	}
	stop()

	sum := Summary{
		Total:    total,
		Sent:     q.sent.Load(),
		Failed:   q.failedCount.Load(),
		Failures: q.Failures(),
		Stats:    q.Stats(),
		TimedOut: timedOut,
	}
	if progress != nil {
		progress(int(sum.Sent+sum.Failed), total)
	}
	if timedOut {
		q.logger.WithField("outstanding", q.outstanding.Load()).Warn("delivery run hit its timeout")
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
