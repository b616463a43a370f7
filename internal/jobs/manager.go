// Package jobs runs long operator-triggered operations in the background
// and tracks their progress in memory.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gradaccess/internal/metrics"
)

// Type selects the handler for a job.
type Type string

const (
	TypeSync                Type = "sync_students"
	TypeGenerateCredentials Type = "generate_qrs"
	TypeSendNotifications   Type = "send_emails"
	TypeSendInvitations     Type = "send_companion_invitations"
	TypeFullPipeline        Type = "full_process"
)

// Types lists every job type in a stable order.
var Types = []Type{TypeSync, TypeGenerateCredentials, TypeSendNotifications, TypeSendInvitations, TypeFullPipeline}

// ParseType validates a wire job type.
func ParseType(s string) (Type, bool) {
	for _, t := range Types {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrNoHandler fails a job whose type has no registered handler.
	ErrNoHandler = errors.New("no handler for job type")
)

// Params are the free-form arguments of a job.
type Params map[string]any

// Job is a point-in-time snapshot of a background operation.
type Job struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	TotalItems     int        `json:"total_items"`
	ProcessedItems int        `json:"processed_items"`
	Params         Params     `json:"parameters,omitempty"`
	Result         any        `json:"result,omitempty"`
	Error          string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Handler performs one job. The returned result is stored even when err is
// non-nil so multi-step handlers can expose what finished.
type Handler func(ctx context.Context, params Params, p *Progress) (any, error)

// Progress lets a running handler report how far it got.
type Progress struct {
	m  *Manager
	id string
}

// Set raises the job's percentage. Lower values are ignored so progress
// never moves backwards; values are capped at 100.
func (p *Progress) Set(pct int) {
	p.m.update(p.id, func(j *Job) {
		if pct > 100 {
			pct = 100
		}
		if pct > j.Progress {
			j.Progress = pct
		}
	})
}

// Items records processed and total item counts.
func (p *Progress) Items(processed, total int) {
	p.m.update(p.id, func(j *Job) {
		j.ProcessedItems = processed
		j.TotalItems = total
	})
}

// Manager owns every job record. All mutation goes through its mutex.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	handlers map[Type]Handler
	logger   logrus.FieldLogger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager with a fixed type to handler table.
func NewManager(handlers map[Type]Handler, logger logrus.FieldLogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		jobs:     make(map[string]*Job),
		handlers: handlers,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create registers a pending job and returns its id.
func (m *Manager) Create(t Type, params Params) string {
	if params == nil {
		params = Params{}
	}
	j := &Job{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()
	m.logger.WithFields(logrus.Fields{"job_id": j.ID, "job_type": t}).Info("job created")
	return j.ID
}

// Start moves a pending job to running and executes it asynchronously.
// It returns false when the job is unknown or not pending.
func (m *Manager) Start(id string) bool {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusPending {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	j.Status = StatusRunning
	j.StartedAt = &now
	handler := m.handlers[j.Type]
	params := j.Params
	t := j.Type
	m.wg.Add(1)
	m.mu.Unlock()

	go m.execute(id, t, handler, params)
	return true
}

func (m *Manager) execute(id string, t Type, handler Handler, params Params) {
	defer m.wg.Done()
	log := m.logger.WithFields(logrus.Fields{"job_id": id, "job_type": t})
	log.Info("job started")
	began := m.now()

	result, err := m.invoke(handler, params, &Progress{m: m, id: id})

	status := StatusCompleted
	m.update(id, func(j *Job) {
		done := m.now()
		j.CompletedAt = &done
		j.Result = result
		if err != nil {
			status = StatusFailed
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusCompleted
		j.Progress = 100
	})
	metrics.JobsTotal.WithLabelValues(string(t), string(status)).Inc()
	metrics.JobDuration.WithLabelValues(string(t)).Observe(m.now().Sub(began).Seconds())
	if err != nil {
		log.WithError(err).Error("job failed")
		return
	}
	log.Info("job completed")
}

func (m *Manager) invoke(handler Handler, params Params, p *Progress) (result any, err error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(m.ctx, params, p)
}

func (m *Manager) update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		fn(j)
	}
}

// Status returns a copy of the job.
func (m *Manager) Status(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return snapshot(j), nil
}

// Cancel succeeds only while the job is pending; running jobs are never
// interrupted.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != StatusPending {
		return false
	}
	now := m.now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	metrics.JobsTotal.WithLabelValues(string(j.Type), string(StatusCancelled)).Inc()
	return true
}

// List returns snapshots of every job, newest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, snapshot(j))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// Cleanup drops terminal jobs that finished more than maxAge ago.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.WithField("removed", removed).Info("old jobs cleaned up")
	}
	return removed
}

// Shutdown waits for running jobs. If they have not finished within
// timeout their context is cancelled so they stop at the next chunk or
// batch boundary, and Shutdown waits once more for the same duration.
func (m *Manager) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-time.After(timeout):
	}
	m.logger.Warn("jobs still running at shutdown, asking them to stop")
	m.cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("jobs did not stop before shutdown timeout")
	}
}

func snapshot(j *Job) Job {
	c := *j
	if j.Params != nil {
		c.Params = make(Params, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return c
}
