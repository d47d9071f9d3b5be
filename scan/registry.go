package scan

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/logger"
)

// entry pairs a live job record with its event channel. The entry mutex is
// held across every record mutation and the matching event publish, so the
// record never disagrees with the stream: a completion event is appended in
// the same critical section that moves the job to completed.
type entry struct {
	mu      sync.Mutex
	job     *Job
	channel *Channel

	// cancel aborts the driver task while the job runs. Owned by the driver,
	// guarded by mu.
	cancel context.CancelFunc
}

// Registry owns all job records and their event channels. It is the single
// writer for job state; callers outside this package only ever see snapshot
// copies.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	log  *zap.SugaredLogger
}

func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		log:  logger.ComponentLogger("registry"),
	}
}

// Create registers a new job in the created state and returns its snapshot.
func (r *Registry) Create(target, repoURL, instructions string) Job {
	j := newJob(target, repoURL, instructions)
	e := &entry{job: j, channel: newChannel()}

	r.mu.Lock()
	r.jobs[j.ID] = e
	r.mu.Unlock()

	r.log.Infow("Scan job created",
		logger.FieldScanID, j.ID,
		logger.FieldTarget, j.Target,
	)
	return j.clone()
}

// Get returns a snapshot of the job with the given ID.
func (r *Registry) Get(id string) (Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// List returns snapshots of all jobs, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe attaches a consumer to the job's event stream. The subscription
// replays all past events before live ones; for settled jobs it replays the
// full history and ends.
func (r *Registry) Subscribe(id string) (*Subscription, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.channel.Subscribe(), nil
}

// History returns a snapshot of all events published for the job so far.
func (r *Registry) History(id string) ([]Event, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.channel.History(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "scan %s", id)
	}
	return e, nil
}

// The helpers below are the only mutation paths for live jobs. They are
// package private; the driver is their sole caller, which keeps the
// single-writer discipline a compile-time property rather than a convention.

// begin moves a created job through queued into running and installs the
// task's cancel function.
func (r *Registry) begin(id string, cancel context.CancelFunc) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != StatusCreated {
		if e.job.Status.Terminal() {
			return errors.Wrapf(errors.ErrAlreadyTerminal, "scan %s is %s", id, e.job.Status)
		}
		return errors.Wrapf(errors.ErrAlreadyStarted, "scan %s is %s", id, e.job.Status)
	}
	if err := e.job.markQueued(); err != nil {
		return err
	}
	if err := e.job.markRunning(); err != nil {
		return err
	}
	e.cancel = cancel
	return nil
}

// progress publishes a progress event. The record itself does not change,
// but publishing under the entry lock keeps progress ordered against
// findings and terminal events.
func (r *Registry) progress(id, message string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != StatusRunning {
		return errors.Wrapf(errors.ErrInvalidTransition, "progress while %s", e.job.Status)
	}
	e.channel.Publish(progressEvent(message))
	return nil
}

// addFinding appends a finding to the record and publishes the matching
// vulnerability event atomically.
func (r *Registry) addFinding(id string, f Finding) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.job.appendFinding(f); err != nil {
		return err
	}
	e.channel.Publish(vulnerabilityEvent(f))
	return nil
}

// complete settles the job as completed, publishes the completion event with
// the accumulated findings, and closes the stream.
func (r *Registry) complete(id, summary string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.job.complete(summary); err != nil {
		return err
	}
	findings := make([]Finding, len(e.job.Findings))
	copy(findings, e.job.Findings)
	e.channel.Publish(completionEvent(summary, findings))
	e.channel.Close()
	e.cancel = nil

	r.log.Infow("Scan completed",
		logger.FieldScanID, id,
		logger.FieldState, StatusCompleted,
		logger.FieldCount, len(findings),
	)
	return nil
}

// fail settles the job as failed, publishes the failure event, and closes
// the stream.
func (r *Registry) fail(id, reason string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.job.fail(reason); err != nil {
		return err
	}
	e.channel.Publish(failureEvent(reason))
	e.channel.Close()
	e.cancel = nil

	r.log.Warnw("Scan failed",
		logger.FieldScanID, id,
		logger.FieldState, StatusFailed,
		logger.FieldReason, reason,
	)
	return nil
}

// settleCancelled settles the job as cancelled. The stream ends with a
// failure event so subscribers observe termination, but the record keeps
// neither summary nor failure reason.
func (r *Registry) settleCancelled(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.job.cancel(); err != nil {
		return err
	}
	e.channel.Publish(failureEvent("scan cancelled"))
	e.channel.Close()
	e.cancel = nil

	r.log.Infow("Scan cancelled",
		logger.FieldScanID, id,
		logger.FieldState, StatusCancelled,
	)
	return nil
}

// requestCancel implements the cancellation protocol: jobs that never
// started settle immediately, running jobs get their task context cancelled
// and settle when the task observes it, settled jobs report terminal.
// The boolean reports whether the job settled synchronously.
func (r *Registry) requestCancel(id string) (bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.job.Status.Terminal():
		return false, errors.Wrapf(errors.ErrAlreadyTerminal, "scan %s is %s", id, e.job.Status)
	case e.job.Status == StatusRunning:
		if e.cancel != nil {
			e.cancel()
		}
		return false, nil
	default:
		if err := e.job.cancel(); err != nil {
			return false, err
		}
		e.channel.Publish(failureEvent("scan cancelled"))
		e.channel.Close()
		r.log.Infow("Scan cancelled before start", logger.FieldScanID, id)
		return true, nil
	}
}
