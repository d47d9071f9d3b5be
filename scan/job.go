// Package scan provides asynchronous security-scan orchestration: the job
// registry and state machine, admission control, the execution driver that
// supervises one scanner task per job, and the per-job event broadcast
// channel.
package scan

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenscan/warden/errors"
)

// Status represents the current state of a scan job
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusCreated, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for absorbing states: no transition leaves them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions is the full edge set of the job state machine.
// created/queued jobs may be cancelled before they ever run, and may fail
// at dispatch time (target no longer admissible, scanner unavailable).
var transitions = map[Status][]Status{
	StatusCreated: {StatusQueued, StatusCancelled, StatusFailed},
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// validTransition reports whether from -> to is an edge of the state machine.
func validTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Finding is one vulnerability reported by the scanner for a job.
type Finding struct {
	ReportID    string    `json:"report_id"`
	Title       string    `json:"title"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	FoundAt     time.Time `json:"found_at"`
}

// NormalizeSeverity lowercases a scanner-reported severity and maps unknown
// values to "info".
func NormalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return "critical"
	case "high":
		return "high"
	case "medium":
		return "medium"
	case "low":
		return "low"
	default:
		return "info"
	}
}

// Job is one request to run the external scanner against a target.
//
// The registry exclusively owns Job records. Everything reachable from a Job
// returned by Get/List is a snapshot copy; live records are only mutated by
// the owning driver task through the registry's transition helpers.
type Job struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	RepoURL      string `json:"repo_url,omitempty"`
	Instructions string `json:"instructions,omitempty"`

	Status   Status    `json:"status"`
	Findings []Finding `json:"findings"`

	// Exactly one of Summary/FailureReason is set, in the matching terminal
	// state. Cancelled leaves both empty.
	Summary       string `json:"summary,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// newJob allocates a job record in the created state.
func newJob(target, repoURL, instructions string) *Job {
	return &Job{
		ID:           uuid.NewString(),
		Target:       target,
		RepoURL:      repoURL,
		Instructions: instructions,
		Status:       StatusCreated,
		Findings:     []Finding{},
		CreatedAt:    time.Now(),
	}
}

// transition moves the job to the given state, enforcing the state machine.
func (j *Job) transition(to Status) error {
	if !validTransition(j.Status, to) {
		return errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", j.Status, to)
	}
	j.Status = to
	return nil
}

// markQueued records admission of the job for dispatch.
func (j *Job) markQueued() error {
	return j.transition(StatusQueued)
}

// markRunning records the start of execution.
func (j *Job) markRunning() error {
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	now := time.Now()
	j.StartedAt = &now
	return nil
}

// appendFinding records a vulnerability. Findings only grow while running.
func (j *Job) appendFinding(f Finding) error {
	if j.Status != StatusRunning {
		return errors.Wrapf(errors.ErrInvalidTransition, "finding reported while %s", j.Status)
	}
	j.Findings = append(j.Findings, f)
	return nil
}

// complete finalizes the job with the scanner's summary.
func (j *Job) complete(summary string) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	j.Summary = summary
	now := time.Now()
	j.EndedAt = &now
	return nil
}

// fail finalizes the job with a failure reason.
func (j *Job) fail(reason string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.FailureReason = reason
	now := time.Now()
	j.EndedAt = &now
	return nil
}

// cancel finalizes the job as cancelled. Neither summary nor failure reason
// is recorded; subscribers learn termination through the channel's terminal
// marker instead.
func (j *Job) cancel() error {
	if err := j.transition(StatusCancelled); err != nil {
		return err
	}
	now := time.Now()
	j.EndedAt = &now
	return nil
}

// clone returns a deep snapshot copy safe to hand outside the registry.
func (j *Job) clone() Job {
	out := *j
	out.Findings = make([]Finding, len(j.Findings))
	copy(out.Findings, j.Findings)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	return out
}
