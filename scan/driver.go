package scan

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/logger"
)

// ErrAgentStart marks failures where the scanner process never came up, as
// opposed to a scanner that started and then died. Agents wrap their launch
// errors with it so failure reasons can distinguish the two.
var ErrAgentStart = errors.New("scanner failed to start")

// ScanRequest is the input handed to the scanning agent for one job.
type ScanRequest struct {
	ID           string
	Target       string
	RepoURL      string
	Instructions string
}

// Emitter receives the agent's callbacks while a scan runs. Implementations
// are safe for use from the agent's goroutines; calls after the scan settles
// are dropped.
type Emitter interface {
	Progress(message string)
	Vulnerability(f Finding)
}

// Agent runs one scan against a target. It reports progress and findings
// through the emitter, returns the run summary on success, and returns an
// error when the scanner failed. Agents must honor ctx cancellation.
type Agent interface {
	Scan(ctx context.Context, req ScanRequest, emit Emitter) (summary string, err error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, req ScanRequest, emit Emitter) (string, error)

func (f AgentFunc) Scan(ctx context.Context, req ScanRequest, emit Emitter) (string, error) {
	return f(ctx, req, emit)
}

// Driver owns scan execution: one cancellable task per started job,
// supervising the agent and translating its callbacks into registry
// transitions. Whatever the agent does, every started job settles in
// exactly one terminal state.
type Driver struct {
	registry  *Registry
	validator *Validator
	agent     Agent
	log       *zap.SugaredLogger

	// maxDuration bounds a single scan. Zero means unbounded.
	maxDuration time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// progressLog throttles per-event progress logging so chatty scanners
	// do not flood the log.
	progressLog rate.Sometimes
}

// NewDriver builds a driver over the given registry and agent.
func NewDriver(registry *Registry, validator *Validator, agent Agent, maxDuration time.Duration) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		registry:    registry,
		validator:   validator,
		agent:       agent,
		log:         logger.ComponentLogger("driver"),
		maxDuration: maxDuration,
		baseCtx:     ctx,
		cancel:      cancel,
		progressLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Start dispatches a created job: the target is re-validated, the job moves
// to running, and a supervising task takes over. Start returns once the task
// is launched; completion arrives through the job's event stream.
func (d *Driver) Start(id string) error {
	taskCtx, taskCancel := context.WithCancel(d.baseCtx)

	if err := d.registry.begin(id, taskCancel); err != nil {
		taskCancel()
		return err
	}

	job, err := d.registry.Get(id)
	if err != nil {
		taskCancel()
		return err
	}

	d.wg.Add(1)
	go d.run(taskCtx, taskCancel, job)

	d.log.Infow("Scan dispatched",
		logger.FieldScanID, id,
		logger.FieldTarget, job.Target,
	)
	return nil
}

// Cancel requests cancellation. Jobs that never ran settle immediately;
// running jobs settle when their task observes the cancelled context.
// Settled jobs return ErrAlreadyTerminal.
func (d *Driver) Cancel(id string) error {
	settled, err := d.registry.requestCancel(id)
	if err != nil {
		return err
	}
	if !settled {
		d.log.Infow("Cancellation requested", logger.FieldScanID, id)
	}
	return nil
}

// Stop cancels every running task and waits for them to settle.
func (d *Driver) Stop() {
	d.cancel()
	d.wg.Wait()
}

// run supervises one scan task from dispatch to terminal state.
func (d *Driver) run(ctx context.Context, cancel context.CancelFunc, job Job) {
	defer d.wg.Done()
	defer cancel()

	if d.maxDuration > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, d.maxDuration)
		defer tcancel()
	}

	// Tag the task context so log lines written downstream, the agent's
	// included, carry the scan ID.
	ctx = logger.WithScanID(ctx, job.ID)

	// The admission check ran when the job was created; rerun the network
	// placement check now so a target re-pointed at an internal address in
	// the meantime never gets scanned.
	if err := d.validator.CheckTarget(ctx, job.Target); err != nil {
		d.settleFailure(ctx, job.ID, errors.Wrap(err, "target no longer admissible"))
		return
	}

	req := ScanRequest{
		ID:           job.ID,
		Target:       job.Target,
		RepoURL:      job.RepoURL,
		Instructions: job.Instructions,
	}
	summary, err := d.supervise(ctx, req)

	switch {
	case err == nil:
		if err := d.registry.complete(job.ID, summary); err != nil {
			d.log.Errorw("Failed to record completion",
				logger.FieldScanID, job.ID,
				logger.FieldError, err,
			)
		}
	default:
		d.settleFailure(ctx, job.ID, err)
	}
}

// supervise invokes the agent with panic containment. A panicking scanner
// settles the job as failed instead of taking the process down.
func (d *Driver) supervise(ctx context.Context, req ScanRequest) (summary string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("scanner panicked: %v", p)
			d.log.Errorw("Scanner panic recovered",
				logger.FieldScanID, req.ID,
				logger.FieldError, err,
			)
		}
	}()
	emit := &taskEmitter{driver: d, ctx: ctx, scanID: req.ID}
	return d.agent.Scan(ctx, req, emit)
}

// settleFailure records the terminal state for an unsuccessful run:
// cancelled when the task context was cancelled, failed when the scan hit
// its deadline or the scanner itself errored.
func (d *Driver) settleFailure(ctx context.Context, id string, cause error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if err := d.registry.fail(id, "scan exceeded maximum duration"); err != nil {
			d.log.Errorw("Failed to record timeout",
				logger.FieldScanID, id,
				logger.FieldError, err,
			)
		}
		return
	}
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		if err := d.registry.settleCancelled(id); err != nil {
			d.log.Errorw("Failed to record cancellation",
				logger.FieldScanID, id,
				logger.FieldError, err,
			)
		}
		return
	}

	reason := cause.Error()
	if errors.Is(cause, ErrAgentStart) {
		d.log.Errorw("Scanner did not start",
			logger.FieldScanID, id,
			logger.FieldError, cause,
		)
	}
	if err := d.registry.fail(id, reason); err != nil {
		d.log.Errorw("Failed to record failure",
			logger.FieldScanID, id,
			logger.FieldError, err,
		)
	}
}

// taskEmitter funnels agent callbacks into the registry. Once the task
// context is cancelled the emitter goes quiet so no events trail a
// cancellation.
type taskEmitter struct {
	driver *Driver
	ctx    context.Context
	scanID string
}

func (e *taskEmitter) Progress(message string) {
	if e.ctx.Err() != nil {
		return
	}
	if err := e.driver.registry.progress(e.scanID, message); err != nil {
		return
	}
	e.driver.progressLog.Do(func() {
		e.driver.log.Debugw("Scan progress",
			logger.FieldScanID, e.scanID,
			"message", message,
		)
	})
}

func (e *taskEmitter) Vulnerability(f Finding) {
	if e.ctx.Err() != nil {
		return
	}
	if f.FoundAt.IsZero() {
		f.FoundAt = time.Now()
	}
	f.Severity = NormalizeSeverity(f.Severity)
	if err := e.driver.registry.addFinding(e.scanID, f); err != nil {
		return
	}
	e.driver.log.Infow("Vulnerability reported",
		logger.FieldScanID, e.scanID,
		logger.FieldSeverity, f.Severity,
		"title", f.Title,
	)
}
