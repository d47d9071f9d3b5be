// Package agent adapts external scanner processes to the scan.Agent
// interface. The scanner receives the scan request as JSON on stdin and
// reports progress, findings, and its outcome as newline-delimited JSON on
// stdout.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/logger"
	"github.com/wardenscan/warden/scan"
)

// maxLineBytes bounds a single scanner output line. Oversized lines abort
// the scan rather than silently truncating a finding.
const maxLineBytes = 1 << 20

// ExecAgent runs a scanner as a subprocess per scan. On cancellation the
// process gets SIGTERM and a grace period before the kill.
type ExecAgent struct {
	argv  []string
	grace time.Duration
	log   *zap.SugaredLogger
}

// NewExecAgent parses the configured scanner command line. The command is
// shell-quoted, so paths with spaces work: `"/opt/strix scanner" --json`.
func NewExecAgent(command string, grace time.Duration) (*ExecAgent, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid scanner command %q", command)
	}
	if len(argv) == 0 {
		return nil, errors.New("scanner command is empty")
	}
	return &ExecAgent{
		argv:  argv,
		grace: grace,
		log:   logger.ComponentLogger("agent"),
	}, nil
}

// wireRequest is the JSON document handed to the scanner on stdin.
type wireRequest struct {
	ID           string `json:"id"`
	Target       string `json:"target"`
	RepoURL      string `json:"repo_url,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// wireEvent is one NDJSON line of scanner output.
type wireEvent struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	ReportID    string `json:"report_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Scan launches the scanner and streams its output into the emitter. It
// returns the summary from the scanner's completion line, or an error when
// the scanner reports failure, exits without completing, or cannot start.
func (a *ExecAgent) Scan(ctx context.Context, req scan.ScanRequest, emit scan.Emitter) (string, error) {
	log := a.log.With(logger.FieldsFromContext(ctx)...)

	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = a.grace

	input, err := json.Marshal(wireRequest{
		ID:           req.ID,
		Target:       req.Target,
		RepoURL:      req.RepoURL,
		Instructions: req.Instructions,
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding scan request")
	}
	cmd.Stdin = strings.NewReader(string(input) + "\n")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(scan.ErrAgentStart, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(scan.ErrAgentStart, err.Error())
	}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(scan.ErrAgentStart, err.Error())
	}
	log.Infow("Scanner launched", "pid", cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		drainStderr(log, stderr)
	}()

	outcome, streamErr := consume(log, stdout, emit)
	<-stderrDone
	waitErr := cmd.Wait()

	switch {
	case streamErr != nil:
		return "", streamErr
	case outcome.failed:
		return "", errors.Newf("scanner reported failure: %s", outcome.reason)
	case outcome.completed:
		return outcome.summary, nil
	case waitErr != nil:
		return "", errors.Wrap(waitErr, "scanner exited")
	default:
		return "", errors.New("scanner exited without reporting an outcome")
	}
}

type outcome struct {
	completed bool
	failed    bool
	summary   string
	reason    string
}

// consume dispatches NDJSON lines from the scanner's stdout until EOF.
// Lines after a terminal line are ignored; the scanner has already spoken.
func consume(log *zap.SugaredLogger, r io.Reader, emit scan.Emitter) (outcome, error) {
	var out outcome
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || out.completed || out.failed {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Warnw("Unparseable scanner output dropped",
				logger.FieldError, err,
			)
			continue
		}
		switch ev.Type {
		case "progress":
			emit.Progress(ev.Message)
		case "vulnerability":
			emit.Vulnerability(scan.Finding{
				ReportID:    ev.ReportID,
				Title:       ev.Title,
				Severity:    ev.Severity,
				Description: ev.Description,
			})
		case "completion":
			out.completed = true
			out.summary = ev.Summary
		case "failure":
			out.failed = true
			out.reason = ev.Reason
		default:
			log.Warnw("Unknown scanner event type dropped",
				"event_type", ev.Type,
			)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, errors.Wrap(err, "reading scanner output")
	}
	return out, nil
}

// drainStderr forwards scanner diagnostics to the log.
func drainStderr(log *zap.SugaredLogger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		log.Debugw("Scanner stderr", "line", line)
	}
}
