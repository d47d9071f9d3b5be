package scan

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/logger"
)

// Service ties admission, the registry, and the driver together behind the
// API the gateway consumes.
type Service struct {
	validator *Validator
	registry  *Registry
	driver    *Driver
	log       *zap.SugaredLogger
}

// NewService wires a service from an admission policy and a scanning agent.
func NewService(policy Policy, agent Agent, maxDuration time.Duration) (*Service, error) {
	validator, err := NewValidator(policy)
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	return &Service{
		validator: validator,
		registry:  registry,
		driver:    NewDriver(registry, validator, agent, maxDuration),
		log:       logger.ComponentLogger("scan"),
	}, nil
}

// Validator exposes the admission gate, mainly so config hot reload can
// swap policies.
func (s *Service) Validator() *Validator {
	return s.validator
}

// CreateScan admits and registers a new scan job. The job is created but
// not dispatched; StartScan launches it.
func (s *Service) CreateScan(ctx context.Context, caller, target, repoURL, instructions string) (Job, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Job{}, errors.Wrap(ErrInvalidTarget, "target is required")
	}
	if err := s.validator.Admit(ctx, caller, target, repoURL, instructions); err != nil {
		return Job{}, err
	}
	return s.registry.Create(target, repoURL, instructions), nil
}

// StartScan dispatches a created job to the driver.
func (s *Service) StartScan(id string) error {
	return s.driver.Start(id)
}

// CancelScan requests cancellation of a job.
func (s *Service) CancelScan(id string) error {
	return s.driver.Cancel(id)
}

// GetScan returns a snapshot of one job.
func (s *Service) GetScan(id string) (Job, error) {
	return s.registry.Get(id)
}

// ListScans returns snapshots of all jobs, oldest first.
func (s *Service) ListScans() []Job {
	return s.registry.List()
}

// SubscribeScan attaches to a job's event stream with full replay.
func (s *Service) SubscribeScan(id string) (*Subscription, error) {
	return s.registry.Subscribe(id)
}

// ScanHistory returns the events published for a job so far.
func (s *Service) ScanHistory(id string) ([]Event, error) {
	return s.registry.History(id)
}

// Shutdown cancels all running scans and waits for them to settle.
func (s *Service) Shutdown() {
	s.log.Infow("Shutting down scan service")
	s.driver.Stop()
}
