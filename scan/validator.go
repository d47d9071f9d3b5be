package scan

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenscan/warden/config"
	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/logger"
)

// Admission rejection sentinels. The gateway maps these to HTTP statuses.
var (
	ErrInvalidTarget      = errors.New("invalid scan target")
	ErrForbiddenNetwork   = errors.New("target resolves to a forbidden network")
	ErrUnsafeInstructions = errors.New("instructions contain forbidden content")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// Policy is the admission policy for new scans. Zero values fall back to
// the corresponding defaults.
type Policy struct {
	AllowedSchemes            []string
	DeniedInstructionPatterns []string
	MaxInstructionsLength     int
	RepoHostPatterns          []string
	RateLimitRequests         int
	RateLimitWindow           time.Duration
}

// PolicyFromConfig builds a Policy from the admission config section.
func PolicyFromConfig(cfg config.AdmissionConfig) Policy {
	return Policy{
		AllowedSchemes:            cfg.AllowedSchemes,
		DeniedInstructionPatterns: cfg.DeniedInstructionPatterns,
		MaxInstructionsLength:     cfg.MaxInstructionsLength,
		RepoHostPatterns:          cfg.RepoHostPatterns,
		RateLimitRequests:         cfg.RateLimitRequests,
		RateLimitWindow:           time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}
}

// LookupFunc resolves a hostname to its addresses. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// compiledPolicy is a Policy with its pattern lists preprocessed.
type compiledPolicy struct {
	schemes        map[string]struct{}
	denied         []string
	maxInstrLength int
	repoPatterns   []*regexp.Regexp
}

func compilePolicy(p Policy) (compiledPolicy, error) {
	c := compiledPolicy{
		schemes:        make(map[string]struct{}, len(p.AllowedSchemes)),
		maxInstrLength: p.MaxInstructionsLength,
	}
	for _, s := range p.AllowedSchemes {
		c.schemes[strings.ToLower(s)] = struct{}{}
	}
	for _, d := range p.DeniedInstructionPatterns {
		c.denied = append(c.denied, strings.ToLower(d))
	}
	for _, expr := range p.RepoHostPatterns {
		rx, err := regexp.Compile(expr)
		if err != nil {
			return compiledPolicy{}, errors.Wrapf(err, "invalid repo pattern %q", expr)
		}
		c.repoPatterns = append(c.repoPatterns, rx)
	}
	return c, nil
}

// Validator is the admission gate for new scans: target URL shape and
// scheme, target network placement, repository URL format, instruction
// content, and per-caller rate limiting. The policy can be swapped at
// runtime, which is how config hot reload reaches admission control.
type Validator struct {
	mu      sync.RWMutex
	policy  compiledPolicy
	limiter *slidingWindow
	resolve LookupFunc
	log     *zap.SugaredLogger
}

// NewValidator builds a validator for the given policy.
func NewValidator(p Policy) (*Validator, error) {
	compiled, err := compilePolicy(p)
	if err != nil {
		return nil, err
	}
	return &Validator{
		policy:  compiled,
		limiter: newSlidingWindow(p.RateLimitRequests, p.RateLimitWindow),
		resolve: defaultLookup,
		log:     logger.ComponentLogger("validator"),
	}, nil
}

// SetLookup replaces the DNS resolver. Tests use this to pin resolution.
func (v *Validator) SetLookup(fn LookupFunc) {
	v.mu.Lock()
	v.resolve = fn
	v.mu.Unlock()
}

// SetPolicy swaps the admission policy. In-flight rate-limit history is
// kept and re-evaluated against the new limits.
func (v *Validator) SetPolicy(p Policy) error {
	compiled, err := compilePolicy(p)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.policy = compiled
	v.mu.Unlock()
	v.limiter.SetLimits(p.RateLimitRequests, p.RateLimitWindow)

	v.log.Infow("Admission policy updated",
		logger.FieldCount, p.RateLimitRequests,
	)
	return nil
}

// Admit runs the full admission pipeline for a scan request. Content checks
// run before the rate limiter, so malformed requests never consume a
// caller's quota.
func (v *Validator) Admit(ctx context.Context, caller, target, repoURL, instructions string) error {
	if err := v.CheckTarget(ctx, target); err != nil {
		return err
	}
	if err := v.checkRepoURL(repoURL); err != nil {
		return err
	}
	if err := v.checkInstructions(instructions); err != nil {
		return err
	}
	if !v.limiter.Allow(caller) {
		v.log.Warnw("Scan request rate limited", logger.FieldClientID, caller)
		return errors.Wrapf(ErrRateLimited, "caller %s", caller)
	}
	return nil
}

// Remaining reports how many requests the caller's quota still allows.
func (v *Validator) Remaining(caller string) int {
	return v.limiter.Remaining(caller)
}

// CheckTarget validates the target URL's shape and scheme, then resolves
// its hostname and rejects targets placed on forbidden networks. The driver
// re-runs this at dispatch time so DNS rebinding between admission and
// execution is caught.
func (v *Validator) CheckTarget(ctx context.Context, target string) error {
	v.mu.RLock()
	policy := v.policy
	resolve := v.resolve
	v.mu.RUnlock()

	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return errors.Wrap(ErrInvalidTarget, err.Error())
	}
	if _, ok := policy.schemes[strings.ToLower(parsed.Scheme)]; !ok {
		return errors.Wrapf(ErrInvalidTarget, "scheme %q not allowed", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return errors.Wrap(ErrInvalidTarget, "missing hostname")
	}

	// Literal addresses skip DNS but not the network check.
	if addr, err := netip.ParseAddr(host); err == nil {
		if forbiddenAddr(addr) {
			return errors.Wrapf(ErrForbiddenNetwork, "address %s", addr)
		}
		return nil
	}

	addrs, err := resolve(ctx, host)
	if err != nil {
		return errors.Wrapf(ErrInvalidTarget, "hostname %q does not resolve", host)
	}
	for _, addr := range addrs {
		if forbiddenAddr(addr) {
			return errors.Wrapf(ErrForbiddenNetwork, "%s resolves to %s", host, addr)
		}
	}
	return nil
}

// forbiddenAddr reports whether the address sits on a network scans must
// never reach: loopback, RFC 1918 private ranges, link-local, or the
// unspecified address.
func forbiddenAddr(addr netip.Addr) bool {
	a := addr.Unmap()
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsUnspecified()
}

// checkRepoURL validates an optional repository URL against the host
// allow-list. Empty is fine; repositories are an optional scan input.
func (v *Validator) checkRepoURL(repoURL string) error {
	if repoURL == "" {
		return nil
	}
	v.mu.RLock()
	patterns := v.policy.repoPatterns
	v.mu.RUnlock()

	for _, rx := range patterns {
		if rx.MatchString(repoURL) {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTarget, "unsupported repository URL %q", repoURL)
}

// checkInstructions enforces the length cap and the deny-list. Matching is
// case-insensitive substring, mirroring how operators write the list.
func (v *Validator) checkInstructions(instructions string) error {
	if instructions == "" {
		return nil
	}
	v.mu.RLock()
	policy := v.policy
	v.mu.RUnlock()

	if policy.maxInstrLength > 0 && len(instructions) > policy.maxInstrLength {
		return errors.Wrapf(ErrUnsafeInstructions, "instructions exceed %d characters", policy.maxInstrLength)
	}
	lower := strings.ToLower(instructions)
	for _, pattern := range policy.denied {
		if strings.Contains(lower, pattern) {
			return errors.Wrapf(ErrUnsafeInstructions, "forbidden pattern %q", pattern)
		}
	}
	return nil
}
