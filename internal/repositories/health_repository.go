package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/storefront-labs/orders-api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// Probe checks one dependency for /readyz. A failing optional probe degrades the report; a failing
// required probe errors it.
type Probe struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Run      func(context.Context) error
}

// ProbeOption tunes a probe repository.
type ProbeOption func(*probeRepository)

// WithProbeTimeout sets the timeout for probes that do not declare one.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(r *probeRepository) {
		if timeout > 0 {
			r.fallbackTimeout = timeout
		}
	}
}

// WithProbeClock injects the clock used for latency and timestamps.
func WithProbeClock(now func() time.Time) ProbeOption {
	return func(r *probeRepository) {
		if now != nil {
			r.now = now
		}
	}
}

type probeRepository struct {
	probes          []Probe
	fallbackTimeout time.Duration
	now             func() time.Time
}

var _ HealthRepository = (*probeRepository)(nil)

// NewProbeRepository returns a HealthRepository that runs every probe concurrently on Collect.
func NewProbeRepository(probes []Probe, opts ...ProbeOption) (HealthRepository, error) {
	if len(probes) == 0 {
		return nil, errors.New("health repository: no probes configured")
	}
	seen := make(map[string]struct{}, len(probes))
	for _, p := range probes {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			return nil, errors.New("health repository: probe name is required")
		case p.Run == nil:
			return nil, fmt.Errorf("health repository: probe %q has no run function", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health repository: duplicate probe %q", name)
		}
		seen[name] = struct{}{}
	}

	repo := &probeRepository{
		probes:          append([]Probe(nil), probes...),
		fallbackTimeout: defaultProbeTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *probeRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	// Each goroutine writes only its own slot.
	outcomes := make([]domain.SystemHealthCheck, len(r.probes))
	var g errgroup.Group
	for i := range r.probes {
		i := i
		g.Go(func() error {
			outcomes[i] = r.run(ctx, r.probes[i])
			return nil
		})
	}
	_ = g.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(outcomes)),
		GeneratedAt: r.now(),
	}
	for i, outcome := range outcomes {
		report.Checks[r.probes[i].Name] = outcome
		switch {
		case outcome.Status == domain.HealthStatusError:
			report.Status = domain.HealthStatusError
		case outcome.Status == domain.HealthStatusDegraded && report.Status == domain.HealthStatusOK:
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report, nil
}

func (r *probeRepository) run(ctx context.Context, p Probe) domain.SystemHealthCheck {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = r.fallbackTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.now()
	err := p.Run(probeCtx)
	if err == nil {
		err = probeCtx.Err()
	}
	finished := r.now()

	outcome := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   finished.Sub(started),
		CheckedAt: finished,
	}
	if err == nil {
		return outcome
	}

	outcome.Error = err.Error()
	outcome.Detail = describeProbeError(err)
	outcome.Status = domain.HealthStatusError
	if p.Optional {
		outcome.Status = domain.HealthStatusDegraded
	}
	return outcome
}

func describeProbeError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}
