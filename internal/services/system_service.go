package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const defaultHealthCacheTTL = 2 * time.Second

// BuildInfo identifies the running binary on both probes.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// CacheTTL reuses a collected report for concurrent and back-to-back probes. Zero selects two seconds;
	// a negative value disables caching.
	CacheTTL time.Duration
}

type systemService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
	ttl    time.Duration

	group  singleflight.Group
	mu     sync.Mutex
	cached *domain.SystemHealthReport
	expiry time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles readiness reporting over the dependency probes.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	ttl := deps.CacheTTL
	if ttl == 0 {
		ttl = defaultHealthCacheTTL
	}

	svc := &systemService{
		probes: deps.HealthRepository,
		now:    func() time.Time { return now().UTC() },
		build:  deps.Build,
		ttl:    ttl,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	return svc, nil
}

// HealthReport probes dependencies, coalescing concurrent callers onto one collection.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, ok := s.fromCache()
	if !ok {
		v, err, _ := s.group.Do("collect", func() (any, error) {
			collected, err := s.probes.Collect(ctx)
			if err != nil {
				return nil, err
			}
			s.store(collected)
			return collected, nil
		})
		if err != nil {
			return SystemHealthReport{}, err
		}
		report = v.(domain.SystemHealthReport)
	}
	return s.decorate(report), nil
}

func (s *systemService) fromCache() (domain.SystemHealthReport, bool) {
	if s.ttl < 0 {
		return domain.SystemHealthReport{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil || !s.now().Before(s.expiry) {
		return domain.SystemHealthReport{}, false
	}
	return *s.cached, true
}

func (s *systemService) store(report domain.SystemHealthReport) {
	if s.ttl < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = &report
	s.expiry = s.now().Add(s.ttl)
}

// decorate stamps build metadata and uptime on a copy of the collected report.
func (s *systemService) decorate(report domain.SystemHealthReport) SystemHealthReport {
	now := s.now()
	checks := make(map[string]domain.SystemHealthCheck, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = check
	}
	report.Checks = checks

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	report.Version = firstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = firstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonEmpty(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Status == "" {
		report.Status = worstStatus(checks)
	}
	return report
}

// worstStatus is error if any check errored, degraded if any check is neither ok nor error, ok otherwise.
func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
