package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/store"
)

// DefaultSchedule runs housekeeping every ten minutes.
const DefaultSchedule = "@every 10m"

// Store is the persistence swept by maintenance.
type Store interface {
	MarkIdleSessions(ctx context.Context, cutoff time.Time) (int64, error)
	PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)
	OverduePending(ctx context.Context, now time.Time) ([]store.Request, error)
	PruneOrphanChains(ctx context.Context) (int64, error)
}

// Resolver finalizes requests; lifecycle.Manager implements it.
type Resolver interface {
	Resolve(ctx context.Context, id, status, resolvedBy, reason string) (bool, error)
}

// Options configures a Maintainer.
type Options struct {
	Store    Store
	Resolver Resolver
	// Schedule is a cron spec; descriptors like "@every 10m" are accepted.
	Schedule string
	// SessionIdle marks sessions inactive after this long; zero disables.
	SessionIdle time.Duration
	// AuditRetention prunes older audit entries; zero disables.
	AuditRetention time.Duration
	// TimeoutAction settles requests whose waiter is gone.
	TimeoutAction string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Report counts the rows touched by one sweep.
type Report struct {
	IdleSessions int64
	PrunedAudit  int64
	Expired      int64
	OrphanChains int64
}

// Maintainer runs periodic housekeeping.
type Maintainer struct {
	opts     Options
	schedule cronlib.Schedule
}

var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// New validates the schedule and returns a Maintainer.
func New(opts Options) (*Maintainer, error) {
	if opts.Store == nil {
		return nil, errors.New("maintenance store is nil")
	}
	spec := strings.TrimSpace(opts.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", spec, err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TimeoutAction != constants.ActionApprove {
		opts.TimeoutAction = constants.ActionDeny
	}
	return &Maintainer{opts: opts, schedule: schedule}, nil
}

// Next returns the next run after t.
func (m *Maintainer) Next(t time.Time) time.Time {
	return m.schedule.Next(t)
}

// RunOnce performs one sweep. Every step runs; the first error is returned.
func (m *Maintainer) RunOnce(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	now := m.opts.Now()

	if m.opts.SessionIdle > 0 {
		n, err := m.opts.Store.MarkIdleSessions(ctx, now.Add(-m.opts.SessionIdle))
		report.IdleSessions = n
		errs = append(errs, err)
	}
	if m.opts.AuditRetention > 0 {
		n, err := m.opts.Store.PruneAudit(ctx, now.Add(-m.opts.AuditRetention))
		report.PrunedAudit = n
		errs = append(errs, err)
	}

	n, err := m.expireOverdue(ctx, now)
	report.Expired = n
	errs = append(errs, err)

	n, err = m.opts.Store.PruneOrphanChains(ctx)
	report.OrphanChains = n
	errs = append(errs, err)

	if m.opts.Logger != nil {
		m.opts.Logger.Debug("maintenance sweep",
			"idle_sessions", report.IdleSessions,
			"pruned_audit", report.PrunedAudit,
			"expired", report.Expired,
			"orphan_chains", report.OrphanChains,
		)
	}
	return report, errors.Join(errs...)
}

// expireOverdue settles pending requests past their deadline, left behind by
// waiters that exited before the timeout fired.
func (m *Maintainer) expireOverdue(ctx context.Context, now time.Time) (int64, error) {
	if m.opts.Resolver == nil {
		return 0, nil
	}
	overdue, err := m.opts.Store.OverduePending(ctx, now)
	if err != nil {
		return 0, err
	}
	status := constants.StatusFor(m.opts.TimeoutAction)
	var expired int64
	for _, req := range overdue {
		reason := ""
		if status == constants.StatusDenied {
			reason = "expired without a decision"
		}
		changed, err := m.opts.Resolver.Resolve(ctx, req.ID, status, constants.ResolvedByMaintenance, reason)
		if err != nil {
			return expired, fmt.Errorf("expire request %s: %w", req.ID, err)
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// Start schedules sweeps until ctx is cancelled.
func (m *Maintainer) Start(ctx context.Context) {
	c := cronlib.New(cronlib.WithParser(parser))
	c.Schedule(m.schedule, cronlib.FuncJob(func() {
		if _, err := m.RunOnce(ctx); err != nil && m.opts.Logger != nil {
			m.opts.Logger.Warn("maintenance sweep failed", "error", err)
		}
	}))
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}
