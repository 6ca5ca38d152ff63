// ABOUTME: Background worker that drains handoff queues and expires stale transfers
// ABOUTME: Two tickers drive the engine; Close stops the loop and waits for it

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/store"
)

// SystemUser is the identity the scheduler acts as inside each tenant.
const SystemUser = "system:scheduler"

// Router is the part of the routing engine the scheduler drives.
type Router interface {
	Drain(ctx context.Context, tenantID string) ([]*store.Conversation, error)
	ExpireStaleTransfers(ctx context.Context) (int, error)
}

// TenantSource lists tenants that currently have queued conversations.
type TenantSource interface {
	TenantsWithWaiting(ctx context.Context) ([]string, error)
}

// Options configures a Scheduler.
type Options struct {
	DrainInterval time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Result counts the work done by one pass.
type Result struct {
	Expired  int
	Assigned int
	Tenants  int
}

// Scheduler periodically drains every tenant's queue and sweeps transfers
// that were never accepted.
type Scheduler struct {
	router        Router
	tenants       TenantSource
	drainInterval time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin the background loop.
func New(router Router, tenants TenantSource, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 5 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Scheduler{
		router:        router,
		tenants:       tenants,
		drainInterval: opts.DrainInterval,
		sweepInterval: opts.SweepInterval,
		logger:        opts.Logger.With("component", "scheduler"),
		done:          make(chan struct{}),
	}
}

// Start launches the background loop. It stops when ctx is cancelled or
// Close is called. Calling Start more than once has no effect.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	drain := time.NewTicker(s.drainInterval)
	defer drain.Stop()
	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	s.logger.Info("scheduler started",
		"drain_interval", s.drainInterval,
		"sweep_interval", s.sweepInterval,
	)

	for {
		select {
		case <-sweep.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("transfer sweep failed", "error", err)
			}
		case <-drain.C:
			if _, err := s.DrainAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("queue drain failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "reason", ctx.Err())
			return
		case <-s.done:
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// Sweep expires stale transfers once.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	n, err := s.router.ExpireStaleTransfers(ctx)
	if err != nil {
		return n, fmt.Errorf("expiring transfers: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired stale transfers", "count", n)
	}
	return n, nil
}

// DrainAll drains the queue of every tenant with waiting conversations. A
// failing tenant is logged and does not stop the others.
func (s *Scheduler) DrainAll(ctx context.Context) (Result, error) {
	var res Result
	tenants, err := s.tenants.TenantsWithWaiting(ctx)
	if err != nil {
		return res, fmt.Errorf("listing tenants: %w", err)
	}

	var errs []error
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		n, err := s.DrainTenant(ctx, tenantID)
		if err != nil {
			s.logger.Warn("drain failed", "tenant_id", tenantID, "error", err)
			errs = append(errs, err)
			continue
		}
		res.Tenants++
		res.Assigned += n
	}
	return res, errors.Join(errs...)
}

// DrainTenant drains one tenant's queue acting as SystemUser.
func (s *Scheduler) DrainTenant(ctx context.Context, tenantID string) (int, error) {
	ctx = auth.WithIdentity(ctx, auth.Identity{TenantID: tenantID, UserID: SystemUser})
	assigned, err := s.router.Drain(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("draining tenant %s: %w", tenantID, err)
	}
	if len(assigned) > 0 {
		s.logger.Debug("drained tenant", "tenant_id", tenantID, "assigned", len(assigned))
	}
	return len(assigned), nil
}

// RunOnce sweeps stale transfers and then drains every tenant, so expired
// conversations are offered to other operators in the same pass.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	expired, err := s.Sweep(ctx)
	if err != nil {
		return Result{Expired: expired}, err
	}
	res, err := s.DrainAll(ctx)
	res.Expired = expired
	return res, err
}

// Close stops the background loop and waits for it to exit. It is safe to
// call multiple times.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
