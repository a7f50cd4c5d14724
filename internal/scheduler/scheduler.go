// Package scheduler drives reconciliation passes over all enabled targets
// on an interval, honoring pause/resume, run-once and dry-run controls.
// It is the sole owner of "is a pass for target T currently running".
package scheduler

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/oxsync/oxsyncd/internal/config"
	"github.com/oxsync/oxsyncd/internal/git"
	"github.com/oxsync/oxsyncd/internal/metrics"
	"github.com/oxsync/oxsyncd/internal/status"
	"github.com/oxsync/oxsyncd/internal/sync"
)

// ClientFactory builds the git client for a target's checkout.
type ClientFactory func(t *config.Target) git.Client

// DefaultClientFactory shells out to the git binary with the configured
// timeout and retry settings.
func DefaultClientFactory(cfg *config.Config, logger *slog.Logger) ClientFactory {
	return func(t *config.Target) git.Client {
		return git.NewShellClient(t.RepoPath, git.Options{
			Timeout:    time.Duration(cfg.GitTimeoutSeconds) * time.Second,
			RetryCount: cfg.GitRetryCount,
			RetryDelay: time.Duration(cfg.GitRetryDelaySeconds) * time.Second,
		}, logger)
	}
}

// Scheduler runs one persistent control loop per process.
type Scheduler struct {
	cfg     *config.Config
	targets []config.Target // enabled targets, config order
	recs    map[string]*sync.Reconciler
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       stdsync.Mutex
	inFlight map[string]bool
	wg       stdsync.WaitGroup

	paused     atomic.Bool
	dryRunLive atomic.Bool // config-derived, toggled by the API
	dryRunCLI  bool        // process-lifetime override, always wins

	runOnceCh chan struct{}
}

// New builds a scheduler with one reconciler per enabled target. cliDryRun
// is the process-lifetime dry-run override supplied on the command line.
func New(cfg *config.Config, clients ClientFactory, store *status.Store, history *status.History, m *metrics.Metrics, logger *slog.Logger, cliDryRun bool) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		recs:      make(map[string]*sync.Reconciler),
		metrics:   m,
		logger:    logger,
		inFlight:  make(map[string]bool),
		dryRunCLI: cliDryRun,
		runOnceCh: make(chan struct{}, 1),
	}
	s.dryRunLive.Store(cfg.DryRun)

	for _, t := range cfg.Targets {
		if !t.Enabled {
			logger.Info("target disabled, skipping", "target", t.Name)
			continue
		}
		s.targets = append(s.targets, t)
		s.recs[t.Name] = sync.NewReconciler(cfg, t, clients(&t), store, history, logger)
	}
	return s
}

// Pause stops scheduled ticks from launching passes. In-flight passes run
// to completion.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.logger.Info("scheduling paused")
}

// Resume re-enables scheduled ticks.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.logger.Info("scheduling resumed")
}

// Paused reports whether scheduled ticks are suspended.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// RunOnce requests an immediate out-of-band pass over all enabled targets,
// regardless of the paused flag. The periodic timer is not reset. Requests
// arriving while one is already queued coalesce.
func (s *Scheduler) RunOnce() {
	select {
	case s.runOnceCh <- struct{}{}:
	default:
	}
}

// SetDryRun toggles the config-derived dry-run flag. A command-line
// override is fixed for the process lifetime and is unaffected.
func (s *Scheduler) SetDryRun(enabled bool) { s.dryRunLive.Store(enabled) }

// DryRun reports the config-derived dry-run flag.
func (s *Scheduler) DryRun() bool { return s.dryRunLive.Load() }

// EffectiveDryRun reports whether passes will actually mutate targets.
func (s *Scheduler) EffectiveDryRun() bool { return s.dryRunCLI || s.dryRunLive.Load() }

// Run drives the control loop until ctx is cancelled: startup delay, then
// one pass cycle per interval. On shutdown it stops scheduling and waits
// for in-flight passes to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("START")

	if !sleepCtx(ctx, time.Duration(s.cfg.StartupDelaySeconds)*time.Second) {
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Duration(s.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	if !s.Paused() {
		s.dispatchAll(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down, waiting for in-flight passes")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			if s.Paused() {
				continue
			}
			s.dispatchAll(ctx)
		case <-s.runOnceCh:
			s.logger.Info("run-once requested")
			s.dispatchAll(ctx)
		}
	}
}

// RunAll executes one pass per enabled target sequentially and returns the
// results. Used by the one-shot sync command.
func (s *Scheduler) RunAll(ctx context.Context) []*sync.Result {
	results := make([]*sync.Result, 0, len(s.targets))
	for _, t := range s.targets {
		res := s.recs[t.Name].Run(ctx, s.EffectiveDryRun())
		s.observe(res)
		results = append(results, res)
	}
	return results
}

// dispatchAll launches one concurrent pass per enabled target. A target
// whose previous pass is still running is skipped and logged, never queued.
func (s *Scheduler) dispatchAll(ctx context.Context) {
	dryRun := s.EffectiveDryRun()

	// Passes run to completion even if the loop context is cancelled;
	// per-operation timeouts bound how long that takes.
	passCtx := context.WithoutCancel(ctx)

	for _, t := range s.targets {
		name := t.Name

		s.mu.Lock()
		if s.inFlight[name] {
			s.mu.Unlock()
			s.logger.Warn("previous pass still running, skipping tick", "target", name)
			continue
		}
		s.inFlight[name] = true
		s.mu.Unlock()

		rec := s.recs[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				s.inFlight[name] = false
				s.mu.Unlock()
			}()
			s.observe(rec.Run(passCtx, dryRun))
		}()
	}
}

func (s *Scheduler) observe(res *sync.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObservePass(res.Target, res.Status, res.Duration.Seconds())
	if res.Status == status.StatusOK && !res.DryRun {
		s.metrics.DeploysTotal.WithLabelValues(res.Target).Inc()
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; it reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
