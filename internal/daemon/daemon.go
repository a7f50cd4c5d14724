// Package daemon owns the live configuration and the scheduler lifecycle.
// A config replacement is an atomic swap: the candidate is fully validated,
// the old scheduler is stopped, and a new one starts with the new target
// list while the paused and dry-run flags carry over. A partial or invalid
// config never replaces a valid one.
package daemon

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/oxsync/oxsyncd/internal/config"
	"github.com/oxsync/oxsyncd/internal/logbus"
	"github.com/oxsync/oxsyncd/internal/metrics"
	"github.com/oxsync/oxsyncd/internal/scheduler"
	"github.com/oxsync/oxsyncd/internal/status"
)

// Runtime wires config, status store, history, log bus, metrics and the
// scheduler together and survives config swaps. History and the bus live
// for the whole process; the store and scheduler are rebuilt per config.
type Runtime struct {
	mu         stdsync.Mutex
	configPath string
	cfg        *config.Config
	cfgHash    [32]byte

	store   *status.Store
	history *status.History
	bus     *logbus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	cliDryRun bool

	sched  *scheduler.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuntime creates a runtime around an already-validated config.
func NewRuntime(configPath string, cfg *config.Config, bus *logbus.Bus, m *metrics.Metrics, logger *slog.Logger, cliDryRun bool) *Runtime {
	return &Runtime{
		configPath: configPath,
		cfg:        cfg,
		history:    status.NewHistory(status.DefaultHistoryCapacity),
		bus:        bus,
		metrics:    m,
		logger:     logger,
		cliDryRun:  cliDryRun,
	}
}

// Start builds the store and scheduler from the current config and launches
// the control loop.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startLocked()
}

func (r *Runtime) startLocked() {
	names := make([]string, 0, len(r.cfg.Targets))
	for _, t := range r.cfg.Targets {
		names = append(names, t.Name)
	}
	r.store = status.NewStore(names)
	r.sched = scheduler.New(
		r.cfg,
		scheduler.DefaultClientFactory(r.cfg, r.logger),
		r.store, r.history, r.metrics, r.logger, r.cliDryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	sched := r.sched
	done := r.done
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
}

// Stop shuts the scheduler down and waits for in-flight passes.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Apply atomically replaces the live config: stop the current scheduler,
// rebuild the store and scheduler for the new target list, restart, with
// paused and dry-run flags preserved across the swap.
func (r *Runtime) Apply(newCfg *config.Config) {
	r.mu.Lock()
	sched, cancel, done := r.sched, r.cancel, r.done
	r.mu.Unlock()

	paused := false
	dryRun := false
	if sched != nil {
		paused = sched.Paused()
		dryRun = sched.DryRun()
	}
	if cancel != nil {
		cancel()
		<-done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = newCfg
	r.startLocked()
	if paused {
		r.sched.Pause()
	}
	r.sched.SetDryRun(dryRun)
	r.logger.Info("configuration applied", "targets", len(newCfg.Targets))
}

// SaveConfig validates a candidate document; on success it persists the
// file and applies the new config. The returned error list is non-empty
// exactly when nothing was changed.
func (r *Runtime) SaveConfig(raw []byte) []string {
	cfg, errs := config.Check(raw)
	if len(errs) > 0 {
		return errs
	}

	if err := config.Write(cfg, r.configPath); err != nil {
		return []string{fmt.Sprintf("failed to write config: %v", err)}
	}
	r.setAppliedHash(sha256.Sum256(raw))
	r.Apply(cfg)
	return nil
}

// ReloadFromDisk re-reads the config file, used by the file watcher when
// the document is edited outside the API. Content identical to what is
// already applied is ignored; an invalid file is logged and ignored.
func (r *Runtime) ReloadFromDisk(raw []byte) {
	sum := sha256.Sum256(raw)
	r.mu.Lock()
	same := sum == r.cfgHash
	r.mu.Unlock()
	if same {
		return
	}

	cfg, errs := config.Check(raw)
	if len(errs) > 0 {
		r.logger.Warn("ignoring invalid config edit", "errors", errs)
		return
	}

	r.setAppliedHash(sum)
	r.logger.Info("config file changed on disk, reloading")
	r.Apply(cfg)
}

func (r *Runtime) setAppliedHash(sum [32]byte) {
	r.mu.Lock()
	r.cfgHash = sum
	r.mu.Unlock()
}

// Config returns the live configuration.
func (r *Runtime) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// ConfigPath returns the path of the config document on disk.
func (r *Runtime) ConfigPath() string { return r.configPath }

// Store returns the live status store.
func (r *Runtime) Store() *status.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store
}

// History returns the process-lifetime deploy history.
func (r *Runtime) History() *status.History { return r.history }

// Bus returns the log bus.
func (r *Runtime) Bus() *logbus.Bus { return r.bus }

// Metrics returns the metrics bundle, possibly nil.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Control-plane passthroughs, safe across config swaps.

func (r *Runtime) Pause()   { r.withSched(func(s *scheduler.Scheduler) { s.Pause() }) }
func (r *Runtime) Resume()  { r.withSched(func(s *scheduler.Scheduler) { s.Resume() }) }
func (r *Runtime) RunOnce() { r.withSched(func(s *scheduler.Scheduler) { s.RunOnce() }) }

func (r *Runtime) SetDryRun(enabled bool) {
	r.withSched(func(s *scheduler.Scheduler) { s.SetDryRun(enabled) })
}

// Flags returns the paused flag and the effective dry-run flag.
func (r *Runtime) Flags() (paused, dryRun bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched == nil {
		return false, r.cliDryRun
	}
	return r.sched.Paused(), r.sched.EffectiveDryRun()
}

func (r *Runtime) withSched(fn func(*scheduler.Scheduler)) {
	r.mu.Lock()
	sched := r.sched
	r.mu.Unlock()
	if sched != nil {
		fn(sched)
	}
}
