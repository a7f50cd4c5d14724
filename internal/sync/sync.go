// Package sync implements the reconciliation pass: the per-target state
// machine that fetches remote state, decides whether a deploy is needed,
// validates the working tree and applies changes to the target directories,
// rolling the checkout back when validation fails.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oxsync/oxsyncd/internal/config"
	"github.com/oxsync/oxsyncd/internal/git"
	"github.com/oxsync/oxsyncd/internal/match"
	"github.com/oxsync/oxsyncd/internal/status"
)

// Reconciler runs passes for a single target. It owns that target's state
// store entry while a pass is in flight; the scheduler guarantees at most
// one pass per target at a time.
type Reconciler struct {
	cfg     *config.Config
	target  config.Target
	git     git.Client
	store   *status.Store
	history *status.History
	logger  *slog.Logger
}

// NewReconciler creates a reconciler for one target.
func NewReconciler(cfg *config.Config, target config.Target, gitClient git.Client, store *status.Store, history *status.History, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		target:  target,
		git:     gitClient,
		store:   store,
		history: history,
		logger:  logger.With(slog.String("target", target.Name)),
	}
}

// Result summarizes one finished pass.
type Result struct {
	Target          string
	Status          string
	Commit          string
	Plan            *Plan
	RevisionChanged bool
	DryRun          bool
	Duration        time.Duration
	Err             error
}

// Run executes one complete pass and records its outcome on the status
// store and, for deployments, the history. dryRun suppresses all target
// filesystem mutation while still producing the plan.
func (r *Reconciler) Run(ctx context.Context, dryRun bool) *Result {
	start := time.Now()
	name := r.target.Name

	r.store.Update(name, func(st *status.TargetState) {
		st.LastRunTime = start.UTC()
	})

	res := &Result{Target: name, DryRun: dryRun}
	err := r.pass(ctx, dryRun, res)
	res.Duration = time.Since(start)
	res.Err = err

	seconds := res.Duration.Seconds()

	if err != nil {
		res.Status = status.StatusError
		code := ExitCode(err)
		msg := err.Error()
		var pe *PassError
		if errors.As(err, &pe) && pe.Err != nil {
			msg = pe.Err.Error()
		}
		r.logger.Error(fmt.Sprintf("ERROR code=%d %s", code, msg))
		r.store.Update(name, func(st *status.TargetState) {
			st.LastStatus = status.StatusError
			st.LastError = msg
			st.LastDurationSeconds = seconds
		})
		return res
	}

	if res.Status == status.StatusNoChange {
		r.store.Update(name, func(st *status.TargetState) {
			st.LastStatus = status.StatusNoChange
			st.LastError = ""
			st.LastCommit = res.Commit
			st.LastDurationSeconds = seconds
		})
		return res
	}

	if res.DryRun {
		// Plan preview only: no deployment happened, so no history record.
		r.store.Update(name, func(st *status.TargetState) {
			st.LastStatus = status.StatusOK
			st.LastError = ""
			st.LastCommit = res.Commit
			st.LastDurationSeconds = seconds
		})
		return res
	}

	// Full success through COMMIT.
	now := time.Now().UTC()
	author, files, ciErr := r.git.CommitInfo(ctx, res.Commit)
	if ciErr != nil {
		r.logger.Warn("failed to read commit info", "error", ciErr)
		author, files = "unknown", nil
	}
	if !res.RevisionChanged {
		// Drift repair: the commit did not change, so record the repaired
		// paths instead of the commit's change list.
		files = res.Plan.Paths()
	}

	r.store.Update(name, func(st *status.TargetState) {
		st.LastStatus = status.StatusOK
		st.LastError = ""
		st.LastCommit = res.Commit
		st.LastDurationSeconds = seconds
		st.LastDeployTime = now
	})
	r.history.Append(status.DeployRecord{
		Target:          name,
		Commit:          res.Commit,
		Author:          author,
		Files:           files,
		DurationSeconds: seconds,
		Timestamp:       now,
	})
	r.logger.Info(fmt.Sprintf("Deployed commit %s", res.Commit))

	return res
}

// pass walks the state machine: CHECK_PATHS, FETCH, DIFF, APPLY, VALIDATE,
// COMMIT. It returns a *PassError classified into the exit-code domain.
func (r *Reconciler) pass(ctx context.Context, dryRun bool, res *Result) error {
	t := &r.target

	// CHECK_PATHS
	var missing []string
	if _, err := os.Stat(t.RepoPath); err != nil {
		missing = append(missing, "RepoPath="+t.RepoPath)
	} else if !r.git.IsRepository() {
		missing = append(missing, "RepoPath missing .git="+t.RepoPath)
	}
	if _, err := os.Stat(t.PluginsTarget); err != nil {
		missing = append(missing, "PluginsTarget="+t.PluginsTarget)
	}
	if _, err := os.Stat(t.ConfigTarget); err != nil {
		missing = append(missing, "ConfigTarget="+t.ConfigTarget)
	}
	if len(missing) > 0 {
		return environmentError("missing paths: %s", strings.Join(missing, "; "))
	}

	// FETCH
	if err := r.git.Fetch(ctx); err != nil {
		return gitError(err)
	}

	// DIFF
	head, err := r.git.HeadRevision(ctx)
	if err != nil {
		return gitError(err)
	}
	remote, err := r.git.RemoteRevision(ctx, r.cfg.BranchFor(t))
	if err != nil {
		return gitError(err)
	}
	res.Commit = remote
	res.RevisionChanged = head != remote

	var plan *Plan
	if res.RevisionChanged {
		// APPLY: advance the checkout; head stays recorded for rollback.
		if err := r.git.HardResetTo(ctx, remote); err != nil {
			return gitError(err)
		}
		plan, err = r.buildPlan()
		if err != nil {
			return copyError(err)
		}
	} else {
		r.logger.Info("No commit diff, verifying hashes")
		plan, err = r.buildPlan()
		if err != nil {
			return copyError(err)
		}
		if plan.Empty() {
			r.logger.Info("No changes")
			res.Status = status.StatusNoChange
			return nil
		}
		// Local drift: target files diverged from the checked-out revision.
		// Overwritten on purpose, not an error.
		create, update, del := plan.Counts()
		r.logger.Info("drift detected", "create", create, "update", update, "delete", del)
	}

	// VALIDATE runs against the working tree, before any target mutation.
	if err := r.validateWorkingTree(); err != nil {
		if res.RevisionChanged {
			if rbErr := r.git.HardResetTo(ctx, head); rbErr != nil {
				r.logger.Error("rollback failed", "revision", head, "error", rbErr)
			} else {
				r.logger.Info("rolled back to previous revision", "revision", head)
			}
		}
		return err
	}

	res.Plan = plan

	// COMMIT, or plan preview under dry-run.
	if dryRun {
		r.logPlan(plan)
		r.logger.Info("dry-run complete, no changes applied")
		res.Status = status.StatusOK
		return nil
	}
	if err := r.applyPlan(plan); err != nil {
		// The checkout already advanced; a copy failure leaves it ahead of
		// the deployed files. Documented behavior, no git rollback.
		return err
	}

	res.Status = status.StatusOK
	return nil
}

// buildPlan computes both tree plans against the current working tree.
func (r *Reconciler) buildPlan() (*Plan, error) {
	t := &r.target
	plan := &Plan{}

	if err := buildTreePlan(&plan.Plugins,
		filepath.Join(t.RepoPath, "plugins"), t.PluginsTarget,
		t.PluginsPattern, t.ExcludePatterns, t.DeleteExtraneous); err != nil {
		return nil, err
	}
	if err := buildTreePlan(&plan.Config,
		filepath.Join(t.RepoPath, "config"), t.ConfigTarget,
		t.ConfigPattern, t.ExcludePatterns, t.DeleteExtraneous); err != nil {
		return nil, err
	}

	return plan, nil
}

// buildTreePlan classifies every matched source file against the
// destination: absent there means create, present with a different content
// hash means update. With deleteExtraneous, matched destination files with
// no source counterpart are planned for deletion.
func buildTreePlan(tree *TreePlan, srcDir, destDir string, includes, excludes []string, deleteExtraneous bool) error {
	srcs, err := match.Collect(srcDir, includes, excludes)
	if err != nil {
		return fmt.Errorf("collecting %s: %w", srcDir, err)
	}
	dests, err := match.Collect(destDir, includes, excludes)
	if err != nil {
		return fmt.Errorf("collecting %s: %w", destDir, err)
	}

	for rel, src := range srcs {
		destPath, ok := dests[rel]
		if !ok {
			tree.Create = append(tree.Create, FileOp{
				Rel:    rel,
				Source: src,
				Dest:   filepath.Join(destDir, filepath.FromSlash(rel)),
			})
			continue
		}
		srcHash, err := fileHash(src)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", src, err)
		}
		destHash, err := fileHash(destPath)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", destPath, err)
		}
		if srcHash != destHash {
			tree.Update = append(tree.Update, FileOp{Rel: rel, Source: src, Dest: destPath})
		}
	}

	if deleteExtraneous {
		for rel, destPath := range dests {
			if _, ok := srcs[rel]; !ok {
				tree.Delete = append(tree.Delete, FileOp{Rel: rel, Dest: destPath})
			}
		}
	}

	tree.sort()
	return nil
}

// validateWorkingTree checks the checkout before anything is copied:
// plugin files must carry an extension allowed by the plugins patterns,
// and every config file must be well-formed JSON.
func (r *Reconciler) validateWorkingTree() error {
	t := &r.target

	exts := patternExtensions(t.PluginsPattern)
	if len(exts) > 0 {
		plugins, err := match.Collect(filepath.Join(t.RepoPath, "plugins"), t.PluginsPattern, t.ExcludePatterns)
		if err != nil {
			return copyError(err)
		}
		for rel := range plugins {
			if !hasAllowedExt(rel, exts) {
				return validationError("plugin %s has disallowed extension (allowed: %s)", rel, strings.Join(exts, ", "))
			}
		}
	}

	configs, err := match.Collect(filepath.Join(t.RepoPath, "config"), t.ConfigPattern, t.ExcludePatterns)
	if err != nil {
		return copyError(err)
	}
	for rel, abs := range configs {
		data, err := os.ReadFile(abs)
		if err != nil {
			return copyError(fmt.Errorf("reading config/%s: %w", rel, err))
		}
		if !json.Valid(data) {
			return validationError("invalid JSON in config/%s", rel)
		}
	}

	return nil
}

// patternExtensions extracts the extensions the include patterns pin down,
// e.g. ["*.cs", "Admin*"] yields [".cs"].
func patternExtensions(patterns []string) []string {
	var exts []string
	for _, p := range patterns {
		ext := filepath.Ext(p)
		if ext != "" && !strings.ContainsAny(ext, "*?[") {
			exts = append(exts, ext)
		}
	}
	return exts
}

func hasAllowedExt(rel string, exts []string) bool {
	ext := filepath.Ext(rel)
	for _, allowed := range exts {
		if ext == allowed {
			return true
		}
	}
	return false
}

// applyPlan copies creates/updates into the targets and removes extraneous
// files. Any failure is a CopyError; the repo checkout is not rolled back.
func (r *Reconciler) applyPlan(plan *Plan) error {
	for _, tree := range []*TreePlan{&plan.Plugins, &plan.Config} {
		for _, op := range tree.Create {
			if err := copyFile(op.Source, op.Dest); err != nil {
				return copyError(fmt.Errorf("create %s: %w", op.Rel, err))
			}
			r.logger.Info("create " + op.Rel)
		}
		for _, op := range tree.Update {
			if err := copyFile(op.Source, op.Dest); err != nil {
				return copyError(fmt.Errorf("update %s: %w", op.Rel, err))
			}
			r.logger.Info("update " + op.Rel)
		}
		for _, op := range tree.Delete {
			if err := os.Remove(op.Dest); err != nil && !os.IsNotExist(err) {
				return copyError(fmt.Errorf("delete %s: %w", op.Rel, err))
			}
			r.logger.Info("Deleted extraneous " + op.Rel)
		}
	}
	return nil
}

// logPlan reports the plan under dry-run instead of applying it.
func (r *Reconciler) logPlan(plan *Plan) {
	for _, tree := range []*TreePlan{&plan.Plugins, &plan.Config} {
		for _, op := range tree.Create {
			r.logger.Info("[dry-run] would create", "path", op.Rel, "dest", op.Dest)
		}
		for _, op := range tree.Update {
			r.logger.Info("[dry-run] would update", "path", op.Rel, "dest", op.Dest)
		}
		for _, op := range tree.Delete {
			r.logger.Info("[dry-run] would delete", "path", op.Rel, "dest", op.Dest)
		}
	}
}

// copyFile copies src to dst atomically: write to a temp file in the
// destination directory, then rename over dst. Parent directories are
// created as needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".oxsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// fileHash computes the SHA256 hash of a file.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
