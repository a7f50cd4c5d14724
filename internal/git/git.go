// Package git wraps the outward-only git operations a sync pass needs:
// fetch, revision lookup and hard reset, all scoped to one local checkout.
// The git binary is invoked as a black box; nothing here merges or commits.
package git

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Kind classifies a git failure.
type Kind int

const (
	// FetchFailed means the fetch exhausted its retries.
	FetchFailed Kind = iota
	// AuthFailure means the remote rejected our credentials. Never retried:
	// retrying without new credentials cannot succeed.
	AuthFailure
	// NotARepository means the repo path has no git metadata directory.
	NotARepository
	// UnknownBranch means origin/<branch> does not exist after a fetch.
	UnknownBranch
	// CommandFailed covers any other git invocation failure.
	CommandFailed
)

func (k Kind) String() string {
	switch k {
	case FetchFailed:
		return "fetch failed"
	case AuthFailure:
		return "authentication failure"
	case NotARepository:
		return "not a repository"
	case UnknownBranch:
		return "unknown branch"
	default:
		return "command failed"
	}
}

// Error is a classified git failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "git: " + e.Kind.String()
	}
	return fmt.Sprintf("git: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client provides git operations against one repository checkout.
type Client interface {
	// Fetch performs an outward-only fetch of the configured remote,
	// retrying transient failures. Authentication failures are returned
	// immediately without retry.
	Fetch(ctx context.Context) error
	// HeadRevision returns the local HEAD commit hash.
	HeadRevision(ctx context.Context) (string, error)
	// RemoteRevision returns the commit hash of origin/<branch>.
	RemoteRevision(ctx context.Context, branch string) (string, error)
	// HardResetTo makes the working tree and index match rev exactly.
	// Resetting to the revision already checked out is a no-op.
	HardResetTo(ctx context.Context, rev string) error
	// CommitInfo returns the author and changed file list of rev.
	CommitInfo(ctx context.Context, rev string) (author string, files []string, err error)
	// IsRepository reports whether the repo path has git metadata.
	IsRepository() bool
}

// Options tunes the shell client's fetch behavior.
type Options struct {
	Timeout    time.Duration // per-invocation bound
	RetryCount int           // total fetch attempts
	RetryDelay time.Duration // fixed delay between fetch attempts
}

// ShellClient implements Client by shelling out to the git command.
type ShellClient struct {
	repoPath string
	opts     Options
	logger   *slog.Logger
}

// NewShellClient creates a git client bound to repoPath.
func NewShellClient(repoPath string, opts Options, logger *slog.Logger) *ShellClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryCount < 1 {
		opts.RetryCount = 1
	}
	return &ShellClient{repoPath: repoPath, opts: opts, logger: logger}
}

// IsRepository reports whether the checkout has a .git metadata directory.
func (c *ShellClient) IsRepository() bool {
	_, err := os.Stat(filepath.Join(c.repoPath, ".git"))
	return err == nil
}

// Fetch fetches the remote with retries and a fixed delay between attempts.
func (c *ShellClient) Fetch(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.RetryCount; attempt++ {
		_, stderr, err := c.run(ctx, "fetch")
		if err == nil {
			return nil
		}
		if isAuthFailure(stderr) {
			return &Error{Kind: AuthFailure, Err: fmt.Errorf("%s: %w", strings.TrimSpace(stderr), err)}
		}
		lastErr = fmt.Errorf("%s: %w", strings.TrimSpace(stderr), err)
		c.logger.Error("git fetch failed",
			"repo", c.repoPath,
			"attempt", attempt,
			"max_attempts", c.opts.RetryCount,
			"error", lastErr)
		if attempt < c.opts.RetryCount {
			select {
			case <-time.After(c.opts.RetryDelay):
			case <-ctx.Done():
				return &Error{Kind: FetchFailed, Err: ctx.Err()}
			}
		}
	}
	return &Error{Kind: FetchFailed, Err: lastErr}
}

// HeadRevision returns the commit hash the working tree is at.
func (c *ShellClient) HeadRevision(ctx context.Context) (string, error) {
	if !c.IsRepository() {
		return "", &Error{Kind: NotARepository, Err: fmt.Errorf("no .git in %s", c.repoPath)}
	}
	out, stderr, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", &Error{Kind: CommandFailed, Err: fmt.Errorf("rev-parse HEAD: %s: %w", strings.TrimSpace(stderr), err)}
	}
	return strings.TrimSpace(out), nil
}

// RemoteRevision returns the commit hash of the remote tracking branch.
func (c *ShellClient) RemoteRevision(ctx context.Context, branch string) (string, error) {
	ref := "origin/" + branch
	out, stderr, err := c.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", &Error{Kind: UnknownBranch, Err: fmt.Errorf("rev-parse %s: %s: %w", ref, strings.TrimSpace(stderr), err)}
	}
	return strings.TrimSpace(out), nil
}

// HardResetTo discards local modifications and moves the checkout to rev.
func (c *ShellClient) HardResetTo(ctx context.Context, rev string) error {
	_, stderr, err := c.run(ctx, "reset", "--hard", rev)
	if err != nil {
		return &Error{Kind: CommandFailed, Err: fmt.Errorf("reset --hard %s: %s: %w", rev, strings.TrimSpace(stderr), err)}
	}
	return nil
}

// CommitInfo returns the author name and changed paths of rev.
func (c *ShellClient) CommitInfo(ctx context.Context, rev string) (string, []string, error) {
	out, stderr, err := c.run(ctx, "show", "--name-only", "--pretty=format:%an", rev)
	if err != nil {
		return "", nil, &Error{Kind: CommandFailed, Err: fmt.Errorf("show %s: %s: %w", rev, strings.TrimSpace(stderr), err)}
	}

	author := "unknown"
	var files []string
	first := true
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first {
			author = line
			first = false
			continue
		}
		files = append(files, line)
	}
	return author, files, nil
}

// run executes one git subcommand under the configured timeout.
func (c *ShellClient) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.repoPath}, args...)...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("timeout after %s", c.opts.Timeout)
	}
	return outBuf.String(), errBuf.String(), err
}

// isAuthFailure sniffs stderr for credential rejections.
func isAuthFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"permission denied (publickey",
		"authentication failed",
		"could not read username",
		"could not read password",
		"invalid credentials",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
