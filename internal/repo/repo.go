// Package repo applies commit directives to a git repository, one branch per
// agent. All mutations go through the git CLI; the service never rewrites
// history and never touches branches it did not create.
package repo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/crewline/chorus/internal/directive"
	"github.com/crewline/chorus/internal/sandbox"
)

// Service is the repository mutation capability.
type Service interface {
	// EnsureBranch resolves (creating on first use) the agent's working
	// branch and returns its ref.
	EnsureBranch(ctx context.Context, agentID string) (string, error)
	// Commit applies the directive's file operations as one commit on
	// branchRef and returns a short change ref.
	Commit(ctx context.Context, branchRef string, d *directive.Directive) (string, error)
}

// Verifier runs a command against a workdir before a commit is accepted.
// *sandbox.Runner satisfies it.
type Verifier interface {
	Run(ctx context.Context, workdir, command string) (sandbox.Result, error)
}

// Git implements Service on a single checkout. One working tree serves every
// agent, so all operations serialize on an internal mutex; branch switches
// never interleave.
type Git struct {
	mu sync.Mutex

	path       string
	baseBranch string

	verifier  Verifier
	verifyCmd string
}

// Option configures optional behavior on the service.
type Option func(*Git)

// WithVerifier enables pre-commit verification: cmd runs in v against the
// working tree and a non-zero exit rolls the directive back.
func WithVerifier(v Verifier, cmd string) Option {
	return func(g *Git) {
		g.verifier = v
		g.verifyCmd = cmd
	}
}

// NewGit opens the repository at path. baseBranch is where new agent branches
// fork from; empty means "main".
func NewGit(path, baseBranch string, opts ...Option) (*Git, error) {
	if path == "" {
		return nil, fmt.Errorf("repository path required")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	g := &Git{path: path, baseBranch: baseBranch}
	for _, opt := range opts {
		opt(g)
	}
	if _, err := g.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	return g, nil
}

// BranchFor returns the branch name used for an agent.
func BranchFor(agentID string) string {
	return "chorus/" + strings.ReplaceAll(agentID, " ", "-")
}

// EnsureBranch implements Service.
func (g *Git) EnsureBranch(ctx context.Context, agentID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	branch := BranchFor(agentID)
	if _, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		return branch, nil
	}
	if _, err := g.run(ctx, "branch", branch, g.baseBranch); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	return branch, nil
}

// Commit implements Service. The working tree must be clean going in; on any
// failure after files are written the tree is restored, so a failed directive
// leaves no partial state behind.
func (g *Git) Commit(ctx context.Context, branchRef string, d *directive.Directive) (string, error) {
	if d == nil || len(d.Files) == 0 {
		return "", fmt.Errorf("empty directive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	status, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status != "" {
		return "", fmt.Errorf("working tree not clean, refusing to apply directive")
	}

	if _, err := g.run(ctx, "checkout", branchRef); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branchRef, err)
	}

	if err := g.applyFiles(d.Files); err != nil {
		g.rollback(ctx)
		return "", err
	}

	if g.verifier != nil && g.verifyCmd != "" {
		res, verr := g.verifier.Run(ctx, g.path, g.verifyCmd)
		if verr != nil {
			g.rollback(ctx)
			return "", fmt.Errorf("verification: %w", verr)
		}
		if !res.OK() {
			g.rollback(ctx)
			return "", fmt.Errorf("verification failed (exit %d): %s", res.ExitCode, firstLine(res.Stderr+res.Stdout))
		}
	}

	if _, err := g.run(ctx, "add", "-A"); err != nil {
		g.rollback(ctx)
		return "", err
	}
	if _, err := g.run(ctx,
		"-c", "user.name=chorus",
		"-c", "user.email=chorus@localhost",
		"commit", "-m", d.Message); err != nil {
		g.rollback(ctx)
		return "", err
	}

	ref, err := g.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (g *Git) applyFiles(files []directive.FileChange) error {
	for _, f := range files {
		abs, err := g.resolvePath(f.Path)
		if err != nil {
			return err
		}
		switch f.Operation {
		case directive.OpCreate, directive.OpUpdate:
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return fmt.Errorf("mkdir for %s: %w", f.Path, err)
			}
			if err := os.WriteFile(abs, []byte(f.Content), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", f.Path, err)
			}
		case directive.OpDelete:
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", f.Path, err)
			}
		default:
			return fmt.Errorf("unknown operation %q for %s", f.Operation, f.Path)
		}
	}
	return nil
}

// resolvePath confines a directive path to the repository root.
func (g *Git) resolvePath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path in directive")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes repository", rel)
	}
	return filepath.Join(g.path, clean), nil
}

// rollback restores the pre-directive tree. Safe because Commit requires a
// clean tree before writing anything.
func (g *Git) rollback(ctx context.Context) {
	_, _ = g.run(ctx, "checkout", "--", ".")
	_, _ = g.run(ctx, "clean", "-fd")
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
