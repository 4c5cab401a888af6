package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// The fixed branch names used by the pipeline inside a workspace.
const (
	BranchMain      = "main"
	BranchArchitect = "architect"
	BranchSecurity  = "security"
	BranchTester    = "tester"
)

// defaultForbiddenPrefixes are system directories a workspace root must
// never resolve inside.
var defaultForbiddenPrefixes = []string{"/etc", "/usr", "/bin", "/sbin", "/boot", "/sys", "/proc", "/root"}

// Manager resolves and validates the workspace root, acquires one
// workspace per work item, and releases it on every exit path.
type Manager struct {
	// Logger receives the temp-root warning from Acquire; nil falls back
	// to slog.Default.
	Logger *slog.Logger

	git               *Git
	root              string
	forbiddenPrefixes []string
	tempRootPrefix    string
	authorName        string
	authorEmail       string
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// NewManager validates root against the forbidden-prefix set and
// constructs a Manager rooted there. Rejection here is a fatal startup
// error; the caller must not degrade to a different root.
func NewManager(root string, git *Git, authorName, authorEmail string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	if abs == "/" {
		return nil, fmt.Errorf("workspace root resolves to the filesystem root")
	}
	for _, prefix := range defaultForbiddenPrefixes {
		if abs == prefix || strings.HasPrefix(abs, strings.TrimSuffix(prefix, "/")+"/") {
			return nil, fmt.Errorf("workspace root %q resolves inside forbidden prefix %q", abs, prefix)
		}
	}
	return &Manager{
		git:               git,
		root:              abs,
		forbiddenPrefixes: defaultForbiddenPrefixes,
		tempRootPrefix:    os.TempDir(),
		authorName:        authorName,
		authorEmail:       authorEmail,
	}, nil
}

// Workspace is an acquired, isolated directory owned by one worker for
// one work item's lifetime. Source-control commands inside it are
// serialized by the owning worker.
type Workspace struct {
	// Path is the absolute directory for this work item's clone.
	Path string
	// IssueNumber is the owning issue number.
	IssueNumber int
	git         *Git
}

// pathFor returns <root>/issue-<N>.
func (m *Manager) pathFor(issueNumber int) string {
	return filepath.Join(m.root, fmt.Sprintf("issue-%d", issueNumber))
}

// Acquire creates (or reuses, if already cloned) the workspace for
// issueNumber, cloning repoURL into it and configuring commit identity.
// Resources are considered acquired once this returns successfully; the
// caller must call Release on every exit path, success or failure. A
// workspace inside the system temp root is allowed but warned about,
// since temp cleaners can destroy it mid-pipeline.
func (m *Manager) Acquire(ctx context.Context, issueNumber int, repoURL string) (*Workspace, error) {
	if repoURL == "" {
		return nil, fmt.Errorf("repository URL not supplied: distributed operation always supplies a clone URL; this is a startup configuration error")
	}

	path := m.pathFor(issueNumber)
	if m.InTempRoot(issueNumber) {
		m.logger().Warn("workspace resolves inside the system temp root", "path", path, "issue", issueNumber)
	}
	if _, err := os.Stat(path); err == nil {
		return &Workspace{Path: path, IssueNumber: issueNumber, git: m.git}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace parent directory: %w", err)
	}

	if err := m.git.Clone(ctx, repoURL, path); err != nil {
		return nil, fmt.Errorf("cloning %s into workspace: %w", repoURL, err)
	}
	if err := m.git.ConfigIdentity(ctx, path, m.authorName, m.authorEmail); err != nil {
		return nil, fmt.Errorf("configuring commit identity: %w", err)
	}
	if err := m.git.Checkout(ctx, path, BranchMain); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", BranchMain, err)
	}

	return &Workspace{Path: path, IssueNumber: issueNumber, git: m.git}, nil
}

// InTempRoot reports whether the workspace path resolves inside the
// system's temporary directory.
func (m *Manager) InTempRoot(issueNumber int) bool {
	path := m.pathFor(issueNumber)
	return strings.HasPrefix(path, strings.TrimSuffix(m.tempRootPrefix, "/")+"/")
}

// Release destroys the workspace directory. Called on every pipeline
// exit path, including panic recovery further up the call stack.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	return os.RemoveAll(ws.Path)
}

// PrepareBranchFresh ensures name exists, cut from from, destroying any
// prior branch first. Used to recreate security/tester on each revision
// so downstream stages never inherit stale state.
func (ws *Workspace) PrepareBranchFresh(ctx context.Context, name, from string) error {
	if err := ws.git.Checkout(ctx, ws.Path, from); err != nil {
		return fmt.Errorf("checking out parent branch %s: %w", from, err)
	}
	if err := ws.git.DeleteBranch(ctx, ws.Path, name, true); err != nil {
		return fmt.Errorf("deleting stale branch %s: %w", name, err)
	}
	if err := ws.git.CreateBranch(ctx, ws.Path, name, from); err != nil {
		return fmt.Errorf("creating branch %s from %s: %w", name, from, err)
	}
	return ws.git.Checkout(ctx, ws.Path, name)
}

// EnsureArchitectBranch creates architect from main if it doesn't
// already exist (first iteration), or recreates it from main and reports
// recovery if it is unexpectedly missing on a revision. firstIteration
// distinguishes the two cases for logging; the git-level behavior
// (create iff absent) is identical either way.
func (ws *Workspace) EnsureArchitectBranch(ctx context.Context, firstIteration bool) (recreated bool, err error) {
	exists, err := ws.git.BranchExists(ctx, ws.Path, BranchArchitect)
	if err != nil {
		return false, err
	}
	if exists {
		return false, ws.git.Checkout(ctx, ws.Path, BranchArchitect)
	}
	if err := ws.git.Checkout(ctx, ws.Path, BranchMain); err != nil {
		return false, err
	}
	if err := ws.git.CreateBranch(ctx, ws.Path, BranchArchitect, BranchMain); err != nil {
		return false, err
	}
	return !firstIteration, ws.git.Checkout(ctx, ws.Path, BranchArchitect)
}

// CommitsSinceParent reports whether branch has any commit not on
// parent. The pipeline uses it between phases to catch silent agent
// failures that produced no commits.
func (ws *Workspace) CommitsSinceParent(ctx context.Context, branch, parent string) (bool, error) {
	return ws.git.BranchHasCommits(ctx, ws.Path, branch, parent)
}

// Git exposes the underlying Git operations for callers (e.g. the
// Publisher) that need direct access beyond the workspace-lifecycle
// helpers above.
func (ws *Workspace) Git() *Git { return ws.git }
