package publish

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/relayforge/pipeline/internal/pipeline"
	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/workspace"
)

// fakePlatform records the pull request it was asked to open and answers
// RemoteBranchExists from a fixed set, mirroring the hand-rolled fakes used
// throughout internal/pipeline's own tests.
type fakePlatform struct {
	existingBranches map[string]bool
	createdHead      string
	createdBase      string
	prURL            string
}

func (f *fakePlatform) ListIssuesByLabel(ctx context.Context, owner, repo, label string, excludeLabels []string) ([]platform.Issue, error) {
	return nil, nil
}
func (f *fakePlatform) AddLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error {
	return nil
}
func (f *fakePlatform) RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error {
	return nil
}
func (f *fakePlatform) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) error {
	return nil
}
func (f *fakePlatform) CloseIssue(ctx context.Context, owner, repo string, issueNumber int) error {
	return nil
}
func (f *fakePlatform) CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (int, string, error) {
	f.createdHead, f.createdBase = head, base
	return 1, f.prURL, nil
}
func (f *fakePlatform) RemoteBranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	return f.existingBranches[branch], nil
}

func initBareOriginWithBranches(t *testing.T, branches ...string) string {
	t.Helper()
	seed := t.TempDir()
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run(seed, "init", "-b", "main")
	run(seed, "config", "user.email", "seed@example.com")
	run(seed, "config", "user.name", "seed")
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(seed, "add", "-A")
	run(seed, "commit", "-m", "initial commit")
	for _, b := range branches {
		run(seed, "checkout", "-b", b)
		run(seed, "checkout", "main")
	}

	bare := t.TempDir() + "-bare.git"
	run("", "clone", "--bare", seed, bare)
	return bare
}

func acquireTesterWorkspace(t *testing.T, origin string, issueNumber int) *workspace.Workspace {
	t.Helper()
	root := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := workspace.NewManager(root, &workspace.Git{}, "bot", "bot@example.com")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ws, err := mgr.Acquire(context.Background(), issueNumber, origin)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	git := ws.Git()
	if err := git.CreateBranch(context.Background(), ws.Path, workspace.BranchArchitect, workspace.BranchMain); err != nil {
		t.Fatalf("creating architect branch: %v", err)
	}
	if err := git.CreateBranch(context.Background(), ws.Path, workspace.BranchSecurity, workspace.BranchArchitect); err != nil {
		t.Fatalf("creating security branch: %v", err)
	}
	if err := git.CreateBranch(context.Background(), ws.Path, workspace.BranchTester, workspace.BranchSecurity); err != nil {
		t.Fatalf("creating tester branch: %v", err)
	}
	if err := git.Checkout(context.Background(), ws.Path, workspace.BranchTester); err != nil {
		t.Fatalf("checking out tester: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "result.txt"), []byte("done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = ws.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v: %s", err, out)
	}
	cmd = exec.Command("git", "commit", "-m", "tester work")
	cmd.Dir = ws.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v: %s", err, out)
	}
	return ws
}

func TestPublishUsesPreferredBaseWhenPresentOnRemote(t *testing.T) {
	origin := initBareOriginWithBranches(t, "staging")
	ws := acquireTesterWorkspace(t, origin, 1)

	plt := &fakePlatform{existingBranches: map[string]bool{"staging": true}, prURL: "https://example.invalid/pr/1"}
	pub := &Publisher{Client: plt, PreferredBase: "staging"}

	ref := pipeline.IssueRef{Repository: "acme/widgets", Number: 1}
	url, number, err := pub.Publish(context.Background(), ws, ref, "feature/issue-1", "title", "body")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if url != plt.prURL {
		t.Fatalf("expected PR URL %q, got %q", plt.prURL, url)
	}
	if number == 0 {
		t.Fatal("expected the created PR's number to be returned")
	}
	if plt.createdBase != "staging" {
		t.Fatalf("expected base branch 'staging', got %q", plt.createdBase)
	}
	if plt.createdHead != "feature/issue-1" {
		t.Fatalf("expected head branch 'feature/issue-1', got %q", plt.createdHead)
	}
}

func TestPublishFallsBackToMainWhenPreferredBaseMissing(t *testing.T) {
	origin := initBareOriginWithBranches(t)
	ws := acquireTesterWorkspace(t, origin, 2)

	plt := &fakePlatform{existingBranches: map[string]bool{}}
	pub := &Publisher{Client: plt, PreferredBase: "staging"}

	ref := pipeline.IssueRef{Repository: "acme/widgets", Number: 2}
	if _, _, err := pub.Publish(context.Background(), ws, ref, "feature/issue-2", "title", "body"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if plt.createdBase != "main" {
		t.Fatalf("expected fallback to 'main', got %q", plt.createdBase)
	}
}

func TestPublishRejectsMalformedRepository(t *testing.T) {
	origin := initBareOriginWithBranches(t)
	ws := acquireTesterWorkspace(t, origin, 3)

	pub := &Publisher{Client: &fakePlatform{}}
	ref := pipeline.IssueRef{Repository: "not-a-valid-repo-id", Number: 3}
	if _, _, err := pub.Publish(context.Background(), ws, ref, "feature/issue-3", "title", "body"); err == nil {
		t.Fatal("expected an error for a malformed repository identifier")
	}
}
