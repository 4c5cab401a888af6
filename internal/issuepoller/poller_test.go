package issuepoller

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/queue"
)

// fakePlatform is a hand-rolled platform.Client fake, in the same spirit as
// pipeline's fakePublisher: a real Go value implementing the interface
// rather than a generated mock.
type fakePlatform struct {
	issuesByRepo map[string][]platform.Issue
}

func (f *fakePlatform) ListIssuesByLabel(ctx context.Context, owner, repo, label string, excludeLabels []string) ([]platform.Issue, error) {
	return f.issuesByRepo[owner+"/"+repo], nil
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
	return 0, "", nil
}
func (f *fakePlatform) RemoteBranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	return true, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	store, err := queue.OpenStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q, err := queue.Open(store, queue.GateConfig{MaxPendingPRs: 1}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func TestRunOnceEnqueuesReadyIssuesAcrossRepositories(t *testing.T) {
	plt := &fakePlatform{issuesByRepo: map[string][]platform.Issue{
		"acme/widgets": {{Number: 1, Title: "fix the widget"}},
		"acme/gizmos":  {{Number: 2, Title: "fix the gizmo"}},
	}}
	q := newTestQueue(t)
	p := &Poller{Client: plt, Queue: q, Repositories: []string{"acme/widgets", "acme/gizmos"}}

	p.RunOnce(context.Background())

	pending, _, _ := q.Snapshot()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending work items, got %d", len(pending))
	}
}

func TestRunOnceIsIdempotent(t *testing.T) {
	plt := &fakePlatform{issuesByRepo: map[string][]platform.Issue{
		"acme/widgets": {{Number: 1, Title: "fix the widget"}},
	}}
	q := newTestQueue(t)
	p := &Poller{Client: plt, Queue: q, Repositories: []string{"acme/widgets"}}

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	pending, _, _ := q.Snapshot()
	if len(pending) != 1 {
		t.Fatalf("expected re-scanning to stay idempotent, got %d pending items", len(pending))
	}
}

func TestRunOnceSkipsMalformedRepositoryIdentifiers(t *testing.T) {
	plt := &fakePlatform{}
	q := newTestQueue(t)
	p := &Poller{Client: plt, Queue: q, Repositories: []string{"not-owner-slash-repo"}}

	// Must not panic; the malformed identifier is logged and skipped.
	p.RunOnce(context.Background())

	pending, _, _ := q.Snapshot()
	if len(pending) != 0 {
		t.Fatalf("expected no work items from a malformed repository identifier, got %d", len(pending))
	}
}
