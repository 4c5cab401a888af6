package orchestratorsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayforge/pipeline/internal/issuepoller"
	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/queue"
)

// fakePlatform is a minimal platform.Client fake; only ListIssuesByLabel is
// exercised by the poller loop under test.
type fakePlatform struct {
	issues []platform.Issue
}

func (f *fakePlatform) ListIssuesByLabel(ctx context.Context, owner, repo, label string, excludeLabels []string) ([]platform.Issue, error) {
	return f.issues, nil
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

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	q := newTestQueue(t)
	plt := &fakePlatform{issues: []platform.Issue{{Number: 1, Title: "fix it"}}}
	poller := &issuepoller.Poller{Client: plt, Queue: q, Repositories: []string{"acme/widgets"}}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	svc := &Service{
		Queue:                   q,
		Poller:                  poller,
		HTTPServer:              &http.Server{Addr: "127.0.0.1:0", Handler: mux},
		PollInterval:            50 * time.Millisecond,
		StaleAssignmentInterval: 20 * time.Millisecond,
		StaleAssignmentTimeout:  time.Hour,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned an error on clean shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	pending, _, _ := q.Snapshot()
	if len(pending) != 1 {
		t.Fatalf("expected the poller to have enqueued 1 item before shutdown, got %d", len(pending))
	}
}

func TestRunStaleAssignmentSweepReclaimsExpiredAssignments(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue("acme/widgets", 1, "t", "b", nil, "feature/issue-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, _, err := q.NextFor("w1"); err != nil {
		t.Fatalf("NextFor: %v", err)
	}

	mux := http.NewServeMux()
	svc := &Service{
		Queue:                   q,
		HTTPServer:              &http.Server{Addr: "127.0.0.1:0", Handler: mux},
		StaleAssignmentInterval: 10 * time.Millisecond,
		StaleAssignmentTimeout:  -time.Second, // already expired as soon as the sweep runs
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	<-errCh

	pending, inProgress, _ := q.Snapshot()
	if len(pending) != 1 || len(inProgress) != 0 {
		t.Fatalf("expected the stale assignment to be reclaimed back to pending, got pending=%d inProgress=%d", len(pending), len(inProgress))
	}
}
