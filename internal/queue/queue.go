package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/pipeline/internal/errs"
)

// Queue combines the work queue, assigner, PR-review gate, and worker
// registry behind a single mutex. Operations under the lock are short
// and non-blocking; network I/O never happens inside the critical
// section. A Store mirrors every mutation for durability across
// restarts.
type Queue struct {
	mu      sync.Mutex
	store   *Store
	items   []WorkItem
	prs     []PREntry
	workers []WorkerRecord
	gate    GateConfig
	logger  *slog.Logger
}

// Open loads existing state from store and returns a ready Queue.
func Open(store *Store, gate GateConfig, logger *slog.Logger) (*Queue, error) {
	items, err := store.LoadWorkItems()
	if err != nil {
		return nil, err
	}
	prs, err := store.LoadPREntries()
	if err != nil {
		return nil, err
	}
	workers, err := store.LoadWorkers()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, items: items, prs: prs, workers: workers, gate: gate, logger: logger}, nil
}

func (q *Queue) findItem(repository string, issueNumber int) int {
	for i := range q.items {
		if q.items[i].Repository == repository && q.items[i].IssueNumber == issueNumber {
			return i
		}
	}
	return -1
}

// Enqueue adds an item for (repository, issueNumber) if one is not
// already tracked. Idempotent; returns whether a new item was added.
func (q *Queue) Enqueue(repository string, issueNumber int, title, body string, labels []string, featureBranch string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if idx := q.findItem(repository, issueNumber); idx != -1 {
		return false, nil
	}

	now := time.Now()
	item := WorkItem{
		ID:            uuid.NewString(),
		Repository:    repository,
		IssueNumber:   issueNumber,
		Title:         title,
		Body:          body,
		Labels:        labels,
		FeatureBranch: featureBranch,
		State:         WorkItemPending,
		DiscoveredAt:  now,
		UpdatedAt:     now,
	}
	if err := q.store.UpsertWorkItem(item); err != nil {
		return false, err
	}
	q.items = append(q.items, item)
	return true, nil
}

// GateStatus returns the current PR-review gate status, as served by the
// /pr-review/status endpoint.
func (q *Queue) GateStatus() GateStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return EvaluateGate(q.prs, q.gate)
}

// NextFor atomically selects the oldest pending item (FIFO by discovery
// time, lower issue number breaking ties), transitions it to in_progress,
// and returns it. When the PR-review gate blocks, no item is returned
// and the status carries the blocking reason.
func (q *Queue) NextFor(workerID string) (*WorkItem, GateStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := EvaluateGate(q.prs, q.gate)
	if status.Blocked {
		return nil, status, nil
	}

	candidates := make([]int, 0, len(q.items))
	for i := range q.items {
		if q.items[i].State == WorkItemPending {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, status, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		ia, ib := q.items[candidates[a]], q.items[candidates[b]]
		if ia.DiscoveredAt.Equal(ib.DiscoveredAt) {
			return ia.IssueNumber < ib.IssueNumber
		}
		return ia.DiscoveredAt.Before(ib.DiscoveredAt)
	})

	idx := candidates[0]
	now := time.Now()
	q.items[idx].State = WorkItemInProgress
	q.items[idx].AssignedWorker = workerID
	q.items[idx].AssignedAt = now
	q.items[idx].UpdatedAt = now
	if err := q.store.UpsertWorkItem(q.items[idx]); err != nil {
		return nil, status, err
	}

	q.touchWorkerLocked(workerID, q.items[idx].IssueNumber)

	item := q.items[idx]
	return &item, status, nil
}

// ReportSuccess transitions the item to completed and registers a PR
// entry. Idempotent: reporting success for an already-completed issue
// succeeds without mutation, and a report from a worker that no longer
// owns the item (e.g. its earlier failure report already returned the
// item to pending) is logged and ignored rather than completing work it
// no longer holds.
func (q *Queue) ReportSuccess(workerID string, repository string, issueNumber int, prURL string, prNumber int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.findItem(repository, issueNumber)
	if idx == -1 {
		return fmt.Errorf("no work item tracked for %s#%d", repository, issueNumber)
	}
	if q.items[idx].State == WorkItemCompleted {
		return nil
	}
	if q.items[idx].State != WorkItemInProgress || q.items[idx].AssignedWorker != workerID {
		q.logger.Warn("ReportSuccess from non-owning worker, ignored",
			"repository", repository, "issue", issueNumber, "worker", workerID, "state", q.items[idx].State)
		return nil
	}

	now := time.Now()
	q.items[idx].State = WorkItemCompleted
	q.items[idx].UpdatedAt = now
	if err := q.store.UpsertWorkItem(q.items[idx]); err != nil {
		return err
	}

	entry := PREntry{IssueNumber: issueNumber, PRNumber: prNumber, State: PRPending, OpenedAt: now, LastEventAt: now}
	if err := q.store.UpsertPREntry(entry); err != nil {
		return err
	}
	q.prs = append(q.prs, entry)

	q.completeWorkerLocked(workerID, true)
	return nil
}

// ReportFailure applies the failure-classification policy: transient
// errors return the item to pending with attempt unchanged; retriable
// errors increment attempt, returning to pending only while attempt <=
// maxAttempts; anything else (or retriable exhaustion) moves the item to
// failed. Reports from a worker that no longer owns the item are logged
// and ignored.
func (q *Queue) ReportFailure(workerID string, repository string, issueNumber int, kind errs.Kind, detail string, maxAttempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.findItem(repository, issueNumber)
	if idx == -1 {
		q.logger.Warn("ReportFailure for untracked item", "repository", repository, "issue", issueNumber, "worker", workerID)
		return nil
	}
	if q.items[idx].AssignedWorker != workerID {
		q.logger.Warn("ReportFailure from non-owning worker, ignored", "repository", repository, "issue", issueNumber, "worker", workerID)
		return nil
	}

	now := time.Now()
	switch {
	case kind.Transient():
		q.items[idx].State = WorkItemPending
		q.items[idx].AssignedWorker = ""
	case kind.Retriable():
		q.items[idx].Attempt++
		if q.items[idx].Attempt <= maxAttempts {
			q.items[idx].State = WorkItemPending
			q.items[idx].AssignedWorker = ""
		} else {
			q.items[idx].State = WorkItemFailed
		}
	default:
		q.items[idx].State = WorkItemFailed
	}
	q.items[idx].UpdatedAt = now
	if err := q.store.UpsertWorkItem(q.items[idx]); err != nil {
		return err
	}

	q.completeWorkerLocked(workerID, false)
	return nil
}

// ExpireStaleAssignments returns any in_progress item whose assigned
// worker has not been seen within timeout to pending, attempt unchanged.
func (q *Queue) ExpireStaleAssignments(now time.Time, timeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	workerLastSeen := make(map[string]time.Time, len(q.workers))
	for _, w := range q.workers {
		workerLastSeen[w.WorkerID] = w.LastSeen
	}

	expired := 0
	for i := range q.items {
		if q.items[i].State != WorkItemInProgress {
			continue
		}
		seen, ok := workerLastSeen[q.items[i].AssignedWorker]
		if ok && now.Sub(seen) <= timeout {
			continue
		}
		q.items[i].State = WorkItemPending
		q.items[i].AssignedWorker = ""
		q.items[i].UpdatedAt = now
		if err := q.store.UpsertWorkItem(q.items[i]); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// MarkApproved, MarkChangesRequested, and MarkMerged advance a tracked
// PR's review state. Unknown PR numbers are a no-op plus a warning.
func (q *Queue) MarkApproved(prNumber int) error { return q.transitionPR(prNumber, PRApproved) }
func (q *Queue) MarkChangesRequested(prNumber int) error {
	return q.transitionPR(prNumber, PRChangesRequested)
}
func (q *Queue) MarkMerged(prNumber int) error { return q.transitionPR(prNumber, PRMerged) }

func (q *Queue) transitionPR(prNumber int, state PRState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.prs {
		if q.prs[i].PRNumber == prNumber {
			q.prs[i].State = state
			q.prs[i].LastEventAt = time.Now()
			return q.store.UpsertPREntry(q.prs[i])
		}
	}
	q.logger.Warn("PR transition for unknown PR number", "pr_number", prNumber, "target_state", state)
	return nil
}

// RegisterWorker creates or refreshes a worker's registry record.
func (q *Queue) RegisterWorker(workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for i := range q.workers {
		if q.workers[i].WorkerID == workerID {
			q.workers[i].LastSeen = now
			return q.store.UpsertWorker(q.workers[i])
		}
	}
	rec := WorkerRecord{WorkerID: workerID, LastSeen: now, RegisteredAt: now}
	q.workers = append(q.workers, rec)
	return q.store.UpsertWorker(rec)
}

// touchWorkerLocked refreshes last_seen and, when issueNumber >= 0, the
// worker's current assignment. Callers must hold q.mu.
func (q *Queue) touchWorkerLocked(workerID string, issueNumber int) {
	now := time.Now()
	for i := range q.workers {
		if q.workers[i].WorkerID == workerID {
			q.workers[i].LastSeen = now
			if issueNumber >= 0 {
				q.workers[i].CurrentIssue = issueNumber
			}
			_ = q.store.UpsertWorker(q.workers[i])
			return
		}
	}
	rec := WorkerRecord{WorkerID: workerID, LastSeen: now, RegisteredAt: now}
	if issueNumber >= 0 {
		rec.CurrentIssue = issueNumber
	}
	q.workers = append(q.workers, rec)
	_ = q.store.UpsertWorker(rec)
}

func (q *Queue) completeWorkerLocked(workerID string, success bool) {
	for i := range q.workers {
		if q.workers[i].WorkerID == workerID {
			q.workers[i].CurrentIssue = 0
			if success {
				q.workers[i].CompletedCount++
			} else {
				q.workers[i].FailedCount++
			}
			_ = q.store.UpsertWorker(q.workers[i])
			return
		}
	}
}

// Workers returns a snapshot of all known worker records, for GET
// /workers.
func (q *Queue) Workers() []WorkerRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]WorkerRecord, len(q.workers))
	copy(out, q.workers)
	return out
}

// Snapshot returns copies of the pending, in_progress, and completed
// work items, for GET /queue.
func (q *Queue) Snapshot() (pending, inProgress, completed []WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		switch item.State {
		case WorkItemPending:
			pending = append(pending, item)
		case WorkItemInProgress:
			inProgress = append(inProgress, item)
		case WorkItemCompleted:
			completed = append(completed, item)
		}
	}
	return pending, inProgress, completed
}

// PREntries returns a snapshot of all PR Entries, for GET /pr-review/status.
func (q *Queue) PREntries() []PREntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PREntry, len(q.prs))
	copy(out, q.prs)
	return out
}
