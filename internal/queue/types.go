// Package queue implements the orchestrator's work queue, assigner,
// PR-review gate, and worker registry. All state lives behind a single
// mutex and is mirrored into an embedded SQLite store so in-progress
// assignments survive an orchestrator restart.
package queue

import "time"

// WorkItemState is a work item's lifecycle state.
type WorkItemState string

const (
	WorkItemPending    WorkItemState = "pending"
	WorkItemInProgress WorkItemState = "in_progress"
	WorkItemCompleted  WorkItemState = "completed"
	WorkItemFailed     WorkItemState = "failed"
)

// WorkItem is one pipeline execution targeting one issue.
type WorkItem struct {
	ID             string
	Repository     string
	IssueNumber    int
	Title          string
	Body           string
	Labels         []string
	FeatureBranch  string
	Attempt        int
	State          WorkItemState
	AssignedWorker string
	DiscoveredAt   time.Time
	AssignedAt     time.Time
	UpdatedAt      time.Time
}

// PRState is a tracked pull request's review state. Merged is terminal
// and no longer counted by the gate.
type PRState string

const (
	PRPending           PRState = "pending"
	PRChangesRequested  PRState = "changes_requested"
	PRApproved          PRState = "approved"
	PRMerged            PRState = "merged"
)

// PREntry tracks one published pull request through review.
type PREntry struct {
	IssueNumber int
	PRNumber    int
	State       PRState
	OpenedAt    time.Time
	LastEventAt time.Time
}

// WorkerRecord is the registry entry for one worker process.
type WorkerRecord struct {
	WorkerID         string
	LastSeen         time.Time
	CurrentIssue     int // 0 means none
	RegisteredAt     time.Time
	CompletedCount   int
	FailedCount      int
}
