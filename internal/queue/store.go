package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the embedded persistence layer backing Queue. Work items, PR
// entries, and worker records are upserted row-by-row so a crash between
// writes never corrupts unrelated state, and an orchestrator restart
// recovers in-progress assignments intact.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue store: %w", err)
	}
	// The work queue is accessed through a single in-process mutex
	// (Queue.mu); one open connection is sufficient and avoids SQLite
	// database-is-locked errors under the embedded driver.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS work_items (
	id TEXT PRIMARY KEY,
	repository TEXT NOT NULL,
	issue_number INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	labels TEXT NOT NULL,
	feature_branch TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	state TEXT NOT NULL,
	assigned_worker TEXT NOT NULL DEFAULT '',
	discovered_at DATETIME NOT NULL,
	assigned_at DATETIME,
	updated_at DATETIME NOT NULL,
	UNIQUE(repository, issue_number)
);
CREATE TABLE IF NOT EXISTS pr_entries (
	issue_number INTEGER PRIMARY KEY,
	pr_number INTEGER NOT NULL,
	state TEXT NOT NULL,
	opened_at DATETIME NOT NULL,
	last_event_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
	worker_id TEXT PRIMARY KEY,
	last_seen DATETIME NOT NULL,
	current_issue INTEGER NOT NULL DEFAULT 0,
	registered_at DATETIME NOT NULL,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrating queue store schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertWorkItem(w WorkItem) error {
	labels, err := json.Marshal(w.Labels)
	if err != nil {
		return fmt.Errorf("marshaling labels: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO work_items (id, repository, issue_number, title, body, labels, feature_branch, attempt, state, assigned_worker, discovered_at, assigned_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title=excluded.title, body=excluded.body, labels=excluded.labels,
	feature_branch=excluded.feature_branch, attempt=excluded.attempt,
	state=excluded.state, assigned_worker=excluded.assigned_worker,
	assigned_at=excluded.assigned_at, updated_at=excluded.updated_at
`, w.ID, w.Repository, w.IssueNumber, w.Title, w.Body, string(labels), w.FeatureBranch,
		w.Attempt, string(w.State), w.AssignedWorker, w.DiscoveredAt, nullableTime(w.AssignedAt), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting work item: %w", err)
	}
	return nil
}

func (s *Store) LoadWorkItems() ([]WorkItem, error) {
	rows, err := s.db.Query(`SELECT id, repository, issue_number, title, body, labels, feature_branch, attempt, state, assigned_worker, discovered_at, assigned_at, updated_at FROM work_items`)
	if err != nil {
		return nil, fmt.Errorf("loading work items: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var w WorkItem
		var labels string
		var state string
		var assignedAt sql.NullTime
		if err := rows.Scan(&w.ID, &w.Repository, &w.IssueNumber, &w.Title, &w.Body, &labels,
			&w.FeatureBranch, &w.Attempt, &state, &w.AssignedWorker, &w.DiscoveredAt, &assignedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning work item: %w", err)
		}
		w.State = WorkItemState(state)
		if assignedAt.Valid {
			w.AssignedAt = assignedAt.Time
		}
		if labels != "" {
			if err := json.Unmarshal([]byte(labels), &w.Labels); err != nil {
				return nil, fmt.Errorf("unmarshaling labels: %w", err)
			}
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (s *Store) UpsertPREntry(e PREntry) error {
	_, err := s.db.Exec(`
INSERT INTO pr_entries (issue_number, pr_number, state, opened_at, last_event_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(issue_number) DO UPDATE SET
	pr_number=excluded.pr_number, state=excluded.state, last_event_at=excluded.last_event_at
`, e.IssueNumber, e.PRNumber, string(e.State), e.OpenedAt, e.LastEventAt)
	if err != nil {
		return fmt.Errorf("upserting PR entry: %w", err)
	}
	return nil
}

func (s *Store) LoadPREntries() ([]PREntry, error) {
	rows, err := s.db.Query(`SELECT issue_number, pr_number, state, opened_at, last_event_at FROM pr_entries`)
	if err != nil {
		return nil, fmt.Errorf("loading PR entries: %w", err)
	}
	defer rows.Close()

	var entries []PREntry
	for rows.Next() {
		var e PREntry
		var state string
		if err := rows.Scan(&e.IssueNumber, &e.PRNumber, &state, &e.OpenedAt, &e.LastEventAt); err != nil {
			return nil, fmt.Errorf("scanning PR entry: %w", err)
		}
		e.State = PRState(state)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) UpsertWorker(w WorkerRecord) error {
	_, err := s.db.Exec(`
INSERT INTO workers (worker_id, last_seen, current_issue, registered_at, completed_count, failed_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
	last_seen=excluded.last_seen, current_issue=excluded.current_issue,
	completed_count=excluded.completed_count, failed_count=excluded.failed_count
`, w.WorkerID, w.LastSeen, w.CurrentIssue, w.RegisteredAt, w.CompletedCount, w.FailedCount)
	if err != nil {
		return fmt.Errorf("upserting worker record: %w", err)
	}
	return nil
}

func (s *Store) LoadWorkers() ([]WorkerRecord, error) {
	rows, err := s.db.Query(`SELECT worker_id, last_seen, current_issue, registered_at, completed_count, failed_count FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("loading workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerRecord
	for rows.Next() {
		var w WorkerRecord
		if err := rows.Scan(&w.WorkerID, &w.LastSeen, &w.CurrentIssue, &w.RegisteredAt, &w.CompletedCount, &w.FailedCount); err != nil {
			return nil, fmt.Errorf("scanning worker record: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
