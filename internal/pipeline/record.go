package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relayforge/pipeline/internal/agent"
)

// IssueRef identifies the issue a workflow targets.
type IssueRef struct {
	Repository string   `json:"repository"`
	Number     int      `json:"number"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Labels     []string `json:"labels"`
}

// Record is the workflow record: created at pipeline start, finalized
// on terminal state, and written once at termination — large records are
// never rewritten in place.
type Record struct {
	IssueRef      IssueRef      `json:"issue_ref"`
	RevisionCount int           `json:"revision_count"`
	Results       []agent.Result `json:"agent_results"`
	FinalStatus   string        `json:"final_status,omitempty"`
	PRURL         string        `json:"pr_url,omitempty"`
	TotalCostUSD  float64       `json:"total_cost_usd"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	FailureKind   string        `json:"failure_kind,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitzero"`
}

// NewRecord starts a Workflow Record for ref.
func NewRecord(ref IssueRef) *Record {
	return &Record{IssueRef: ref, StartedAt: time.Now()}
}

// AddResult appends res to the ordered list of Agent Results and rolls it
// into the running cost/duration totals.
func (r *Record) AddResult(res agent.Result) {
	r.Results = append(r.Results, res)
	r.TotalCostUSD += res.Cost
	r.TotalDuration += res.Duration
}

// Finalize sets the terminal status and records the finish time. Called
// exactly once, when the workflow reaches approved, rejected, or failed —
// never for a CreditExhausted pause, which is not a terminal state.
func (r *Record) Finalize(status string) {
	r.FinalStatus = status
	r.FinishedAt = time.Now()
}

// Store persists workflow records under a log directory, one file per
// workflow, via atomic write-then-rename.
type Store struct {
	Dir string
}

// Write serializes rec to <Dir>/issue-<N>-<unixnano>.json, writing to a
// temp file first and renaming into place so a crash never leaves a
// partially-written record readable by a later recovery scan.
func (s *Store) Write(rec *Record) error {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	name := fmt.Sprintf("issue-%d-%d.json", rec.IssueRef.Number, rec.FinishedAt.UnixNano())
	final := filepath.Join(s.Dir, name)
	tmp := final + ".tmp"

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding workflow record: %w", err)
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o640); err != nil {
		return fmt.Errorf("writing workflow record: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("finalizing workflow record: %w", err)
	}
	return nil
}
