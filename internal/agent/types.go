// Package agent supervises the opaque code-generation subprocess: it
// invokes it with a role-specific prompt, parses its JSON result,
// classifies failures into the closed error taxonomy of package errs,
// and retries retriable failures with exponential backoff.
package agent

import "time"

// Role identifies one of the four fixed pipeline phases.
type Role string

const (
	RoleArchitect    Role = "architect"
	RoleSecurity     Role = "security"
	RoleTester       Role = "tester"
	RoleProductOwner Role = "product_owner"
)

// Invocation is the input to one Supervisor.Execute call.
type Invocation struct {
	Role          Role
	Task          string
	SystemPrompt  string
	ToolAllowlist []string
	Workspace     string
	Timeout       time.Duration
	Attempt       int
}

// rawResult is the JSON object the code-generation subprocess is
// expected to print to stdout. Missing non-essential fields default to
// zero.
type rawResult struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	DurationMs   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
}

// Result is one agent invocation's outcome: immutable once observed,
// archived into the workflow record.
type Result struct {
	Success    bool
	ErrorKind  string // empty when Success; otherwise one of errs.Kind
	Cost       float64
	Duration   time.Duration
	NumTurns   int
	ResultText string
	RawOutput  string
	SessionID  string
	Attempts   int
}
