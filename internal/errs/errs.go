// Package errs defines the closed error-kind taxonomy shared by the agent
// supervisor, pipeline driver, and work queue. A closed taxonomy lets the
// orchestrator and worker agree, across the process boundary, on exactly
// which errors are retriable, which are transient, and which must never
// be retried locally.
package errs

import "fmt"

// Kind identifies one of the fixed error categories a Work Item or Agent
// Invocation can fail with. The zero value is never used as a live error;
// a nil *TaskError means success.
type Kind string

const (
	// KindCreditExhausted means the code-generation subprocess reported
	// that its account has run out of credits. Never retried locally by
	// the Agent Supervisor; it propagates to the worker main loop for
	// backoff-and-resume.
	KindCreditExhausted Kind = "credit_exhausted"
	// KindTimeout means the wall-clock timeout for an agent invocation
	// elapsed before the subprocess exited.
	KindTimeout Kind = "timeout"
	// KindNonZeroExit means the subprocess exited with a non-zero status.
	KindNonZeroExit Kind = "non_zero_exit"
	// KindAgentOutputMalformed means the subprocess exited zero but its
	// stdout could not be parsed as the expected JSON object.
	KindAgentOutputMalformed Kind = "agent_output_malformed"
	// KindAgentReportedError means the parsed output had is_error=true.
	KindAgentReportedError Kind = "agent_reported_error"
	// KindSilentPhaseFailure means a pipeline phase finished without
	// producing any commit beyond its parent branch. Fatal, never retried.
	KindSilentPhaseFailure Kind = "silent_phase_failure"
	// KindTransientExternal covers network errors, platform 5xxs, and
	// rate limiting at the call site.
	KindTransientExternal Kind = "transient_external"
	// KindPushFailure means a source-control push returned a non-zero
	// exit; Detail carries the captured stderr (secrets redacted).
	KindPushFailure Kind = "push_failure"
	// KindFatalStartup covers configuration and environment problems
	// detected before any work begins: missing credentials, invalid
	// branch names, a workspace root inside a forbidden prefix, or an
	// impossible base-branch selection.
	KindFatalStartup Kind = "fatal_startup"
	// KindWorkflowRejected means the Product Owner issued a REJECT
	// decision, or a REVISE loop exhausted MaxRevisions.
	// Neither retriable nor transient: a deliberate quality-gate
	// rejection is not retried automatically.
	KindWorkflowRejected Kind = "workflow_rejected"
)

// Retriable reports whether the agent supervisor should retry an
// invocation that failed with this kind.
func (k Kind) Retriable() bool {
	switch k {
	case KindTimeout, KindNonZeroExit, KindAgentOutputMalformed, KindAgentReportedError:
		return true
	default:
		return false
	}
}

// Transient reports whether a work item failing with this kind should
// return to pending without incrementing its attempt count: credit
// exhaustion and transient external failures such as network errors.
// No kind covers an authentication failure at startup, and
// KindFatalStartup is not transient.
func (k Kind) Transient() bool {
	switch k {
	case KindCreditExhausted, KindTransientExternal:
		return true
	default:
		return false
	}
}

// TaskError carries a Kind plus a one-line, secret-free detail string.
// Errors crossing the orchestrator/worker boundary travel as {kind,
// detail} pairs; everything else stays local.
type TaskError struct {
	Kind   Kind
	Detail string
	// Cause is the underlying error, if any, kept for local logging only;
	// it is never serialized across the wire (use Kind/Detail for that).
	Cause error
}

func (e *TaskError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// New constructs a TaskError with the given kind and detail.
func New(kind Kind, detail string) *TaskError {
	return &TaskError{Kind: kind, Detail: detail}
}

// Wrap constructs a TaskError that also records an underlying cause for
// local diagnostics.
func Wrap(kind Kind, detail string, cause error) *TaskError {
	return &TaskError{Kind: kind, Detail: detail, Cause: cause}
}

// As extracts a *TaskError from err, if any is present in its chain.
func As(err error) (*TaskError, bool) {
	te, ok := err.(*TaskError)
	if ok {
		return te, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if te, ok := err.(*TaskError); ok {
			return te, true
		}
	}
	return nil, false
}
