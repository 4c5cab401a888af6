package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/relayforge/pipeline/internal/errs"
	"github.com/relayforge/pipeline/internal/logging"
)

// creditExhaustedPhrase is matched case-insensitively against both
// stdout and stderr before any JSON parsing is attempted, so a
// credit-exhaustion message embedded in malformed output is still
// classified correctly rather than falling through to
// AgentOutputMalformed.
const creditExhaustedPhrase = "credit balance is too low"

// creditExhaustedSentinel is the associated sentinel exit code some
// subprocess builds use to signal credit exhaustion without emitting the
// phrase.
const creditExhaustedSentinel = 17

// Supervisor runs the opaque code-generation subprocess, classifies its
// outcome, and retries retriable failures with exponential backoff.
type Supervisor struct {
	// BinaryPath is the code-generation subprocess executable, resolved
	// via exec.LookPath at startup by the caller.
	BinaryPath string
	// MaxRetries bounds retriable-error retries.
	MaxRetries int
	// BackoffBase is the base duration for exponential backoff:
	// base * 2^(attempt-1).
	BackoffBase time.Duration
	Logger      *slog.Logger
	// Sleep is overridable in tests to avoid real waits.
	Sleep func(time.Duration)
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Supervisor) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Execute runs inv, retrying retriable failures, and returns the final
// result. CreditExhausted is never retried locally: it is returned
// immediately on the first occurrence so the worker main loop can apply
// its cool-down-and-resume behavior without the supervisor masking it as
// a generic failure.
func (s *Supervisor) Execute(ctx context.Context, inv Invocation) Result {
	maxRetries := s.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoffBase := s.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}

	var last Result
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		inv.Attempt = attempt
		last = s.invokeOnce(ctx, inv)
		if last.Success {
			last.Attempts = attempt
			return last
		}
		if last.ErrorKind == string(errs.KindCreditExhausted) {
			last.Attempts = attempt
			return last
		}
		kind := errs.Kind(last.ErrorKind)
		if !kind.Retriable() || attempt > maxRetries {
			last.Attempts = attempt
			return last
		}
		backoff := backoffBase * time.Duration(1<<(attempt-1))
		s.logger().Warn("agent invocation failed, retrying",
			"role", inv.Role, "attempt", attempt, "kind", last.ErrorKind, "backoff", backoff)
		s.sleep(backoff)
	}
	last.Attempts = maxRetries + 1
	return last
}

// invokeOnce runs the subprocess exactly once and classifies the
// outcome.
func (s *Supervisor) invokeOnce(ctx context.Context, inv Invocation) Result {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = 2400 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--print", "--output-format", "json", "--system-prompt", inv.SystemPrompt}
	if len(inv.ToolAllowlist) > 0 {
		args = append(args, "--allowed-tools", strings.Join(inv.ToolAllowlist, ","))
	}

	cmd := exec.CommandContext(runCtx, s.BinaryPath, args...)
	cmd.Dir = inv.Workspace
	cmd.Stdin = strings.NewReader(inv.Task)
	// Suppress any interactive terminal prompt. Layered on top of the
	// inherited environment, not in place of it: exec.Cmd treats a
	// non-nil Env as the complete environment, so starting from
	// os.Environ() keeps PATH and friends available to the subprocess.
	cmd.Env = append(os.Environ(), "CI=true", "NO_COLOR=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	rawOut := stdout.String()
	rawErr := stderr.String()
	combined := rawOut + "\n" + rawErr

	if strings.Contains(strings.ToLower(combined), creditExhaustedPhrase) {
		return Result{
			Success:   false,
			ErrorKind: string(errs.KindCreditExhausted),
			RawOutput: logging.Redact(combined),
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			Success:   false,
			ErrorKind: string(errs.KindTimeout),
			RawOutput: logging.Redact(combined),
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == creditExhaustedSentinel {
			return Result{
				Success:   false,
				ErrorKind: string(errs.KindCreditExhausted),
				RawOutput: logging.Redact(combined),
			}
		}
		return Result{
			Success:   false,
			ErrorKind: string(errs.KindNonZeroExit),
			RawOutput: logging.Redact(rawErr),
		}
	}
	if err != nil {
		// Could not even start the subprocess; treat as non-zero exit
		// for retry purposes.
		return Result{
			Success:   false,
			ErrorKind: string(errs.KindNonZeroExit),
			RawOutput: logging.Redact(fmt.Sprintf("failed to start subprocess: %v", err)),
		}
	}

	var parsed rawResult
	if jsonErr := json.Unmarshal(stdout.Bytes(), &parsed); jsonErr != nil {
		return Result{
			Success:   false,
			ErrorKind: string(errs.KindAgentOutputMalformed),
			RawOutput: logging.Redact(rawOut),
		}
	}

	result := Result{
		Success:    !parsed.IsError,
		Cost:       parsed.TotalCostUSD,
		Duration:   time.Duration(parsed.DurationMs) * time.Millisecond,
		NumTurns:   parsed.NumTurns,
		ResultText: logging.Redact(parsed.Result),
		RawOutput:  logging.Redact(rawOut),
		SessionID:  parsed.SessionID,
	}
	if parsed.IsError {
		result.ErrorKind = string(errs.KindAgentReportedError)
	}
	return result
}
