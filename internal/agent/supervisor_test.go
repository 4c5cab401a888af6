package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayforge/pipeline/internal/errs"
)

// writeFakeAgent writes an executable shell script standing in for the
// code-generation subprocess, relying
// on real subprocess invocation (as internal/workspace's Git.run does for
// git) rather than an
// interface-mocked command runner: the fake is a real, runnable binary,
// not a Go-level stub.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing fake agent script: %v", err)
	}
	return path
}

func newTestSupervisor(bin string) *Supervisor {
	return &Supervisor{
		BinaryPath:  bin,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		Sleep:       func(time.Duration) {},
	}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	bin := writeFakeAgent(t, `cat <<'EOF'
{"result":"done","is_error":false,"duration_ms":1200,"num_turns":3,"total_cost_usd":0.05,"session_id":"sess-1"}
EOF
`)
	s := newTestSupervisor(bin)
	res := s.Execute(context.Background(), Invocation{Role: RoleArchitect, Workspace: t.TempDir()})

	if !res.Success {
		t.Fatalf("expected success, got error kind %q", res.ErrorKind)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", res.Attempts)
	}
	if res.Cost != 0.05 || res.NumTurns != 3 || res.SessionID != "sess-1" {
		t.Fatalf("unexpected parsed result: %+v", res)
	}
}

func TestExecuteRetriesMalformedOutputThenSucceeds(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "attempts")
	bin := writeFakeAgent(t, `
COUNTER="`+counter+`"
N=0
if [ -f "$COUNTER" ]; then N=$(cat "$COUNTER"); fi
N=$((N+1))
echo "$N" > "$COUNTER"
if [ "$N" -lt 2 ]; then
  echo "not json at all"
  exit 0
fi
cat <<'EOF'
{"result":"fixed","is_error":false,"duration_ms":500,"num_turns":1,"total_cost_usd":0.01,"session_id":"sess-2"}
EOF
`)
	s := newTestSupervisor(bin)
	res := s.Execute(context.Background(), Invocation{Role: RoleTester, Workspace: t.TempDir()})

	if !res.Success {
		t.Fatalf("expected eventual success, got error kind %q", res.ErrorKind)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestExecuteClassifiesAgentReportedError(t *testing.T) {
	bin := writeFakeAgent(t, `cat <<'EOF'
{"result":"could not complete","is_error":true,"duration_ms":800,"num_turns":2,"total_cost_usd":0.02,"session_id":"sess-3"}
EOF
`)
	s := &Supervisor{BinaryPath: bin, MaxRetries: 0, Sleep: func(time.Duration) {}}
	res := s.Execute(context.Background(), Invocation{Role: RoleSecurity, Workspace: t.TempDir()})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != string(errs.KindAgentReportedError) {
		t.Fatalf("expected AgentReportedError, got %q", res.ErrorKind)
	}
}

func TestExecuteDoesNotRetryCreditExhausted(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "invocations")
	bin := writeFakeAgent(t, `
COUNTER="`+counter+`"
N=0
if [ -f "$COUNTER" ]; then N=$(cat "$COUNTER"); fi
N=$((N+1))
echo "$N" > "$COUNTER"
echo "Error: credit balance is too low to continue" 1>&2
exit 1
`)
	s := newTestSupervisor(bin)
	res := s.Execute(context.Background(), Invocation{Role: RoleArchitect, Workspace: t.TempDir()})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != string(errs.KindCreditExhausted) {
		t.Fatalf("expected CreditExhausted, got %q", res.ErrorKind)
	}
	if res.Attempts != 1 {
		t.Fatalf("credit exhaustion must not be retried locally, got %d attempts", res.Attempts)
	}
	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("reading invocation counter: %v", err)
	}
	if string(data) != "1\n" {
		t.Fatalf("expected exactly one subprocess invocation, counter file contains %q", string(data))
	}
}

func TestExecuteExhaustsRetriesOnPersistentNonZeroExit(t *testing.T) {
	bin := writeFakeAgent(t, `echo "boom" 1>&2
exit 1
`)
	s := newTestSupervisor(bin)
	res := s.Execute(context.Background(), Invocation{Role: RoleProductOwner, Workspace: t.TempDir()})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != string(errs.KindNonZeroExit) {
		t.Fatalf("expected NonZeroExit, got %q", res.ErrorKind)
	}
	if res.Attempts != s.MaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", s.MaxRetries+1, res.Attempts)
	}
}

func TestExecuteClassifiesTimeout(t *testing.T) {
	bin := writeFakeAgent(t, `sleep 2
echo '{"result":"late","is_error":false}'
`)
	s := &Supervisor{BinaryPath: bin, MaxRetries: 0, Sleep: func(time.Duration) {}}
	res := s.Execute(context.Background(), Invocation{
		Role:      RoleTester,
		Workspace: t.TempDir(),
		Timeout:   50 * time.Millisecond,
	})

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.ErrorKind != string(errs.KindTimeout) {
		t.Fatalf("expected Timeout, got %q", res.ErrorKind)
	}
}
