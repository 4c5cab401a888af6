package queue

import (
	"strings"
	"testing"
)

func TestEvaluateGateUnblockedWhenNothingPending(t *testing.T) {
	status := EvaluateGate(nil, GateConfig{MaxPendingPRs: 2, BlockOnChangesRequested: true})
	if status.Blocked {
		t.Fatalf("empty tracker should not block, got reason %q", status.Reason)
	}
}

func TestEvaluateGateBlocksOnPendingLimit(t *testing.T) {
	entries := []PREntry{
		{IssueNumber: 1, PRNumber: 101, State: PRPending},
		{IssueNumber: 2, PRNumber: 102, State: PRPending},
	}
	status := EvaluateGate(entries, GateConfig{MaxPendingPRs: 2})
	if !status.Blocked {
		t.Fatal("two pending PRs at MaxPendingPRs=2 should block")
	}
	if !strings.Contains(status.Reason, "too many pending PRs") {
		t.Fatalf("unexpected reason %q", status.Reason)
	}
	if !strings.Contains(status.Reason, "#101") || !strings.Contains(status.Reason, "#102") {
		t.Fatalf("reason should list the pending PR numbers, got %q", status.Reason)
	}
}

func TestEvaluateGateBlocksOnChangesRequested(t *testing.T) {
	entries := []PREntry{{IssueNumber: 1, PRNumber: 7, State: PRChangesRequested}}

	status := EvaluateGate(entries, GateConfig{MaxPendingPRs: 5, BlockOnChangesRequested: true})
	if !status.Blocked {
		t.Fatal("changes_requested with BlockOnChangesRequested should block")
	}
	if !strings.Contains(status.Reason, "changes requested") || !strings.Contains(status.Reason, "#7") {
		t.Fatalf("unexpected reason %q", status.Reason)
	}

	status = EvaluateGate(entries, GateConfig{MaxPendingPRs: 5, BlockOnChangesRequested: false})
	if status.Blocked {
		t.Fatalf("changes_requested without BlockOnChangesRequested should not block, got %q", status.Reason)
	}
}

func TestEvaluateGateMergedNoLongerCounted(t *testing.T) {
	entries := []PREntry{
		{IssueNumber: 1, PRNumber: 101, State: PRMerged},
		{IssueNumber: 2, PRNumber: 102, State: PRApproved},
	}
	status := EvaluateGate(entries, GateConfig{MaxPendingPRs: 1, BlockOnChangesRequested: true})
	if status.Blocked {
		t.Fatalf("merged and approved entries should not block, got %q", status.Reason)
	}
	if status.Pending != 0 || status.Approved != 1 {
		t.Fatalf("unexpected counts: pending=%d approved=%d", status.Pending, status.Approved)
	}
}

func TestEvaluateGateTreatsZeroMaxAsStrictSequential(t *testing.T) {
	entries := []PREntry{{IssueNumber: 1, PRNumber: 1, State: PRPending}}
	status := EvaluateGate(entries, GateConfig{})
	if !status.Blocked {
		t.Fatal("an unset MaxPendingPRs should behave as 1 (strict sequential)")
	}
}
