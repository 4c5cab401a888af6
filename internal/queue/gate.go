package queue

import (
	"fmt"
	"sort"
	"strings"
)

// GateConfig configures the PR-review gate.
type GateConfig struct {
	MaxPendingPRs           int
	BlockOnChangesRequested bool
	// AllowParallelIndependent affects only whether items with no
	// dependency on any pending PR may still be assigned. No dependency
	// detector exists in this module, so the gate treats every pending
	// item as dependent regardless of this flag; it is retained as an
	// extension point for a future dependency predicate.
	AllowParallelIndependent bool
}

// GateStatus is the result of evaluating the blocking function over a
// snapshot of PR entries.
type GateStatus struct {
	Blocked          bool
	Reason           string
	Pending          int
	ChangesRequested int
	Approved         int
}

// EvaluateGate computes whether assignment is blocked as a pure function
// of entries and cfg. It takes no lock and touches no shared state.
func EvaluateGate(entries []PREntry, cfg GateConfig) GateStatus {
	var pendingNums, changesNums []int
	approved := 0
	for _, e := range entries {
		switch e.State {
		case PRPending:
			pendingNums = append(pendingNums, e.PRNumber)
		case PRChangesRequested:
			changesNums = append(changesNums, e.PRNumber)
		case PRApproved:
			approved++
		}
	}
	sort.Ints(pendingNums)
	sort.Ints(changesNums)

	status := GateStatus{
		Pending:          len(pendingNums),
		ChangesRequested: len(changesNums),
		Approved:         approved,
	}

	if cfg.BlockOnChangesRequested && len(changesNums) > 0 {
		status.Blocked = true
		status.Reason = fmt.Sprintf("changes requested on PRs: %s", joinPRNumbers(changesNums))
		return status
	}
	if len(pendingNums) >= max(cfg.MaxPendingPRs, 1) {
		status.Blocked = true
		status.Reason = fmt.Sprintf("too many pending PRs: %s", joinPRNumbers(pendingNums))
		return status
	}
	return status
}

func joinPRNumbers(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, " ")
}
