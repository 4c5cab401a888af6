// Package pipeline drives one work item through the fixed four-phase
// sequence Architect -> Security -> Tester -> Product Owner, with a
// revision loop that preserves the architect branch across revisions and
// destroys/recreates security and tester each time.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/pipeline/internal/agent"
	"github.com/relayforge/pipeline/internal/errs"
	"github.com/relayforge/pipeline/internal/workspace"
)

// Config bounds the pipeline's revision loop and agent invocations.
type Config struct {
	MaxRevisions        int
	MaxAgentRetries     int
	RetryBackoffBase    time.Duration
	AgentTimeout        time.Duration
	ToolAllowlist       []string
	RequireTestsPassing bool
}

// Publisher opens a pull request from the tester branch's final state.
// Publication never merges to main; that is reserved for human review.
type Publisher interface {
	Publish(ctx context.Context, ws *workspace.Workspace, ref IssueRef, featureBranch, title, body string) (prURL string, prNumber int, err error)
}

// Outcome is the terminal result of one Machine.Run call. Status is one
// of "approved", "rejected", "failed". A CreditExhausted invocation
// never produces an Outcome: it is surfaced as an error instead, since
// it is not a terminal pipeline state.
type Outcome struct {
	Status        string
	PRURL         string
	PRNumber      int
	RevisionCount int
	Record        *Record
}

// Machine drives one Work Item through the fixed pipeline.
type Machine struct {
	Workspaces *workspace.Manager
	Agents     *agent.Supervisor
	Publisher  Publisher
	Config     Config
	Logger     *slog.Logger
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Run drives ref's work item through Architect -> Security -> Tester ->
// PO review, looping on REVISE, until a terminal state is reached.
// repoURL is the clone source for the workspace; featureBranch is the
// name to publish under ("feature/issue-<N>").
//
// A non-nil error means the workflow did not reach a terminal state:
// most commonly a CreditExhausted TaskError, which the caller must
// return to the queue without incrementing the attempt count and without
// treating as "failed". Any other error indicates an infrastructure
// problem outside the state machine's own gating (e.g. workspace
// acquisition failure).
func (m *Machine) Run(ctx context.Context, ref IssueRef, repoURL, featureBranch string) (*Outcome, error) {
	ws, err := m.Workspaces.Acquire(ctx, ref.Number, repoURL)
	if err != nil {
		return nil, fmt.Errorf("acquiring workspace: %w", err)
	}
	defer func() {
		if releaseErr := m.Workspaces.Release(ws); releaseErr != nil {
			m.logger().Error("releasing workspace", "issue", ref.Number, "error", releaseErr)
		}
	}()

	record := NewRecord(ref)
	revision := 0
	feedback := ""

	for {
		firstIteration := revision == 0

		recreated, err := ws.EnsureArchitectBranch(ctx, firstIteration)
		if err != nil {
			return nil, fmt.Errorf("ensuring architect branch: %w", err)
		}
		if recreated {
			m.logger().Warn("architect branch was unexpectedly missing; recreated from main",
				"issue", ref.Number, "revision", revision)
		}

		task := buildTask(ref, feedback)

		archRes, err := m.invoke(ctx, agent.RoleArchitect, ws, task, ref, revision, feedback, record)
		if err != nil {
			return nil, err
		}
		if !archRes.Success {
			return m.fail(record, archRes), nil
		}
		if ok, err := ws.CommitsSinceParent(ctx, workspace.BranchArchitect, workspace.BranchMain); err != nil {
			return nil, fmt.Errorf("checking architect commits: %w", err)
		} else if !ok {
			return m.failSilent(record, "architect produced no commits beyond main"), nil
		}

		if err := ws.PrepareBranchFresh(ctx, workspace.BranchSecurity, workspace.BranchArchitect); err != nil {
			return nil, fmt.Errorf("preparing security branch: %w", err)
		}
		secRes, err := m.invoke(ctx, agent.RoleSecurity, ws, task, ref, revision, feedback, record)
		if err != nil {
			return nil, err
		}
		if !secRes.Success {
			return m.fail(record, secRes), nil
		}
		if ok, err := ws.CommitsSinceParent(ctx, workspace.BranchSecurity, workspace.BranchArchitect); err != nil {
			return nil, fmt.Errorf("checking security commits: %w", err)
		} else if !ok {
			return m.failSilent(record, "security produced no commits beyond architect"), nil
		}

		if err := ws.PrepareBranchFresh(ctx, workspace.BranchTester, workspace.BranchSecurity); err != nil {
			return nil, fmt.Errorf("preparing tester branch: %w", err)
		}
		testRes, err := m.invoke(ctx, agent.RoleTester, ws, task, ref, revision, feedback, record)
		if err != nil {
			return nil, err
		}
		// RequireTestsPassing toggles whether the tester gate demands a
		// positive tester outcome: when true, is_error=true from the
		// tester phase is fatal even if it produced commits; when false,
		// a tester phase that left findings but still committed work is
		// allowed through to PO review.
		if !testRes.Success && m.Config.RequireTestsPassing {
			return m.fail(record, testRes), nil
		}
		if ok, err := ws.CommitsSinceParent(ctx, workspace.BranchTester, workspace.BranchSecurity); err != nil {
			return nil, fmt.Errorf("checking tester commits: %w", err)
		} else if !ok {
			return m.failSilent(record, "tester produced no commits beyond security"), nil
		}

		if err := ws.Git().Checkout(ctx, ws.Path, workspace.BranchTester); err != nil {
			return nil, fmt.Errorf("checking out tester for PO review: %w", err)
		}
		poRes, err := m.invoke(ctx, agent.RoleProductOwner, ws, task, ref, revision, feedback, record)
		if err != nil {
			return nil, err
		}
		if !poRes.Success {
			return m.fail(record, poRes), nil
		}

		record.RevisionCount = revision
		switch ParseDecision(poRes.ResultText) {
		case DecisionApprove:
			prURL, prNumber, err := m.Publisher.Publish(ctx, ws, ref, featureBranch, publishTitle(ref), publishBody(ref, record))
			if err != nil {
				return nil, fmt.Errorf("publishing: %w", err)
			}
			record.Finalize("approved")
			record.PRURL = prURL
			return &Outcome{Status: "approved", PRURL: prURL, PRNumber: prNumber, RevisionCount: revision, Record: record}, nil

		case DecisionReject:
			record.Finalize("rejected")
			return &Outcome{Status: "rejected", RevisionCount: revision, Record: record}, nil

		default: // DecisionRevise
			if revision >= m.Config.MaxRevisions {
				record.Finalize("rejected")
				return &Outcome{Status: "rejected", RevisionCount: revision, Record: record}, nil
			}
			if err := ws.Git().Checkout(ctx, ws.Path, workspace.BranchArchitect); err != nil {
				return nil, fmt.Errorf("checking out architect before revision: %w", err)
			}
			if err := ws.Git().DeleteBranch(ctx, ws.Path, workspace.BranchSecurity, true); err != nil {
				return nil, fmt.Errorf("destroying security branch for revision: %w", err)
			}
			if err := ws.Git().DeleteBranch(ctx, ws.Path, workspace.BranchTester, true); err != nil {
				return nil, fmt.Errorf("destroying tester branch for revision: %w", err)
			}
			feedback = poRes.ResultText
			revision++
		}
	}
}

// invoke runs role via the agent supervisor, appends its result to
// record, and surfaces CreditExhausted as a propagating error rather
// than a generic failed result.
func (m *Machine) invoke(ctx context.Context, role agent.Role, ws *workspace.Workspace, task string, ref IssueRef, revision int, feedback string, record *Record) (agent.Result, error) {
	prompt, err := agent.RenderSystemPrompt(role, agent.PromptData{
		IssueNumber:   ref.Number,
		IssueTitle:    ref.Title,
		IssueBody:     ref.Body,
		Revision:      revision,
		MaxRevisions:  m.Config.MaxRevisions,
		PriorFeedback: feedback,
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("rendering system prompt for role %q: %w", role, err)
	}

	res := m.Agents.Execute(ctx, agent.Invocation{
		Role:          role,
		Task:          task,
		SystemPrompt:  prompt,
		ToolAllowlist: m.Config.ToolAllowlist,
		Workspace:     ws.Path,
		Timeout:       m.Config.AgentTimeout,
	})
	record.AddResult(res)

	if !res.Success && res.ErrorKind == string(errs.KindCreditExhausted) {
		return res, errs.New(errs.KindCreditExhausted, fmt.Sprintf("%s phase: credit exhausted", role))
	}
	return res, nil
}

func (m *Machine) fail(record *Record, res agent.Result) *Outcome {
	record.FailureKind = res.ErrorKind
	record.FailureDetail = truncate(res.ResultText, 200)
	record.Finalize("failed")
	return &Outcome{Status: "failed", RevisionCount: record.RevisionCount, Record: record}
}

func (m *Machine) failSilent(record *Record, detail string) *Outcome {
	record.FailureKind = string(errs.KindSilentPhaseFailure)
	record.FailureDetail = detail
	record.Finalize("failed")
	return &Outcome{Status: "failed", RevisionCount: record.RevisionCount, Record: record}
}

func buildTask(ref IssueRef, feedback string) string {
	if feedback == "" {
		return fmt.Sprintf("Issue #%d: %s\n\n%s", ref.Number, ref.Title, ref.Body)
	}
	return fmt.Sprintf("Issue #%d: %s\n\n%s\n\nProduct Owner feedback from the previous revision:\n%s", ref.Number, ref.Title, ref.Body, feedback)
}

func publishTitle(ref IssueRef) string {
	return fmt.Sprintf("Fix #%d: %s", ref.Number, ref.Title)
}

func publishBody(ref IssueRef, record *Record) string {
	return fmt.Sprintf("Closes #%d.\n\nAutomated pipeline run, %d revision(s), total cost $%.2f.",
		ref.Number, record.RevisionCount, record.TotalCostUSD)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
