// Package workersvc drives one worker process's poll loop: request
// work, back off on empty/blocked responses, run the pipeline state
// machine against the assigned work item, and report the outcome.
// Within a worker, phases run strictly sequentially; there is no
// intra-worker concurrency.
package workersvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/pipeline/internal/errs"
	"github.com/relayforge/pipeline/internal/pipeline"
	"github.com/relayforge/pipeline/internal/workerclient"
)

// creditExhaustedCooldown is the minimum sleep after a CreditExhausted
// result before the worker resumes polling.
const creditExhaustedCooldown = 5 * time.Minute

// Worker drives one worker process: the poll loop, the pipeline machine,
// and outcome reporting back to the orchestrator.
type Worker struct {
	ID             string
	Client         *workerclient.Client
	Machine        *pipeline.Machine
	RepoURLFor     func(repository string) string
	NoWorkBackoff  time.Duration
	BlockedBackoff time.Duration
	RecordStore    *pipeline.Store
	Logger         *slog.Logger

	// sleep is overridable in tests.
	sleep func(time.Duration)
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) doSleep(d time.Duration) {
	if w.sleep != nil {
		w.sleep(d)
		return
	}
	time.Sleep(d)
}

// Run drives the poll loop until ctx is canceled (e.g. by SIGTERM
// handling in cmd/worker). Workspace cleanup and failure reporting both
// happen inside RunOnce/Machine.Run's own defer-based release, so
// canceling ctx between poll iterations is sufficient; an in-flight
// pipeline run is allowed to reach its own exit path before Run observes
// cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Client.Register(ctx, w.ID); err != nil {
		return fmt.Errorf("registering worker %s: %w", w.ID, err)
	}
	w.logger().Info("worker registered", "worker_id", w.ID)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.logger().Error("poll iteration failed", "error", err)
			w.doSleep(w.noWorkBackoff())
		}
	}
}

// RunOnce performs one poll-and-maybe-execute iteration.
func (w *Worker) RunOnce(ctx context.Context) error {
	offer, err := w.Client.NextWork(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("polling for work: %w", err)
	}

	if !offer.WorkAvailable {
		if offer.Blocked {
			w.logger().Info("assignment blocked by PR-review gate", "reason", offer.Reason)
			w.doSleep(w.blockedBackoff())
			return nil
		}
		w.doSleep(w.noWorkBackoff())
		return nil
	}

	ref := pipeline.IssueRef{
		Repository: offer.Repository,
		Number:     offer.IssueNumber,
		Title:      offer.Title,
		Body:       offer.Body,
		Labels:     offer.Labels,
	}
	repoURL := ""
	if w.RepoURLFor != nil {
		repoURL = w.RepoURLFor(offer.Repository)
	}

	outcome, runErr := w.Machine.Run(ctx, ref, repoURL, offer.BranchName)
	// Outcome reports outlive ctx's cancellation so that a run cut short
	// by shutdown is still reported to the orchestrator.
	reportCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		taskErr, ok := errs.As(runErr)
		if ok && taskErr.Kind == errs.KindCreditExhausted {
			w.logger().Warn("credit exhausted, returning item to queue and cooling down", "issue", offer.IssueNumber)
			if err := w.Client.ReportFailed(reportCtx, w.ID, offer.Repository, offer.IssueNumber, string(errs.KindCreditExhausted), taskErr.Error()); err != nil {
				w.logger().Error("reporting credit-exhausted failure failed", "error", err)
			}
			w.doSleep(creditExhaustedCooldown)
			return nil
		}
		w.logger().Error("pipeline run failed", "issue", offer.IssueNumber, "error", runErr)
		if err := w.Client.ReportFailed(reportCtx, w.ID, offer.Repository, offer.IssueNumber, string(errs.KindNonZeroExit), runErr.Error()); err != nil {
			w.logger().Error("reporting failure failed", "error", err)
		}
		return nil
	}

	if w.RecordStore != nil && outcome.Record != nil {
		if err := w.RecordStore.Write(outcome.Record); err != nil {
			w.logger().Error("writing workflow record failed", "issue", offer.IssueNumber, "error", err)
		}
	}

	switch outcome.Status {
	case "approved":
		if err := w.Client.ReportComplete(reportCtx, w.ID, offer.Repository, offer.IssueNumber, outcome.PRNumber, outcome.PRURL); err != nil {
			return fmt.Errorf("reporting completion: %w", err)
		}
		w.logger().Info("workflow approved and published", "issue", offer.IssueNumber, "pr_url", outcome.PRURL)
	case "rejected":
		kind := outcome.Record.FailureKind
		if kind == "" {
			kind = string(errs.KindWorkflowRejected)
		}
		if err := w.Client.ReportFailed(reportCtx, w.ID, offer.Repository, offer.IssueNumber, kind, "product owner rejected the workflow"); err != nil {
			return fmt.Errorf("reporting rejection: %w", err)
		}
		w.logger().Info("workflow rejected", "issue", offer.IssueNumber)
	default: // "failed"
		if err := w.Client.ReportFailed(reportCtx, w.ID, offer.Repository, offer.IssueNumber, outcome.Record.FailureKind, outcome.Record.FailureDetail); err != nil {
			return fmt.Errorf("reporting failure: %w", err)
		}
		w.logger().Info("workflow failed", "issue", offer.IssueNumber, "kind", outcome.Record.FailureKind)
	}
	return nil
}

func (w *Worker) noWorkBackoff() time.Duration {
	if w.NoWorkBackoff > 0 {
		return w.NoWorkBackoff
	}
	return 15 * time.Second
}

func (w *Worker) blockedBackoff() time.Duration {
	if w.BlockedBackoff > 0 {
		return w.BlockedBackoff
	}
	return 30 * time.Second
}
