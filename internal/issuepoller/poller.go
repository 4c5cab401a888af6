// Package issuepoller scans monitored repositories on a recurring
// schedule: list open issues carrying the "ready" label and not carrying
// "in-progress" or "failed", and enqueue any (repo, number) pair not
// already tracked.
package issuepoller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relayforge/pipeline/internal/metrics"
	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/queue"
)

// ReadyLabel marks an issue for pickup; the other two exclude it from
// discovery.
const (
	ReadyLabel      = "ready"
	InProgressLabel = "in-progress"
	FailedLabel     = "failed"
)

// Poller discovers ready issues. Safe to run concurrently with
// assignment since Queue.Enqueue is itself atomic.
type Poller struct {
	Client       platform.Client
	Queue        *queue.Queue
	Repositories []string
	Metrics      *metrics.Registry
	Logger       *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	entryID cron.EntryID
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Start begins the scheduled scan at the given interval, expressed as a
// cron "@every" schedule.
func (p *Poller) Start(ctx context.Context, interval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.cron == nil {
		p.cron = cron.New()
	}

	spec := fmt.Sprintf("@every %s", interval.String())
	entryID, err := p.cron.AddFunc(spec, func() {
		p.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling issue poller at %q: %w", spec, err)
	}
	p.entryID = entryID
	p.cron.Start()
	p.running = true
	p.logger().Info("issue poller started", "interval", interval, "repositories", p.Repositories)
	return nil
}

// Stop halts the scheduler, waiting for any in-flight scan to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.running = false
	p.logger().Info("issue poller stopped")
}

// RunOnce performs a single idempotent scan across all monitored
// repositories. Exported so callers (tests, an operator "poll now"
// trigger) can invoke a scan outside the cron schedule.
func (p *Poller) RunOnce(ctx context.Context) {
	for _, repo := range p.Repositories {
		if err := p.scanRepository(ctx, repo); err != nil {
			p.logger().Error("issue poller scan failed", "repository", repo, "error", err)
		}
	}
	if p.Metrics != nil {
		p.Metrics.PollCycles.Inc()
	}
}

func (p *Poller) scanRepository(ctx context.Context, repository string) error {
	owner, repo, err := platform.SplitRepository(repository)
	if err != nil {
		return err
	}

	issues, err := p.Client.ListIssuesByLabel(ctx, owner, repo, ReadyLabel, []string{InProgressLabel, FailedLabel})
	if err != nil {
		return fmt.Errorf("listing ready issues in %s: %w", repository, err)
	}

	for _, issue := range issues {
		featureBranch := fmt.Sprintf("feature/issue-%d", issue.Number)
		added, err := p.Queue.Enqueue(repository, issue.Number, issue.Title, issue.Body, issue.Labels, featureBranch)
		if err != nil {
			p.logger().Error("enqueue failed", "repository", repository, "issue", issue.Number, "error", err)
			continue
		}
		if added {
			p.logger().Info("enqueued issue", "repository", repository, "issue", issue.Number)
			if p.Metrics != nil {
				p.Metrics.IssuesEnqueued.Inc()
			}
		}
	}
	return nil
}
