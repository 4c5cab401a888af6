// Package publish creates the feature branch from the tester branch's
// final state, pushes it, and opens a pull request through the hosting
// platform client.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayforge/pipeline/internal/pipeline"
	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/workspace"
)

// Publisher implements pipeline.Publisher against a platform.Client.
type Publisher struct {
	Client        platform.Client
	PreferredBase string // platform.pr_target_branch
	Logger        *slog.Logger
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

var _ pipeline.Publisher = (*Publisher)(nil)

// Publish creates featureBranch from the workspace's current tester
// branch tip, pushes it, and opens a pull request. Publication only ever
// opens a PR; merging to the main line is reserved for human review.
func (p *Publisher) Publish(ctx context.Context, ws *workspace.Workspace, ref pipeline.IssueRef, featureBranch, title, body string) (string, int, error) {
	git := ws.Git()

	if err := git.Checkout(ctx, ws.Path, workspace.BranchTester); err != nil {
		return "", 0, fmt.Errorf("checking out tester before publish: %w", err)
	}
	if exists, err := git.BranchExists(ctx, ws.Path, featureBranch); err != nil {
		return "", 0, fmt.Errorf("checking feature branch existence: %w", err)
	} else if exists {
		if err := git.DeleteBranch(ctx, ws.Path, featureBranch, true); err != nil {
			return "", 0, fmt.Errorf("clearing stale feature branch: %w", err)
		}
	}
	if err := git.CreateBranch(ctx, ws.Path, featureBranch, workspace.BranchTester); err != nil {
		return "", 0, fmt.Errorf("creating feature branch: %w", err)
	}
	if err := git.Checkout(ctx, ws.Path, featureBranch); err != nil {
		return "", 0, fmt.Errorf("checking out feature branch: %w", err)
	}
	if err := git.Push(ctx, ws.Path, featureBranch); err != nil {
		return "", 0, fmt.Errorf("pushing feature branch: %w", err)
	}

	owner, repo, err := platform.SplitRepository(ref.Repository)
	if err != nil {
		return "", 0, err
	}

	base, err := p.selectBaseBranch(ctx, owner, repo)
	if err != nil {
		return "", 0, err
	}

	number, url, err := p.Client.CreatePullRequest(ctx, owner, repo, title, featureBranch, base, body)
	if err != nil {
		return "", 0, fmt.Errorf("opening pull request: %w", err)
	}
	return url, number, nil
}

// selectBaseBranch prefers the configured target branch, falling back to
// "main" if it does not exist on the remote. Detection happens at
// publication time and the fallback is logged.
func (p *Publisher) selectBaseBranch(ctx context.Context, owner, repo string) (string, error) {
	if p.PreferredBase == "" || p.PreferredBase == workspace.BranchMain {
		return workspace.BranchMain, nil
	}
	exists, err := p.Client.RemoteBranchExists(ctx, owner, repo, p.PreferredBase)
	if err != nil {
		return "", fmt.Errorf("checking base branch %q existence: %w", p.PreferredBase, err)
	}
	if exists {
		return p.PreferredBase, nil
	}
	p.logger().Info("preferred base branch missing on remote, falling back to main",
		"preferred_base", p.PreferredBase, "repository", fmt.Sprintf("%s/%s", owner, repo))
	return workspace.BranchMain, nil
}
