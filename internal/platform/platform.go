// Package platform is the hosting-platform client: a narrow Client
// interface wrapping exactly the GitHub operations the orchestrator and
// worker need (issue discovery, label transitions, pull-request
// publication), backed by google/go-github.
package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// Issue is the subset of a platform issue this module consumes.
type Issue struct {
	Number int
	Title  string
	Body   string
	Labels []string
}

// Client is the narrow hosting-platform interface. Both the orchestrator
// (issue poller, label transitions) and the worker (publisher) depend on
// this interface rather than a concrete client, so tests can supply a
// fake.
type Client interface {
	// ListIssuesByLabel lists open issues in owner/repo carrying label
	// and not carrying any of excludeLabels.
	ListIssuesByLabel(ctx context.Context, owner, repo, label string, excludeLabels []string) ([]Issue, error)
	AddLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error
	// CreateComment posts a one-line comment. Callers must keep bodies
	// free of secrets and stack traces.
	CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) error
	CloseIssue(ctx context.Context, owner, repo string, issueNumber int) error
	CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (number int, url string, err error)
	// RemoteBranchExists is used for dynamic base-branch detection at
	// publication time.
	RemoteBranchExists(ctx context.Context, owner, repo, branch string) (bool, error)
}

// githubClient implements Client against the real GitHub API.
type githubClient struct {
	gh *github.Client
}

// NewClient builds a Client authenticated with token. Returns an error
// if token is empty, since an unauthenticated client cannot satisfy this
// module's write operations (label/comment/PR creation).
func NewClient(token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("platform token not supplied")
	}
	return &githubClient{gh: github.NewClient(nil).WithAuthToken(token)}, nil
}

// NewClientFromGitHub wraps an existing *github.Client, for tests that
// point it at an httptest server.
func NewClientFromGitHub(gh *github.Client) Client {
	return &githubClient{gh: gh}
}

func (c *githubClient) ListIssuesByLabel(ctx context.Context, owner, repo, label string, excludeLabels []string) ([]Issue, error) {
	exclude := make(map[string]bool, len(excludeLabels))
	for _, l := range excludeLabels {
		exclude[strings.ToLower(l)] = true
	}

	var out []Issue
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing issues labeled %q in %s/%s: %w", label, owner, repo, err)
		}
		for _, iss := range issues {
			if iss.IsPullRequest() {
				continue
			}
			labels := make([]string, 0, len(iss.Labels))
			skip := false
			for _, l := range iss.Labels {
				name := l.GetName()
				labels = append(labels, name)
				if exclude[strings.ToLower(name)] {
					skip = true
				}
			}
			if skip {
				continue
			}
			out = append(out, Issue{
				Number: iss.GetNumber(),
				Title:  iss.GetTitle(),
				Body:   iss.GetBody(),
				Labels: labels,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *githubClient) AddLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, issueNumber, []string{label})
	if err != nil {
		return fmt.Errorf("adding label %q to %s/%s#%d: %w", label, owner, repo, issueNumber, err)
	}
	return nil
}

func (c *githubClient) RemoveLabel(ctx context.Context, owner, repo string, issueNumber int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, issueNumber, label)
	if err != nil {
		// A label that's already absent is not a failure condition for
		// callers (e.g. removing "ready" twice); go-github surfaces this
		// as a 404, which we tolerate here rather than push the check
		// onto every call site.
		if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response != nil && ghErr.Response.StatusCode == 404 {
			return nil
		}
		return fmt.Errorf("removing label %q from %s/%s#%d: %w", label, owner, repo, issueNumber, err)
	}
	return nil
}

func (c *githubClient) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, issueNumber, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return fmt.Errorf("commenting on %s/%s#%d: %w", owner, repo, issueNumber, err)
	}
	return nil
}

func (c *githubClient) CloseIssue(ctx context.Context, owner, repo string, issueNumber int) error {
	_, _, err := c.gh.Issues.Edit(ctx, owner, repo, issueNumber, &github.IssueRequest{State: github.Ptr("closed")})
	if err != nil {
		return fmt.Errorf("closing %s/%s#%d: %w", owner, repo, issueNumber, err)
	}
	return nil
}

func (c *githubClient) CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (int, string, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return 0, "", fmt.Errorf("creating pull request %s -> %s in %s/%s: %w", head, base, owner, repo, err)
	}
	return pr.GetNumber(), pr.GetHTMLURL(), nil
}

func (c *githubClient) RemoteBranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	_, resp, err := c.gh.Repositories.GetBranch(ctx, owner, repo, branch, 0)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("checking remote branch %q in %s/%s: %w", branch, owner, repo, err)
	}
	return true, nil
}

// SplitRepository splits an "owner/repo" identifier as it appears in the
// platform.repositories configuration list.
func SplitRepository(repository string) (owner, repo string, err error) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not in owner/repo form", repository)
	}
	return parts[0], parts[1], nil
}
