// Package github adapts issuehost.Host to GitHub: issue/PR/CI polling
// through a standard go-github client.
package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v68/github"

	"github.com/hydraorch/hydra/pkg/issuehost"
)

// Adapter implements issuehost.Host against one GitHub owner/repo.
type Adapter struct {
	client *gh.Client
	owner  string
	repo   string
}

// New creates an Adapter authenticated with a personal access token.
func New(token, owner, repo string) *Adapter {
	return &Adapter{
		client: gh.NewClient(nil).WithAuthToken(token),
		owner:  owner,
		repo:   repo,
	}
}

// NewWithClient builds an Adapter around an existing *github.Client, used in
// tests to point at an httptest server.
func NewWithClient(client *gh.Client, owner, repo string) *Adapter {
	return &Adapter{client: client, owner: owner, repo: repo}
}

func (a *Adapter) CreateIssue(ctx context.Context, title, body string) (issuehost.IssueState, error) {
	issue, _, err := a.client.Issues.Create(ctx, a.owner, a.repo, &gh.IssueRequest{
		Title: gh.Ptr(title),
		Body:  gh.Ptr(body),
	})
	if err != nil {
		return issuehost.IssueState{}, fmt.Errorf("create issue: %w", err)
	}
	return toIssueState(issue), nil
}

func (a *Adapter) ListIssues(ctx context.Context, labelFilter string) ([]issuehost.IssueState, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	if labelFilter != "" {
		opts.Labels = []string{labelFilter}
	}

	var out []issuehost.IssueState
	for {
		issues, resp, err := a.client.Issues.ListByRepo(ctx, a.owner, a.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}
		for _, iss := range issues {
			if iss.PullRequestLinks != nil {
				continue
			}
			out = append(out, toIssueState(iss))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (a *Adapter) GetPullRequestByBranch(ctx context.Context, branch string) (issuehost.PullRequestState, bool, error) {
	prs, _, err := a.client.PullRequests.List(ctx, a.owner, a.repo, &gh.PullRequestListOptions{
		Head:        a.owner + ":" + branch,
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 1},
	})
	if err != nil {
		return issuehost.PullRequestState{}, false, fmt.Errorf("list prs by branch: %w", err)
	}
	if len(prs) == 0 {
		return issuehost.PullRequestState{}, false, nil
	}
	return toPRState(prs[0]), true, nil
}

func (a *Adapter) GetPullRequest(ctx context.Context, number int) (issuehost.PullRequestState, error) {
	pr, _, err := a.client.PullRequests.Get(ctx, a.owner, a.repo, number)
	if err != nil {
		return issuehost.PullRequestState{}, fmt.Errorf("get pr %d: %w", number, err)
	}
	return toPRState(pr), nil
}

func (a *Adapter) CIStatusForPR(ctx context.Context, number int) (issuehost.CIStatus, error) {
	pr, _, err := a.client.PullRequests.Get(ctx, a.owner, a.repo, number)
	if err != nil {
		return "", fmt.Errorf("get pr %d: %w", number, err)
	}
	ref := pr.GetHead().GetSHA()
	if ref == "" {
		return issuehost.CIPending, nil
	}

	status, _, err := a.client.Repositories.GetCombinedStatus(ctx, a.owner, a.repo, ref, nil)
	if err != nil {
		return "", fmt.Errorf("get combined status for %s: %w", ref, err)
	}
	switch status.GetState() {
	case "success":
		return issuehost.CISuccess, nil
	case "failure", "error":
		return issuehost.CIFailure, nil
	default:
		return issuehost.CIPending, nil
	}
}

func (a *Adapter) CloseIssue(ctx context.Context, number int) error {
	_, _, err := a.client.Issues.Edit(ctx, a.owner, a.repo, number, &gh.IssueRequest{
		State: gh.Ptr("closed"),
	})
	if err != nil {
		return fmt.Errorf("close issue %d: %w", number, err)
	}
	return nil
}

func toIssueState(iss *gh.Issue) issuehost.IssueState {
	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return issuehost.IssueState{
		Number: iss.GetNumber(),
		Title:  iss.GetTitle(),
		URL:    iss.GetHTMLURL(),
		Closed: iss.GetState() == "closed",
		Labels: labels,
	}
}

func toPRState(pr *gh.PullRequest) issuehost.PullRequestState {
	return issuehost.PullRequestState{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Branch: pr.GetHead().GetRef(),
		Draft:  pr.GetDraft(),
		Merged: pr.GetMerged(),
		Closed: pr.GetState() == "closed",
	}
}
