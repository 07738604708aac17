package api

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hydraorch/hydra/pkg/issuehost"
)

// fakeHost is a minimal in-memory issuehost.Host stand-in: a hand-rolled
// fake for this external collaborator rather than a mocking framework.
type fakeHost struct {
	nextIssue int32
	closed    []int

	pr       issuehost.PullRequestState
	prErr    error
	ci       issuehost.CIStatus
	ciErr    error
	closeErr error
}

func (f *fakeHost) CreateIssue(ctx context.Context, title, body string) (issuehost.IssueState, error) {
	n := int(atomic.AddInt32(&f.nextIssue, 1))
	return issuehost.IssueState{Number: n, Title: title, URL: fmt.Sprintf("https://example.test/issues/%d", n)}, nil
}

func (f *fakeHost) ListIssues(ctx context.Context, labelFilter string) ([]issuehost.IssueState, error) {
	return nil, nil
}

func (f *fakeHost) GetPullRequestByBranch(ctx context.Context, branch string) (issuehost.PullRequestState, bool, error) {
	return issuehost.PullRequestState{}, false, nil
}

func (f *fakeHost) GetPullRequest(ctx context.Context, number int) (issuehost.PullRequestState, error) {
	if f.prErr != nil {
		return issuehost.PullRequestState{}, f.prErr
	}
	pr := f.pr
	pr.Number = number
	return pr, nil
}

func (f *fakeHost) CIStatusForPR(ctx context.Context, number int) (issuehost.CIStatus, error) {
	if f.ciErr != nil {
		return "", f.ciErr
	}
	return f.ci, nil
}

func (f *fakeHost) CloseIssue(ctx context.Context, number int) error {
	f.closed = append(f.closed, number)
	return f.closeErr
}

// fakeHostCloser adapts fakeHost to hitl.HostCloser's ctx-free signature,
// standing in for the bridging closure cmd/hydra's wiring supplies in
// production.
type fakeHostCloser struct{ host *fakeHost }

func (f fakeHostCloser) CloseIssue(issue int) error {
	return f.host.CloseIssue(context.Background(), issue)
}
