// Package issuehost defines the Issue Host boundary: the external
// source-code forge providing issue/PR CRUD, CI status, and merge
// operations. A narrow interface here, a concrete adapter in a subpackage
// per backend.
package issuehost

import "context"

// IssueState is the host's current view of one issue.
type IssueState struct {
	Number int
	Title  string
	URL    string
	Closed bool
	Labels []string
}

// PullRequestState is the host's current view of one pull request.
type PullRequestState struct {
	Number int
	URL    string
	Branch string
	Draft  bool
	Merged bool
	Closed bool
}

// CIStatus is the aggregate CI state the ci-status watcher polls for.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
)

// Host is the capability set the Intent Ingestor and Background Loops need
// from the external issue tracker/forge. Implementations must be safe for
// concurrent use — the pr-merge watcher, ci-status watcher, and
// pipeline-reconciler all call it from independent goroutines.
type Host interface {
	// CreateIssue files a new issue for a submitted intent and returns its
	// assigned number and canonical URL.
	CreateIssue(ctx context.Context, title, body string) (IssueState, error)

	// ListIssues returns open issues matching the configured label filter,
	// for the pipeline-reconciler loop.
	ListIssues(ctx context.Context, labelFilter string) ([]IssueState, error)

	// GetPullRequestByBranch finds the open PR with the given head branch,
	// or ok=false if none exists yet.
	GetPullRequestByBranch(ctx context.Context, branch string) (PullRequestState, bool, error)

	// GetPullRequest fetches a single PR's current state, for the pr-merge
	// watcher.
	GetPullRequest(ctx context.Context, number int) (PullRequestState, error)

	// CIStatusForPR fetches the combined CI status for a PR's head commit.
	CIStatusForPR(ctx context.Context, number int) (CIStatus, error)

	// CloseIssue closes an issue, used by the HITL Coordinator's close
	// action.
	CloseIssue(ctx context.Context, number int) error
}
