package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/issuehost"
	"github.com/hydraorch/hydra/pkg/metrics"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
)

type fakeHost struct {
	prs        map[int]issuehost.PullRequestState
	ci         map[int]issuehost.CIStatus
	openIssues []issuehost.IssueState
}

func (f *fakeHost) CreateIssue(ctx context.Context, title, body string) (issuehost.IssueState, error) {
	return issuehost.IssueState{}, nil
}
func (f *fakeHost) ListIssues(ctx context.Context, labelFilter string) ([]issuehost.IssueState, error) {
	return f.openIssues, nil
}
func (f *fakeHost) GetPullRequestByBranch(ctx context.Context, branch string) (issuehost.PullRequestState, bool, error) {
	return issuehost.PullRequestState{}, false, nil
}
func (f *fakeHost) GetPullRequest(ctx context.Context, number int) (issuehost.PullRequestState, error) {
	return f.prs[number], nil
}
func (f *fakeHost) CIStatusForPR(ctx context.Context, number int) (issuehost.CIStatus, error) {
	return f.ci[number], nil
}
func (f *fakeHost) CloseIssue(ctx context.Context, number int) error { return nil }

type fakeEscalator struct {
	calls []int
}

func (f *fakeEscalator) Escalate(issue int, cause string, memorySuggestion bool) {
	f.calls = append(f.calls, issue)
}

func TestWatchPRMergesMovesIssueToMergedOnce(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	store.Move(1, "", models.StageReview, models.IssueDone)
	store.SetPR(1, models.PRRef{Number: 200, URL: "http://host/pr/200"}, "feature/x")

	host := &fakeHost{prs: map[int]issuehost.PullRequestState{200: {Number: 200, Merged: true}}}
	m := metrics.New(bus)
	l := New(Config{}, store, bus, host, m)

	require.NoError(t, l.watchPRMerges(context.Background()))

	iss, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.StageMerged, iss.Stage)
	assert.Equal(t, int64(1), m.Snapshot("t").PRsMerged)
}

func TestWatchCIStatusEscalatesOnFailure(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	store.Move(5, "", models.StageReview, models.IssueActive)
	store.SetPR(5, models.PRRef{Number: 300}, "branch")

	host := &fakeHost{ci: map[int]issuehost.CIStatus{300: issuehost.CIFailure}}
	l := New(Config{}, store, bus, host, nil)
	esc := &fakeEscalator{}
	l.SetEscalator(esc)

	require.NoError(t, l.watchCIStatus(context.Background()))
	assert.Equal(t, []int{5}, esc.calls)
}

func TestReconcilePipelineUpsertsUnknownIssues(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	host := &fakeHost{openIssues: []issuehost.IssueState{{Number: 9, Title: "new", URL: "http://host/9"}}}
	l := New(Config{}, store, bus, host, nil)

	require.NoError(t, l.reconcilePipeline(context.Background()))

	iss, ok := store.Get(9)
	require.True(t, ok)
	assert.Equal(t, models.StageTriage, iss.Stage)
	assert.Equal(t, models.IssueQueued, iss.Status)
}

func TestDisabledLoopReportsDisabledHeartbeat(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	host := &fakeHost{}
	l := New(Config{}, store, bus, host, nil)
	l.SetEnabled(NamePipelineReconciler, false)

	l.run(context.Background(), NamePipelineReconciler, l.reconcilePipeline)

	h := l.Health()[NamePipelineReconciler]
	assert.Equal(t, "disabled", h.Status)
}

func TestRunRetentionPrunesStaleMergedIssuesOnly(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	store.Move(1, "", models.StageMerged, models.IssueDone)
	store.Move(2, "", models.StageImplement, models.IssueActive)

	l := New(Config{ClosedIssueRetention: -time.Hour}, store, bus, &fakeHost{}, nil)
	require.NoError(t, l.runRetention(context.Background()))

	_, stillMerged := store.Get(1)
	assert.False(t, stillMerged)
	_, stillActive := store.Get(2)
	assert.True(t, stillActive, "retention must never touch in-flight work stages")
}
