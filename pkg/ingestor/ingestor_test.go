package ingestor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/issuehost"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
)

type fakeHost struct {
	created issuehost.IssueState
	err     error
}

func (f *fakeHost) CreateIssue(ctx context.Context, title, body string) (issuehost.IssueState, error) {
	if f.err != nil {
		return issuehost.IssueState{}, f.err
	}
	return f.created, nil
}
func (f *fakeHost) ListIssues(ctx context.Context, labelFilter string) ([]issuehost.IssueState, error) {
	return nil, nil
}
func (f *fakeHost) GetPullRequestByBranch(ctx context.Context, branch string) (issuehost.PullRequestState, bool, error) {
	return issuehost.PullRequestState{}, false, nil
}
func (f *fakeHost) GetPullRequest(ctx context.Context, number int) (issuehost.PullRequestState, error) {
	return issuehost.PullRequestState{}, nil
}
func (f *fakeHost) CIStatusForPR(ctx context.Context, number int) (issuehost.CIStatus, error) {
	return "", nil
}
func (f *fakeHost) CloseIssue(ctx context.Context, number int) error { return nil }

func TestSubmitIntentHappyPath(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	host := &fakeHost{created: issuehost.IssueState{Number: 101, Title: "Add a README badge", URL: "http://host/101"}}
	in := New(host, store, bus)

	n, err := in.SubmitIntent(context.Background(), "Add a README badge")
	require.NoError(t, err)
	assert.Equal(t, 101, n)

	iss, ok := store.Get(101)
	require.True(t, ok)
	assert.Equal(t, models.StageTriage, iss.Stage)
	assert.Equal(t, models.IssueQueued, iss.Status)
}

func TestSubmitIntentRejectsEmptyText(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	in := New(&fakeHost{}, store, bus)

	_, err := in.SubmitIntent(context.Background(), "   \n\t ")
	assert.ErrorIs(t, err, ErrEmptyIntent)
}

func TestSubmitIntentRejectsOversizedText(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	in := New(&fakeHost{}, store, bus)

	_, err := in.SubmitIntent(context.Background(), strings.Repeat("a", MaxIntentBytes+1))
	assert.ErrorIs(t, err, ErrIntentTooLarge)
}

func TestSubmitIntentOnHostFailureCreatesNoPipelineState(t *testing.T) {
	bus := eventbus.New()
	store := pipeline.New(bus)
	sub := bus.Subscribe(0)
	defer sub.Unsubscribe()

	host := &fakeHost{err: assertError("host down")}
	in := New(host, store, bus)

	_, err := in.SubmitIntent(context.Background(), "do the thing")
	require.Error(t, err)
	assert.Equal(t, "host down", err.Error())

	ev := <-sub.Events
	assert.Equal(t, models.EventIntentFailed, ev.Type)

	assert.Empty(t, store.Snapshot()[models.StageTriage])
}

type assertError string

func (e assertError) Error() string { return string(e) }
