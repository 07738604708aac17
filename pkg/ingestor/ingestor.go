// Package ingestor is the Intent Ingestor: the single entry point that
// turns free-form user intent text into a triaged issue, using a
// validate-then-create flow.
package ingestor

import (
	"context"
	"fmt"
	"strings"

	"github.com/hydraorch/hydra/pkg/eventbus"
	"github.com/hydraorch/hydra/pkg/issuehost"
	"github.com/hydraorch/hydra/pkg/models"
	"github.com/hydraorch/hydra/pkg/pipeline"
)

// MaxIntentBytes bounds submitted intent text.
const MaxIntentBytes = 10 * 1024

// titleLength is how much of the trimmed text becomes the issue title.
const titleLength = 80

// ErrEmptyIntent is returned when the trimmed text has no content.
var ErrEmptyIntent = fmt.Errorf("intent text must not be empty")

// ErrIntentTooLarge is returned when the trimmed text exceeds MaxIntentBytes.
var ErrIntentTooLarge = fmt.Errorf("intent text exceeds %d bytes", MaxIntentBytes)

// Ingestor is the Intent Ingestor.
type Ingestor struct {
	host  issuehost.Host
	store *pipeline.Store
	bus   *eventbus.Bus
}

// New creates an Ingestor.
func New(host issuehost.Host, store *pipeline.Store, bus *eventbus.Bus) *Ingestor {
	return &Ingestor{host: host, store: store, bus: bus}
}

// SubmitIntent validates text, files an issue on the host, and enrolls it
// into the pipeline at triage/queued. On a host failure no pipeline state
// is created; the error is returned verbatim and intent_failed is
// published for live subscribers.
func (i *Ingestor) SubmitIntent(ctx context.Context, text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, ErrEmptyIntent
	}
	if len(trimmed) > MaxIntentBytes {
		return 0, ErrIntentTooLarge
	}

	title := trimmed
	if len(title) > titleLength {
		title = title[:titleLength]
	}
	title = strings.ReplaceAll(title, "\n", " ")

	issue, err := i.host.CreateIssue(ctx, title, trimmed)
	if err != nil {
		i.bus.Publish(models.EventIntentFailed, models.IntentFailedPayload{Text: trimmed, Error: err.Error()})
		return 0, err
	}

	i.store.Upsert(issue.Number, issue.Title, issue.URL, models.StageTriage, models.IssueQueued)
	i.bus.Publish(models.EventIntentCreated, models.IntentCreatedPayload{Text: trimmed, IssueNumber: issue.Number})

	return issue.Number, nil
}
