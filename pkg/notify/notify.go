// Package notify posts best-effort Slack notifications for HITL escalations
// and merged pull requests, using a nil-safe Service/Client split so an
// unconfigured Service is always a safe no-op rather than a nil-pointer
// panic at the call site.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// Config holds the parameters needed to construct a Service. Either field
// being empty disables notifications entirely.
type Config struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Client is a thin wrapper around the slack-go SDK, scoped to the one
// channel this service posts to.
type Client struct {
	api       *goslack.Client
	channelID string
}

// NewClient creates a Client posting to channelID.
func NewClient(token, channelID string) *Client {
	return &Client{api: goslack.New(token), channelID: channelID}
}

func (c *Client) postMessage(ctx context.Context, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// Service delivers Hydra's two Slack-facing notifications. Nil-safe: every
// method is a no-op when the Service itself is nil, so callers never need a
// presence check before calling NotifyHITLEscalation/NotifyMerge.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// New constructs a Service, or returns nil if Slack isn't configured.
func New(cfg Config) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NotifyHITLEscalation posts an escalation notice. Fail-open: errors are
// logged, never returned, so a Slack outage never blocks the HITL
// Coordinator's own state transition.
func (s *Service) NotifyHITLEscalation(issue int, title, cause string) {
	if s == nil {
		return
	}
	text := fmt.Sprintf(":rotating_light: *Issue #%d needs attention*\n%s\n*Cause:* %s", issue, title, cause)
	if s.dashboardURL != "" {
		text += fmt.Sprintf("\n<%s/hitl/%d|Review in Dashboard>", s.dashboardURL, issue)
	}
	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil),
	}
	if err := s.client.postMessage(context.Background(), blocks, 5*time.Second); err != nil {
		s.logger.Error("failed to send hitl escalation notification", "issue", issue, "error", err)
	}
}

// NotifyMerge posts a PR-merged notice.
func (s *Service) NotifyMerge(issue, pr int, url string) {
	if s == nil {
		return
	}
	text := fmt.Sprintf(":white_check_mark: *PR #%d merged* (issue #%d)", pr, issue)
	if url != "" {
		text += fmt.Sprintf("\n<%s|View PR>", url)
	}
	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), nil, nil),
	}
	if err := s.client.postMessage(context.Background(), blocks, 5*time.Second); err != nil {
		s.logger.Error("failed to send merge notification", "issue", issue, "pr", pr, "error", err)
	}
}
