// Package notify posts operator-facing alerts to Slack. It carries exactly
// one notification type, trimmed from a much larger bot surface: a
// service crossing into the degraded state (internal/reconciler's
// consecutive-failure threshold).
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// API is the subset of slack.Client this package depends on, so tests can
// substitute a fake instead of hitting the network.
type API interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts degraded-service alerts to a single Slack channel.
type Notifier struct {
	api     API
	channel string
	logger  *slog.Logger
}

// New creates a Notifier bound to a Slack API client and a default channel.
func New(api API, channel string, logger *slog.Logger) *Notifier {
	return &Notifier{api: api, channel: channel, logger: logger}
}

// DegradedEvent carries the facts worth surfacing about a service crossing
// into degraded.
type DegradedEvent struct {
	ServiceID           string
	ServiceName         string
	Namespace           string
	ConsecutiveFailures int
	LastError           string
}

// NotifyDegraded posts a degraded-service alert. Mirrors the teacher's
// NotifyAgentCrash: a section block with the headline, a context block
// with identifying detail.
func (n *Notifier) NotifyDegraded(ctx context.Context, ev DegradedEvent) error {
	text := fmt.Sprintf(":warning: *Service degraded: %s/%s*\n> %d consecutive dispatch failures",
		ev.Namespace, ev.ServiceName, ev.ConsecutiveFailures)
	if ev.LastError != "" {
		text += fmt.Sprintf("\n> Last error: `%s`", ev.LastError)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", text, false, false),
			nil, nil),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("Service: `%s`", ev.ServiceID), false, false)),
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fmt.Sprintf("Service degraded: %s/%s", ev.Namespace, ev.ServiceName), false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("post degraded alert for service %s to Slack: %w", ev.ServiceID, err)
	}

	n.logger.Info("posted degraded-service alert to Slack",
		"service", ev.ServiceID, "name", ev.ServiceName, "channel", n.channel)
	return nil
}
