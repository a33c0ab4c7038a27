// Package notification fans run outcomes and agent error reports out to
// operators. The only built-in channel is an outbound webhook, generic enough
// for Slack/Discord/Teams via the "text" field while carrying structured data
// in "payload" for custom integrations.
package notification

import (
	"context"

	"go.uber.org/zap"
)

// Notifier is the interface the task manager and gateway publish through.
// Implementations must not block the caller on network I/O.
type Notifier interface {
	// NotifyRunOutcome reports a terminal run. errMsg carries stderr or the
	// internal failure reason for error outcomes, empty on success.
	NotifyRunOutcome(ctx context.Context, taskName, agentID, runID, status, errMsg string)

	// NotifyErrorReport forwards an out-of-band agent_error frame.
	NotifyErrorReport(ctx context.Context, agentID, level, errMsg string)
}

// NopNotifier discards all notifications. Used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyRunOutcome(context.Context, string, string, string, string, string) {}
func (NopNotifier) NotifyErrorReport(context.Context, string, string, string)                {}

// New returns a webhook-backed Notifier when url is non-empty, otherwise a
// NopNotifier.
func New(url, secret string, logger *zap.Logger) Notifier {
	if url == "" {
		return NopNotifier{}
	}
	return newWebhookNotifier(url, secret, logger)
}
