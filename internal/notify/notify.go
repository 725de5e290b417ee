// Package notify fires one-way webhook events for operator visibility:
// warnings (mempool at capacity, fee ceiling standoffs), successes
// (broadcasts, re-listings), and criticals (fatal infrastructure errors).
// It is a one-way publish rather than client/core's subscribable
// Notification feed, since the core here has no UI layer subscribing back
// to it (spec §9, "controller publishes events, the history collaborator
// subscribes").
package notify

import (
	"context"
	"time"

	"github.com/xcpfolio/fulfillment-agent/dex"
	"github.com/xcpfolio/fulfillment-agent/dex/dexnet"
)

// Severity mirrors client/core's notification severities, trimmed to the
// three levels an unattended agent's webhook actually needs.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeveritySuccess  Severity = "success"
	SeverityCritical Severity = "critical"
)

// Event is the JSON payload POSTed to the configured webhook.
type Event struct {
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"`
	Details   string    `json:"details"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier fires events at a webhook URL. A zero webhookURL makes every call
// a no-op logged at debug level, so the agent runs without a configured
// webhook.
type Notifier struct {
	webhookURL string
	log        dex.Logger
}

// New returns a Notifier posting to webhookURL.
func New(webhookURL string, log dex.Logger) *Notifier {
	return &Notifier{webhookURL: webhookURL, log: log}
}

// Warning fires a warning-severity event. Errors posting to the webhook are
// logged, never returned; notification delivery never blocks the caller's
// control loop.
func (n *Notifier) Warning(ctx context.Context, source, subject, details string) {
	n.fire(ctx, Event{Severity: SeverityWarning, Source: source, Subject: subject, Details: details})
}

// Success fires a success-severity event.
func (n *Notifier) Success(ctx context.Context, source, subject, details string) {
	n.fire(ctx, Event{Severity: SeveritySuccess, Source: source, Subject: subject, Details: details})
}

// Critical fires a critical-severity event, for fatal infrastructure errors
// raised out of a controller's process().
func (n *Notifier) Critical(ctx context.Context, source, subject, details string) {
	n.fire(ctx, Event{Severity: SeverityCritical, Source: source, Subject: subject, Details: details})
}

func (n *Notifier) fire(ctx context.Context, evt Event) {
	if n.webhookURL == "" {
		n.log.Debugf("notify (no webhook configured): [%s] %s: %s", evt.Severity, evt.Subject, evt.Details)
		return
	}
	evt.Timestamp = time.Now()
	go func() {
		fireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := dexnet.Post(fireCtx, n.webhookURL, nil, evt); err != nil {
			n.log.Errorf("error posting %s notification to webhook: %v", evt.Severity, err)
		}
	}()
}
