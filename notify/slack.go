package notify

import (
	"context"
	"fmt"
	"net/http"
)

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// SlackAlerter posts operator alerts to a Slack "incoming webhook", which
// must already be configured in the workspace.
type SlackAlerter struct {
	WebhookURL string
	// prefixed to every message, eg the deployment name
	Header string
	Client *http.Client
}

var _ OperatorAlerter = (*SlackAlerter)(nil)

// Alert fails unless Slack acknowledges the message with a literal "ok"
// body; a 200 with anything else means the hook accepted nothing.
func (a *SlackAlerter) Alert(ctx context.Context, msg string) error {
	if a.Header != "" {
		msg = a.Header + "\n" + msg
	}
	b, err := sendJSON(ctx, a.Client, http.MethodPost, a.WebhookURL, SlackWebhookBody{Text: msg})
	if err != nil {
		return fmt.Errorf("operator alert: %w", err)
	}
	if ack := snippet(b); ack != "ok" {
		return fmt.Errorf("operator alert: unexpected slack response %q", ack)
	}
	return nil
}
