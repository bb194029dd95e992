package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TomW1605/DiscordModLog/render"

	"github.com/bwmarrin/snowflake"
)

// RouteTable maps a notification channel to its incoming webhook URL.
type RouteTable interface {
	WebhookURL(channelID snowflake.ID) (string, bool)
}

// WebhookSender delivers notifications through platform incoming webhooks.
// Messages are posted with wait=true so the response carries the message ID,
// which is used as the notification reference.
type WebhookSender struct {
	Routes RouteTable
	Client *http.Client
	// optional display name override for the webhook
	Username string
}

var (
	_ Sender = (*WebhookSender)(nil)
	_ Editor = (*WebhookSender)(nil)
)

type webhookMessage struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
	// mentions in embeds never ping anyone
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type messageResponse struct {
	ID snowflake.ID `json:"id"`
}

func toEmbed(n *render.Notification) embed {
	e := embed{
		Title:       n.Title,
		Description: n.DescriptionText(),
		Color:       int(n.Color),
	}
	if !n.Timestamp.IsZero() {
		e.Timestamp = n.Timestamp.UTC().Format(time.RFC3339)
	}
	if ft := n.FooterText(); ft != "" {
		e.Footer = &embedFooter{Text: ft}
	}
	if n.LinkPrompt {
		e.Fields = append(e.Fields, embedField{Name: "Subject unknown", Value: "Select the affected user to link this log entry."})
	} else if n.NeedsContext {
		e.Fields = append(e.Fields, embedField{Name: "More context needed", Value: "No reason was given for this action."})
	}
	return e
}

func (s *WebhookSender) Send(ctx context.Context, channelID snowflake.ID, n *render.Notification) (string, error) {
	base, err := s.route(channelID)
	if err != nil {
		return "", err
	}
	u, err := withQuery(base, "", url.Values{"wait": {"true"}})
	if err != nil {
		return "", err
	}

	var out messageResponse
	if err := s.do(ctx, http.MethodPost, u, s.message(n), &out); err != nil {
		return "", err
	}
	if out.ID == 0 {
		return "", fmt.Errorf("webhook response has no message id")
	}
	return out.ID.String(), nil
}

func (s *WebhookSender) Edit(ctx context.Context, channelID snowflake.ID, ref string, n *render.Notification) error {
	base, err := s.route(channelID)
	if err != nil {
		return err
	}
	u, err := withQuery(base, "/messages/"+url.PathEscape(ref), nil)
	if err != nil {
		return err
	}
	return s.do(ctx, http.MethodPatch, u, s.message(n), nil)
}

func (s *WebhookSender) route(channelID snowflake.ID) (string, error) {
	if s.Routes == nil {
		return "", ErrNoRoute
	}
	u, ok := s.Routes.WebhookURL(channelID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, channelID)
	}
	return u, nil
}

func (s *WebhookSender) message(n *render.Notification) webhookMessage {
	return webhookMessage{
		Username:        s.Username,
		Embeds:          []embed{toEmbed(n)},
		AllowedMentions: allowedMentions{Parse: []string{}},
	}
}

func withQuery(base, suffix string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	if q != nil {
		vals := u.Query()
		for k, v := range q {
			vals[k] = v
		}
		u.RawQuery = vals.Encode()
	}
	return u.String(), nil
}

func (s *WebhookSender) do(ctx context.Context, method, u string, msg webhookMessage, out any) error {
	b, err := sendJSON(ctx, s.Client, method, u, msg)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}
