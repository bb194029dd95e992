// Package notify delivers rendered notifications and operator alerts.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/TomW1605/DiscordModLog/render"

	"github.com/bwmarrin/snowflake"
)

var ErrNoRoute = errors.New("no delivery route for channel")

// Sender delivers a notification to a channel and returns a reference to the
// delivered message.
type Sender interface {
	Send(ctx context.Context, channelID snowflake.ID, n *render.Notification) (string, error)
}

// Editor replaces the content of a previously delivered notification.
type Editor interface {
	Edit(ctx context.Context, channelID snowflake.ID, ref string, n *render.Notification) error
}

// OperatorAlerter reports problems to whoever runs the service.
type OperatorAlerter interface {
	Alert(ctx context.Context, msg string) error
}

// LogAlerter writes alerts to a logger. It is the fallback when no operator
// webhook is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, msg string) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("operator alert", "msg", msg)
	return nil
}
