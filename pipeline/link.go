package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/TomW1605/DiscordModLog/linking"

	"github.com/bwmarrin/snowflake"
)

// Link binds userID as the subject of the record behind a notification and
// updates the delivered notification. A failed edit is logged; the binding
// stands.
func (eng *Engine) Link(ctx context.Context, ref string, userID snowflake.ID) (*linking.Session, error) {
	if eng.Links == nil {
		return nil, ErrLinkingOff
	}
	ctx, span := tracer.Start(ctx, "Link")
	defer span.End()

	s, err := eng.Links.Pick(ctx, ref, userID)
	if err != nil {
		linkAttempts.WithLabelValues(linkResult(err)).Inc()
		return s, err
	}
	linkAttempts.WithLabelValues("bound").Inc()

	if eng.Editor != nil {
		if err := eng.Editor.Edit(ctx, s.ChannelID, s.Ref, s.Notification()); err != nil {
			eventErrorCount.WithLabelValues("delivery").Inc()
			eng.Logger.Error("failed to update linked notification", "record", s.RecordID, "err", fmt.Errorf("%w: %w", ErrDelivery, err))
		}
	}
	return s, nil
}

func linkResult(err error) string {
	switch {
	case errors.Is(err, linking.ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, linking.ErrExpired):
		return "expired"
	case errors.Is(err, linking.ErrNoSelection):
		return "no_selection"
	case errors.Is(err, linking.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, linking.ErrUnknownSession):
		return "unknown_session"
	default:
		return "error"
	}
}

// expireLinks closes link sessions whose window has passed and removes the
// picker from their notifications.
func (eng *Engine) expireLinks(ctx context.Context) {
	if eng.Links == nil {
		return
	}
	for _, s := range eng.Links.Sweep() {
		eng.Logger.Info("link session expired", "record", s.RecordID, "ref", s.Ref)
		if eng.Editor == nil || s.Notification() == nil {
			continue
		}
		n := *s.Notification()
		n.LinkPrompt = false
		if err := eng.Editor.Edit(ctx, s.ChannelID, s.Ref, &n); err != nil {
			eng.Logger.Warn("failed to update expired notification", "record", s.RecordID, "err", err)
		}
	}
}
