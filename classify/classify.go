// Package classify maps decoded audit-log entries onto moderation action
// types.
//
// Classify is a pure function of the entry and the owning community's
// configuration. Target hydration, which needs I/O, is a separate step
// (ResolveTarget) performed by the caller before classification.
package classify

import (
	"strings"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/guildconfig"
	"github.com/TomW1605/DiscordModLog/models"
	"github.com/TomW1605/DiscordModLog/render"
)

type Classification struct {
	Action  models.ActionType
	Details map[string]any
	Render  render.Fields
	// other action types detected in the same member update, in precedence
	// order; they are recorded in Details but do not get their own record
	Secondary []models.ActionType
}

// Ignored reports whether the entry should produce no record and no
// notification.
func (c Classification) Ignored() bool {
	return !c.Action.Valid()
}

// Changes reports whether a is the primary or a secondary action.
func (c Classification) Changes(a models.ActionType) bool {
	if c.Action == a {
		return true
	}
	for _, s := range c.Secondary {
		if s == a {
			return true
		}
	}
	return false
}

var Ignore = Classification{}

func Classify(e *auditlog.Entry, cfg *guildconfig.CommunityConfig) Classification {
	if e == nil {
		return Ignore
	}
	switch d := e.Detail.(type) {
	case auditlog.BanDetail:
		return withReason(models.ActionBan, "🚨 Ban Action", render.ColorRed, e.Reason)
	case auditlog.UnbanDetail:
		return Classification{
			Action:  models.ActionUnban,
			Details: map[string]any{},
			Render:  render.Fields{Title: "✅ Unban Action", Color: render.ColorGreen},
		}
	case auditlog.KickDetail:
		return withReason(models.ActionKick, "⚠️ Kick Action", render.ColorOrange, e.Reason)
	case auditlog.MemberUpdateDetail:
		return classifyMemberUpdate(e, d)
	case auditlog.MemberDisconnectDetail:
		c := Classification{
			Action:  models.ActionMemberDisconnect,
			Details: map[string]any{models.DetailCount: d.Count},
			Render:  render.Fields{Title: "🔊 User Disconnected", Color: render.ColorDarkRed},
		}
		addOptionalReason(c.Details, e.Reason)
		return c
	case auditlog.MessageDeleteDetail:
		if cfg.IsIgnoredChannel(d.ChannelID) {
			return Ignore
		}
		c := Classification{
			Action: models.ActionMessageDelete,
			Details: map[string]any{
				models.DetailChannelID: d.ChannelID.String(),
				models.DetailCount:     d.Count,
			},
			Render: render.Fields{
				Title: "🗑️ Message Deleted",
				Color: render.ColorDarkRed,
				Lines: []string{render.ChannelLine(d.ChannelID)},
			},
		}
		addOptionalReason(c.Details, e.Reason)
		return c
	default:
		return Ignore
	}
}

// Warning classifies a manually issued warning.
func Warning(reason *string) Classification {
	return withReason(models.ActionWarning, "📝 Warning", render.ColorGold, reason)
}

func withReason(action models.ActionType, title string, color render.Color, reason *string) Classification {
	return Classification{
		Action:  action,
		Details: map[string]any{models.DetailReason: reasonValue(reason)},
		Render: render.Fields{
			Title:       title,
			Color:       color,
			Lines:       []string{render.ReasonLine(reason)},
			NeedsReason: reasonValue(reason) == nil,
		},
	}
}

// reasonValue is the stored form of a reason: a string, or nil when absent.
func reasonValue(reason *string) any {
	if reason == nil || *reason == "" {
		return nil
	}
	return *reason
}

func addOptionalReason(details map[string]any, reason *string) {
	if v := reasonValue(reason); v != nil {
		details[models.DetailReason] = v
	}
}

// TimeoutDuration is the displayed length of a timeout ending at until for an
// action taken at occurredAt. One second is added so partial seconds round
// up, then the result is truncated to whole seconds.
func TimeoutDuration(occurredAt, until time.Time) time.Duration {
	return (until.Sub(occurredAt) + time.Second).Truncate(time.Second)
}

// subCheck is one independent finding within a member update.
type subCheck struct {
	action  models.ActionType
	details map[string]any
	fields  render.Fields
}

// classifyMemberUpdate evaluates each member-update sub-check and picks a
// single primary action by precedence: timeout changes, then mute changes,
// then nickname changes.
func classifyMemberUpdate(e *auditlog.Entry, d auditlog.MemberUpdateDetail) Classification {
	var checks []subCheck

	if tc := d.Timeout; tc != nil {
		if tc.After != nil {
			dur := TimeoutDuration(e.OccurredAt, *tc.After)
			checks = append(checks, subCheck{
				action: models.ActionTimeout,
				details: map[string]any{
					models.DetailReason:          reasonValue(e.Reason),
					models.DetailTimeoutEnd:      e.OccurredAt.Add(dur).UTC().Format(time.RFC3339Nano),
					models.DetailTimeoutDuration: int64(dur / time.Second),
				},
				fields: render.Fields{
					Title:       "⏳ Timeout Action",
					Color:       render.ColorBlue,
					Lines:       []string{render.ReasonLine(e.Reason), render.TimedOutForLine(dur)},
					NeedsReason: reasonValue(e.Reason) == nil,
				},
			})
		} else {
			checks = append(checks, subCheck{
				action:  models.ActionTimeoutRemoved,
				details: map[string]any{},
				fields:  render.Fields{Title: "⏳ Timeout Removed", Color: render.ColorBlue},
			})
		}
	}

	if mc := d.Mute; mc != nil {
		sc := subCheck{
			action:  models.ActionUnmuted,
			details: map[string]any{},
			fields:  render.Fields{Title: "🔇 Unmuted Action", Color: render.ColorOrange},
		}
		if mc.After {
			sc.action = models.ActionMuted
			sc.fields.Title = "🔇 Muted Action"
		}
		checks = append(checks, sc)
	}

	// self-service nickname changes are not moderation
	if nc := d.Nick; nc != nil && e.Target != nil && e.Target.ID != e.Actor.ID {
		fallback := e.Target.DisplayName
		oldNick, newNick := valueOr(nc.Before, fallback), valueOr(nc.After, fallback)
		checks = append(checks, subCheck{
			action: models.ActionNicknameChanged,
			details: map[string]any{
				models.DetailOldNick: oldNick,
				models.DetailNewNick: newNick,
			},
			fields: render.Fields{
				Title: "✏️ Nickname Changed",
				Color: render.ColorBlurple,
				Lines: []string{"**Old Nickname:** " + oldNick, "**New Nickname:** " + newNick},
			},
		})
	}

	if len(checks) == 0 {
		return Ignore
	}

	primary := checks[0]
	c := Classification{
		Action:  primary.action,
		Details: primary.details,
		Render:  primary.fields,
	}
	if len(checks) > 1 {
		also := make([]string, 0, len(checks)-1)
		titles := make([]string, 0, len(checks)-1)
		for _, sc := range checks[1:] {
			c.Secondary = append(c.Secondary, sc.action)
			also = append(also, sc.action.String())
			titles = append(titles, sc.fields.Title)
			for k, v := range sc.details {
				if _, ok := c.Details[k]; !ok {
					c.Details[k] = v
				}
			}
		}
		c.Details[models.DetailAlsoChanged] = also
		c.Render.Lines = append(c.Render.Lines, "**Also Changed:** "+strings.Join(titles, ", "))
	}
	if c.Action != models.ActionTimeout {
		addOptionalReason(c.Details, e.Reason)
	}
	return c
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
