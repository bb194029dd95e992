package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/guildconfig"
	"github.com/TomW1605/DiscordModLog/models"
	"github.com/TomW1605/DiscordModLog/render"
	"github.com/TomW1605/DiscordModLog/userdir"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func entry(detail auditlog.Detail) *auditlog.Entry {
	return &auditlog.Entry{
		ID:          99,
		CommunityID: 1,
		Actor:       auditlog.User{ID: 2, DisplayName: "mod"},
		Target:      &auditlog.Target{User: auditlog.User{ID: 3, DisplayName: "subject"}, State: auditlog.TargetMember},
		OccurredAt:  eventTime,
		Detail:      detail,
	}
}

func strptr(s string) *string { return &s }

func timeptr(t time.Time) *time.Time { return &t }

func configs() []*guildconfig.CommunityConfig {
	logChan := snowflake.ID(10)
	return []*guildconfig.CommunityConfig{
		nil,
		{ID: 1},
		{ID: 1, LogChannelRef: &logChan, IgnoredChannelIDs: map[snowflake.ID]struct{}{50: {}, 51: {}}},
	}
}

// Ban, Unban, Kick and MemberDisconnect always classify, whatever the
// configuration says.
func TestConfigIndependentKinds(t *testing.T) {
	cases := []struct {
		detail auditlog.Detail
		want   models.ActionType
	}{
		{auditlog.BanDetail{}, models.ActionBan},
		{auditlog.UnbanDetail{}, models.ActionUnban},
		{auditlog.KickDetail{}, models.ActionKick},
		{auditlog.MemberDisconnectDetail{Count: 1}, models.ActionMemberDisconnect},
	}
	for _, tc := range cases {
		for _, reason := range []*string{nil, strptr("because")} {
			var first *Classification
			for _, cfg := range configs() {
				e := entry(tc.detail)
				e.Reason = reason
				c := Classify(e, cfg)
				assert.Equal(t, tc.want, c.Action)
				assert.False(t, c.Ignored())
				if first == nil {
					first = &c
				} else {
					assert.Equal(t, *first, c)
				}
			}
		}
	}
}

func TestBanReason(t *testing.T) {
	assert := assert.New(t)

	e := entry(auditlog.BanDetail{})
	e.Reason = strptr("spam")
	c := Classify(e, nil)
	assert.Equal(models.ActionBan, c.Action)
	assert.Equal("spam", c.Details[models.DetailReason])
	assert.Equal("🚨 Ban Action", c.Render.Title)
	assert.Equal(render.ColorRed, c.Render.Color)
	assert.Equal([]string{"**Reason:** spam"}, c.Render.Lines)
	assert.False(c.Render.NeedsReason)

	e.Reason = nil
	c = Classify(e, nil)
	v, ok := c.Details[models.DetailReason]
	assert.True(ok)
	assert.Nil(v)
	assert.True(c.Render.NeedsReason)
	assert.Equal([]string{"**Reason:** No reason provided."}, c.Render.Lines)
}

func TestUnbanCapturesNoReason(t *testing.T) {
	e := entry(auditlog.UnbanDetail{})
	e.Reason = strptr("appeal")
	c := Classify(e, nil)
	_, ok := c.Details[models.DetailReason]
	assert.False(t, ok)
	assert.False(t, c.Render.NeedsReason)
}

func TestMessageDelete(t *testing.T) {
	assert := assert.New(t)

	for _, cfg := range configs() {
		for _, ch := range []snowflake.ID{50, 51, 52} {
			c := Classify(entry(auditlog.MessageDeleteDetail{ChannelID: ch, Count: 1}), cfg)
			if cfg.IsIgnoredChannel(ch) {
				assert.True(c.Ignored())
				assert.Equal(Ignore, c)
				continue
			}
			assert.Equal(models.ActionMessageDelete, c.Action)
			assert.Equal(ch.String(), c.Details[models.DetailChannelID])
			assert.Equal([]string{render.ChannelLine(ch)}, c.Render.Lines)
		}
	}
}

func TestTimeoutRoundsUp(t *testing.T) {
	assert := assert.New(t)

	e := entry(auditlog.MemberUpdateDetail{
		Timeout: &auditlog.TimeoutChange{After: timeptr(eventTime.Add(3600 * time.Second))},
	})
	e.Reason = strptr("cool off")
	c := Classify(e, nil)
	require.Equal(t, models.ActionTimeout, c.Action)
	assert.Equal(eventTime.Add(3601*time.Second).Format(time.RFC3339Nano), c.Details[models.DetailTimeoutEnd])
	assert.Equal(int64(3601), c.Details[models.DetailTimeoutDuration])
	assert.Equal("cool off", c.Details[models.DetailReason])
	assert.Equal([]string{"**Reason:** cool off", "**Timed Out For:** 1:00:01"}, c.Render.Lines)
	assert.Equal("⏳ Timeout Action", c.Render.Title)

	// partial seconds are dropped after adding one
	assert.Equal(3601*time.Second, TimeoutDuration(eventTime, eventTime.Add(3600*time.Second+400*time.Millisecond)))
}

func TestTimeoutRemoved(t *testing.T) {
	c := Classify(entry(auditlog.MemberUpdateDetail{
		Timeout: &auditlog.TimeoutChange{Before: timeptr(eventTime.Add(time.Hour))},
	}), nil)
	assert.Equal(t, models.ActionTimeoutRemoved, c.Action)
	assert.Equal(t, "⏳ Timeout Removed", c.Render.Title)
	assert.Empty(t, c.Secondary)
}

func TestMute(t *testing.T) {
	assert := assert.New(t)

	c := Classify(entry(auditlog.MemberUpdateDetail{Mute: &auditlog.MuteChange{Before: false, After: true}}), nil)
	assert.Equal(models.ActionMuted, c.Action)
	assert.Equal("🔇 Muted Action", c.Render.Title)

	c = Classify(entry(auditlog.MemberUpdateDetail{Mute: &auditlog.MuteChange{Before: true, After: false}}), nil)
	assert.Equal(models.ActionUnmuted, c.Action)
	assert.Equal("🔇 Unmuted Action", c.Render.Title)
}

func TestNicknameChanged(t *testing.T) {
	assert := assert.New(t)

	c := Classify(entry(auditlog.MemberUpdateDetail{Nick: &auditlog.NickChange{Before: nil, After: strptr("newnick")}}), nil)
	assert.Equal(models.ActionNicknameChanged, c.Action)
	// null nickname falls back to display name
	assert.Equal("subject", c.Details[models.DetailOldNick])
	assert.Equal("newnick", c.Details[models.DetailNewNick])

	// members changing their own nickname are not logged
	e := entry(auditlog.MemberUpdateDetail{Nick: &auditlog.NickChange{Before: strptr("a"), After: strptr("b")}})
	e.Target.ID = e.Actor.ID
	assert.True(Classify(e, nil).Ignored())

	e.Target = nil
	assert.True(Classify(e, nil).Ignored())
}

func TestMemberUpdatePrecedence(t *testing.T) {
	assert := assert.New(t)

	all := auditlog.MemberUpdateDetail{
		Timeout: &auditlog.TimeoutChange{After: timeptr(eventTime.Add(time.Minute))},
		Mute:    &auditlog.MuteChange{After: true},
		Nick:    &auditlog.NickChange{Before: strptr("a"), After: strptr("b")},
	}
	c := Classify(entry(all), nil)
	assert.Equal(models.ActionTimeout, c.Action)
	assert.Equal([]models.ActionType{models.ActionMuted, models.ActionNicknameChanged}, c.Secondary)
	assert.Equal([]string{"muted", "nickname_changed"}, c.Details[models.DetailAlsoChanged])
	assert.Equal("b", c.Details[models.DetailNewNick])
	assert.Equal("⏳ Timeout Action", c.Render.Title)
	assert.Contains(c.Render.Lines, "**Also Changed:** 🔇 Muted Action, ✏️ Nickname Changed")

	assert.True(c.Changes(models.ActionNicknameChanged))
	assert.True(c.Changes(models.ActionTimeout))
	assert.False(c.Changes(models.ActionUnmuted))

	muteAndNick := auditlog.MemberUpdateDetail{Mute: all.Mute, Nick: all.Nick}
	c = Classify(entry(muteAndNick), nil)
	assert.Equal(models.ActionMuted, c.Action)
	assert.Equal([]models.ActionType{models.ActionNicknameChanged}, c.Secondary)

	// evaluation order of the input never changes the primary action
	for i := 0; i < 5; i++ {
		assert.Equal(models.ActionTimeout, Classify(entry(all), nil).Action)
	}
}

func TestIgnoredKinds(t *testing.T) {
	assert := assert.New(t)

	assert.True(Classify(entry(auditlog.OtherDetail{Code: 10}), nil).Ignored())
	assert.True(Classify(entry(auditlog.MemberUpdateDetail{}), nil).Ignored())
	assert.True(Classify(nil, nil).Ignored())
	assert.True(Classify(entry(nil), nil).Ignored())
}

func TestWarning(t *testing.T) {
	assert := assert.New(t)

	c := Warning(strptr("be nice"))
	assert.Equal(models.ActionWarning, c.Action)
	assert.Equal("be nice", c.Details[models.DetailReason])
	assert.Equal(render.ColorGold, c.Render.Color)
	assert.False(c.Render.NeedsReason)
	assert.True(Warning(nil).Render.NeedsReason)
}

type brokenDirectory struct{}

func (brokenDirectory) FetchUser(context.Context, snowflake.ID) (*auditlog.User, error) {
	return nil, errors.New("api down")
}

func (brokenDirectory) FetchMember(context.Context, snowflake.ID, snowflake.ID) (*auditlog.User, error) {
	return nil, errors.New("api down")
}

func TestResolveTarget(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	dir := userdir.NewMockDirectory()
	dir.InsertMember(1, auditlog.User{ID: 3, DisplayName: "member"})
	dir.InsertUser(auditlog.User{ID: 4, DisplayName: "former member"})

	got, err := ResolveTarget(ctx, &dir, 1, &auditlog.Target{User: auditlog.User{ID: 3}, State: auditlog.TargetUnresolved})
	require.NoError(t, err)
	assert.Equal(auditlog.TargetMember, got.State)
	assert.Equal("member", got.DisplayName)

	got, err = ResolveTarget(ctx, &dir, 1, &auditlog.Target{User: auditlog.User{ID: 4}, State: auditlog.TargetUnresolved})
	require.NoError(t, err)
	assert.Equal(auditlog.TargetUser, got.State)

	unknown := &auditlog.Target{User: auditlog.User{ID: 5}, State: auditlog.TargetUnresolved}
	got, err = ResolveTarget(ctx, &dir, 1, unknown)
	assert.ErrorIs(err, ErrUnresolvedTarget)
	assert.ErrorIs(err, userdir.ErrNotFound)
	assert.Same(unknown, got)

	_, err = ResolveTarget(ctx, brokenDirectory{}, 1, unknown)
	assert.ErrorIs(err, ErrUnresolvedTarget)

	resolved := &auditlog.Target{User: auditlog.User{ID: 6}, State: auditlog.TargetMember}
	calls := dir.Calls
	got, err = ResolveTarget(ctx, &dir, 1, resolved)
	assert.NoError(err)
	assert.Same(resolved, got)
	assert.Equal(calls, dir.Calls)

	got, err = ResolveTarget(ctx, &dir, 1, nil)
	assert.NoError(err)
	assert.Nil(got)
}
