package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/cachestore"
	"github.com/TomW1605/DiscordModLog/guildconfig"
	"github.com/TomW1605/DiscordModLog/linking"
	"github.com/TomW1605/DiscordModLog/logstore"
	"github.com/TomW1605/DiscordModLog/models"
	"github.com/TomW1605/DiscordModLog/notify"
	"github.com/TomW1605/DiscordModLog/render"
	"github.com/TomW1605/DiscordModLog/userdir"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	guild      = snowflake.ID(1)
	quietGuild = snowflake.ID(2)
	logChannel = snowflake.ID(10)
	ignoredCh  = snowflake.ID(50)
	moderator  = snowflake.ID(100)
	subject    = snowflake.ID(200)
	bystander  = snowflake.ID(300)
)

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

type fixture struct {
	eng    *Engine
	store  *logstore.MemStore
	dir    userdir.MockDirectory
	sender *notify.MockSender
	alerts *notify.MockAlerter
	clock  *clock
}

func testConfig() *guildconfig.Config {
	ch := logChannel
	return &guildconfig.Config{
		Communities: map[snowflake.ID]*guildconfig.CommunityConfig{
			guild: {
				ID:                guild,
				Name:              "test guild",
				LogChannelRef:     &ch,
				IgnoredChannelIDs: map[snowflake.ID]struct{}{ignoredCh: {}},
			},
			// configured, but without a log channel
			quietGuild: {ID: quietGuild},
		},
	}
}

func engineFixture(t *testing.T) *fixture {
	return engineFixtureWithStore(t, logstore.NewMemStore())
}

func engineFixtureWithStore(t *testing.T, store logstore.LogStore) *fixture {
	resolver, err := guildconfig.NewResolver(testConfig())
	require.NoError(t, err)

	f := &fixture{
		dir:    userdir.NewMockDirectory(),
		sender: &notify.MockSender{},
		alerts: &notify.MockAlerter{},
		clock:  &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	if ms, ok := store.(*logstore.MemStore); ok {
		f.store = ms
	}
	f.dir.InsertMember(guild, auditlog.User{ID: moderator, DisplayName: "mod"})
	f.dir.InsertMember(guild, auditlog.User{ID: subject, DisplayName: "spammer"})
	f.dir.InsertMember(guild, auditlog.User{ID: bystander, DisplayName: "bystander"})

	f.eng = New(store, resolver, &f.dir, f.sender, nil)
	f.eng.Operator = f.alerts
	f.eng.Now = f.clock.Now
	return f
}

func (f *fixture) entry(detail auditlog.Detail) *auditlog.Entry {
	return &auditlog.Entry{
		ID:          snowflake.ID(999),
		CommunityID: guild,
		Actor:       auditlog.User{ID: moderator, DisplayName: "mod"},
		Target: &auditlog.Target{
			User:  auditlog.User{ID: subject, DisplayName: "spammer"},
			State: auditlog.TargetMember,
		},
		OccurredAt: f.clock.t,
		Detail:     detail,
	}
}

func strptr(s string) *string { return &s }

func TestBanWithReason(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	e := f.entry(auditlog.BanDetail{})
	e.Reason = strptr("spam")
	out, err := f.eng.Process(ctx, e)
	require.NoError(t, err)

	assert.Equal(models.ActionBan, out.Action)
	assert.Equal(StageRetentionSwept, out.Stage)
	assert.Equal("msg-1", out.NotificationRef)
	assert.False(out.LinkPending)

	require.Len(t, f.sender.Sent, 1)
	sent := f.sender.Sent[0]
	assert.Equal(logChannel, sent.ChannelID)
	assert.Equal("🚨 Ban Action", sent.Notification.Title)
	assert.Contains(sent.Notification.Description, "**Reason:** spam")
	// the ban being reported is counted in its own footer
	assert.Equal(1, sent.Notification.Footer.Get(models.ActionBan))

	rec, err := f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	assert.Equal(models.ActionBan, rec.ActionType)
	assert.Equal("spam", rec.Details[models.DetailReason])
	require.NotNil(t, rec.TargetUserID)
	assert.Equal(subject, *rec.TargetUserID)
	require.NotNil(t, rec.NotificationRef)
	assert.Equal("msg-1", *rec.NotificationRef)
	assert.Empty(f.alerts.Messages())
}

func TestFooterCountsHistory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	for i := 0; i < 2; i++ {
		_, err := f.eng.Warn(ctx, WarnRequest{
			CommunityID: guild,
			Actor:       auditlog.User{ID: moderator},
			TargetID:    subject,
			Reason:      strptr("be nice"),
		})
		require.NoError(t, err)
	}
	f.clock.t = f.clock.t.Add(time.Hour)

	out, err := f.eng.Process(ctx, f.entry(auditlog.MessageDeleteDetail{ChannelID: 60, Count: 1}))
	require.NoError(t, err)
	assert.Equal("Warnings: 2 | Deleted Messages: 1 | Timeouts: 0", out.Notification.FooterText())
}

func TestIgnoredEntriesHaveNoSideEffects(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	for _, d := range []auditlog.Detail{
		auditlog.MessageDeleteDetail{ChannelID: ignoredCh, Count: 3},
		auditlog.OtherDetail{Code: 10},
		auditlog.MemberUpdateDetail{},
	} {
		out, err := f.eng.Process(ctx, f.entry(d))
		require.NoError(t, err)
		assert.Equal(StageDropped, out.Stage)
	}
	out, err := f.eng.Process(ctx, nil)
	require.NoError(t, err)
	assert.Equal(StageDropped, out.Stage)

	assert.Empty(f.sender.Sent)
	assert.Equal(0, f.store.Len())
}

func TestMissingLogChannelStillPersists(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	for _, community := range []snowflake.ID{quietGuild, snowflake.ID(77)} {
		e := f.entry(auditlog.KickDetail{})
		e.CommunityID = community
		out, err := f.eng.Process(ctx, e)
		require.NoError(t, err)
		assert.Empty(out.NotificationRef)
		assert.NotZero(out.RecordID)

		rec, err := f.store.Get(ctx, out.RecordID)
		require.NoError(t, err)
		assert.Nil(rec.NotificationRef)
		assert.Equal(community, rec.CommunityID)
	}
	assert.Empty(f.sender.Sent)
	assert.Equal(2, f.store.Len())
}

func TestDeliveryFailureStillPersists(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)
	f.sender.Err = errors.New("webhook gone")

	out, err := f.eng.Process(ctx, f.entry(auditlog.BanDetail{}))
	require.NoError(t, err)
	assert.Equal(StageRetentionSwept, out.Stage)
	assert.Empty(out.NotificationRef)

	rec, err := f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	assert.Nil(rec.NotificationRef)

	alerts := f.alerts.Messages()
	require.Len(t, alerts, 1)
	assert.Contains(alerts[0], "could not deliver")
}

type failingStore struct {
	*logstore.MemStore
}

func (failingStore) Append(context.Context, *models.ModerationRecord) (uint64, error) {
	return 0, errors.New("disk full")
}

func TestPersistenceFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixtureWithStore(t, failingStore{logstore.NewMemStore()})

	out, err := f.eng.Process(ctx, f.entry(auditlog.BanDetail{}))
	assert.ErrorIs(err, ErrPersistence)
	assert.Equal(StageNotified, out.Stage)
	assert.Zero(out.RecordID)

	alerts := f.alerts.Messages()
	require.Len(t, alerts, 1)
	assert.True(strings.HasPrefix(alerts[0], "lost ban event"))
}

func TestUnresolvedTargetIsHydrated(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	e := f.entry(auditlog.KickDetail{})
	e.Target = &auditlog.Target{User: auditlog.User{ID: subject}, State: auditlog.TargetUnresolved}
	out, err := f.eng.Process(ctx, e)
	require.NoError(t, err)
	assert.False(out.LinkPending)
	assert.False(out.Notification.LinkPrompt)
	assert.Equal("**User:** spammer (<@200>)", out.Notification.Description[0])

	rec, err := f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	require.NotNil(t, rec.TargetUserID)
	assert.Equal(subject, *rec.TargetUserID)
}

func TestUnknownTargetIsMarkedForLinking(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	e := f.entry(auditlog.BanDetail{})
	e.Reason = strptr("raid")
	e.Target = &auditlog.Target{User: auditlog.User{ID: 12345}, State: auditlog.TargetUnresolved}
	out, err := f.eng.Process(ctx, e)
	require.NoError(t, err)
	assert.True(out.LinkPending)
	assert.True(out.Notification.NeedsContext)
	assert.Nil(out.Notification.Footer)

	rec, err := f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	assert.Nil(rec.TargetUserID)
}

func TestDisconnectLinking(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	e := f.entry(auditlog.MemberDisconnectDetail{Count: 1})
	e.Target = nil
	out, err := f.eng.Process(ctx, e)
	require.NoError(t, err)
	assert.True(out.LinkPending)
	assert.True(out.Notification.LinkPrompt)

	s, err := f.eng.Link(ctx, out.NotificationRef, subject)
	require.NoError(t, err)
	assert.Equal(linking.Bound, s.State())

	rec, err := f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	require.NotNil(t, rec.TargetUserID)
	assert.Equal(subject, *rec.TargetUserID)

	require.Len(t, f.sender.Edited, 1)
	edited := f.sender.Edited[0]
	assert.Equal(out.NotificationRef, edited.Ref)
	assert.Equal(logChannel, edited.ChannelID)
	assert.Equal("**User:** spammer (<@200>)", edited.Notification.Description[0])
	assert.False(edited.Notification.LinkPrompt)

	_, err = f.eng.Link(ctx, out.NotificationRef, bystander)
	assert.ErrorIs(err, linking.ErrAlreadyBound)
	rec, err = f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	assert.Equal(subject, *rec.TargetUserID)
}

func TestLinkExpiryDropsPicker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	e := f.entry(auditlog.MemberDisconnectDetail{Count: 1})
	e.Target = nil
	out, err := f.eng.Process(ctx, e)
	require.NoError(t, err)

	_, err = f.eng.Link(ctx, out.NotificationRef, 4242)
	assert.ErrorIs(err, linking.ErrUserNotFound)

	f.clock.t = f.clock.t.Add(linking.DefaultTimeout + time.Second)
	_, err = f.eng.Sweep(ctx)
	require.NoError(t, err)

	require.Len(t, f.sender.Edited, 1)
	assert.False(f.sender.Edited[0].Notification.LinkPrompt)
	_, err = f.eng.Link(ctx, out.NotificationRef, subject)
	assert.ErrorIs(err, linking.ErrUnknownSession)

	rec, err := f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	assert.Nil(rec.TargetUserID)
}

func TestRetentionAfterEvent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	old := &models.ModerationRecord{
		OccurredAt:   f.clock.t.Add(-91 * 24 * time.Hour),
		CommunityID:  guild,
		ActingUserID: moderator,
		ActionType:   models.ActionKick,
	}
	_, err := f.store.Append(ctx, old)
	require.NoError(t, err)
	edge := &models.ModerationRecord{
		OccurredAt:   f.clock.t.Add(-90 * 24 * time.Hour),
		CommunityID:  guild,
		ActingUserID: moderator,
		ActionType:   models.ActionKick,
	}
	_, err = f.store.Append(ctx, edge)
	require.NoError(t, err)

	out, err := f.eng.Process(ctx, f.entry(auditlog.UnbanDetail{}))
	require.NoError(t, err)
	assert.Equal(int64(1), out.Swept)

	_, err = f.store.Get(ctx, old.ID)
	assert.ErrorIs(err, logstore.ErrNotFound)
	_, err = f.store.Get(ctx, edge.ID)
	assert.NoError(err)
}

func TestSweepIsExclusive(t *testing.T) {
	ctx := context.Background()
	f := engineFixture(t)

	f.eng.sweepMu.Lock()
	_, err := f.eng.Sweep(ctx)
	assert.ErrorIs(t, err, ErrSweepRunning)

	// events still persist while a sweep is in progress
	out, err := f.eng.Process(ctx, f.entry(auditlog.KickDetail{}))
	require.NoError(t, err)
	assert.Equal(t, StagePersisted, out.Stage)
	f.eng.sweepMu.Unlock()
}

func TestRunRetentionStops(t *testing.T) {
	f := engineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.eng.RunRetention(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunRetention did not stop")
	}

	assert.Error(t, f.eng.RunRetention(context.Background(), 0))
}

type sizedStore struct {
	*logstore.MemStore
	size atomic.Int64
}

func (s *sizedStore) SizeBytes(context.Context) (int64, error) {
	return s.size.Load(), nil
}

func TestDBSizeWarning(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := &sizedStore{MemStore: logstore.NewMemStore()}
	f := engineFixtureWithStore(t, store)

	cfg := testConfig()
	cfg.DBSizeWarningThreshold = 1
	require.NoError(t, f.eng.ReloadConfig(cfg))

	store.size.Store(2 * bytesPerMB)
	for i := 0; i < 3; i++ {
		_, err := f.eng.Process(ctx, f.entry(auditlog.KickDetail{}))
		require.NoError(t, err)
	}
	alerts := f.alerts.Messages()
	require.Len(t, alerts, 1)
	assert.Contains(alerts[0], "over the 1 MB warning threshold")

	// back under the threshold re-arms the warning
	store.size.Store(bytesPerMB / 2)
	_, err := f.eng.Process(ctx, f.entry(auditlog.KickDetail{}))
	require.NoError(t, err)
	store.size.Store(3 * bytesPerMB)
	_, err = f.eng.Process(ctx, f.entry(auditlog.KickDetail{}))
	require.NoError(t, err)
	assert.Len(f.alerts.Messages(), 2)

	// zero disables the check
	cfg.DBSizeWarningThreshold = 0
	require.NoError(t, f.eng.ReloadConfig(cfg))
	store.size.Store(bytesPerMB / 2)
	_, err = f.eng.Process(ctx, f.entry(auditlog.KickDetail{}))
	require.NoError(t, err)
	store.size.Store(3 * bytesPerMB)
	_, err = f.eng.Process(ctx, f.entry(auditlog.KickDetail{}))
	require.NoError(t, err)
	assert.Len(f.alerts.Messages(), 2)
}

func TestWarnWithEvidence(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	out, err := f.eng.Warn(ctx, WarnRequest{
		CommunityID:    guild,
		Actor:          auditlog.User{ID: moderator},
		TargetID:       subject,
		Attachment:     []byte("png bytes"),
		AttachmentName: "proof.png",
	})
	require.NoError(t, err)
	assert.Equal(models.ActionWarning, out.Action)
	assert.True(out.Notification.NeedsContext)
	assert.Equal("**User:** spammer (<@200>)", out.Notification.Description[0])
	assert.Equal("**Moderator:** mod (<@100>)", out.Notification.Description[1])
	assert.Contains(out.Notification.Description, "**Evidence:** proof.png")
	assert.Contains(out.Notification.Description, "**Reason:** "+render.NoReason)
	assert.Equal(1, out.Notification.Footer.Get(models.ActionWarning))

	rec, err := f.store.Get(ctx, out.RecordID)
	require.NoError(t, err)
	assert.Equal([]byte("png bytes"), rec.Attachment)
	require.NotNil(t, rec.AttachmentName)
	assert.Equal("proof.png", *rec.AttachmentName)
	assert.Equal(f.clock.t, rec.OccurredAt)
	v, ok := rec.Details[models.DetailReason]
	assert.True(ok)
	assert.Nil(v)
}

// slowCountStore widens the gap between counting a subject's history and
// appending the new record.
type slowCountStore struct {
	*logstore.MemStore
	counting atomic.Int32
	overlap  atomic.Bool
}

func (s *slowCountStore) CountByTargetGrouped(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) (map[models.ActionType]int, error) {
	if s.counting.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.counting.Add(-1)
	time.Sleep(50 * time.Millisecond)
	return s.MemStore.CountByTargetGrouped(ctx, communityID, targetUserID, since)
}

func TestConcurrentWarningsCountEachOther(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := &slowCountStore{MemStore: logstore.NewMemStore()}
	f := engineFixtureWithStore(t, store)

	var wg sync.WaitGroup
	footers := make([]int, 2)
	for i := range footers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.eng.Warn(ctx, WarnRequest{
				CommunityID: guild,
				Actor:       auditlog.User{ID: moderator, DisplayName: "mod"},
				TargetID:    subject,
				Reason:      strptr("again"),
			})
			if assert.NoError(err) {
				footers[i] = out.Notification.Footer.Get(models.ActionWarning)
			}
		}()
	}
	wg.Wait()

	assert.False(store.overlap.Load())
	assert.ElementsMatch([]int{1, 2}, footers)
	recs, err := store.QueryByTarget(ctx, guild, subject, time.Time{})
	require.NoError(t, err)
	assert.Len(recs, 2)
}

func TestWarnValidation(t *testing.T) {
	ctx := context.Background()
	f := engineFixture(t)

	_, err := f.eng.Warn(ctx, WarnRequest{CommunityID: guild, Actor: auditlog.User{ID: moderator}})
	assert.ErrorIs(t, err, ErrInvalidWarning)
	_, err = f.eng.Warn(ctx, WarnRequest{
		CommunityID: guild,
		Actor:       auditlog.User{ID: moderator},
		TargetID:    subject,
		Attachment:  []byte("x"),
	})
	assert.ErrorIs(t, err, ErrInvalidWarning)
	assert.Equal(t, 0, f.store.Len())
}

type panicSender struct{}

func (panicSender) Send(context.Context, snowflake.ID, *render.Notification) (string, error) {
	panic("sender exploded")
}

func TestPanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	f := engineFixture(t)
	f.eng.Sender = panicSender{}

	out, err := f.eng.Process(ctx, f.entry(auditlog.BanDetail{}))
	assert.Error(t, err)
	assert.Equal(t, StageHistoryComputed, out.Stage)
	assert.Equal(t, 0, f.store.Len())
}

func TestReloadConfigRejectsInvalid(t *testing.T) {
	f := engineFixture(t)

	bad := &guildconfig.Config{DBSizeWarningThreshold: -1}
	assert.ErrorIs(t, f.eng.ReloadConfig(bad), guildconfig.ErrInvalidConfig)
	_, ok := f.eng.Config.Lookup(guild)
	assert.True(t, ok)
}

func TestRejectedCommunityStillPersists(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)

	const broken = snowflake.ID(3)
	zero := snowflake.ID(0)
	cfg := testConfig()
	cfg.Communities[broken] = &guildconfig.CommunityConfig{ID: broken, LogChannelRef: &zero}
	require.NoError(t, f.eng.ReloadConfig(cfg))
	_, ok := f.eng.Config.Lookup(broken)
	assert.False(ok)
	_, ok = f.eng.Config.Lookup(guild)
	assert.True(ok)

	e := f.entry(auditlog.KickDetail{})
	e.CommunityID = broken
	out, err := f.eng.Process(ctx, e)
	require.NoError(t, err)
	assert.NotZero(out.RecordID)
	assert.Empty(out.NotificationRef)
	assert.Empty(f.sender.Sent)

	// the healthy community still notifies
	out, err = f.eng.Process(ctx, f.entry(auditlog.KickDetail{}))
	require.NoError(t, err)
	assert.Equal("msg-1", out.NotificationRef)
}

func TestNicknameChangePurgesCachedProfile(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineFixture(t)
	cached := userdir.NewCacheDirectory(&f.dir, cachestore.NewMemStore(10), nil)
	f.eng.Directory = cached

	_, err := cached.FetchMember(ctx, guild, subject)
	require.NoError(t, err)
	calls := f.dir.Calls
	_, err = cached.FetchMember(ctx, guild, subject)
	require.NoError(t, err)
	assert.Equal(calls, f.dir.Calls)

	e := f.entry(auditlog.MemberUpdateDetail{Nick: &auditlog.NickChange{Before: strptr("old"), After: strptr("new")}})
	out, err := f.eng.Process(ctx, e)
	require.NoError(t, err)
	assert.Equal(models.ActionNicknameChanged, out.Action)

	_, err = cached.FetchMember(ctx, guild, subject)
	require.NoError(t, err)
	assert.Equal(calls+1, f.dir.Calls)
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "retention_swept", StageRetentionSwept.String())
	assert.Equal(t, "dropped", StageDropped.String())
}
