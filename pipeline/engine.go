// Package pipeline drives one audit-log entry through classification,
// history, notification, persistence and retention.
//
// The order of side effects is fixed: classify, aggregate, send (best
// effort), persist, sweep. Delivery failures never block persistence. An
// event whose record cannot be persisted is lost and reported.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/classify"
	"github.com/TomW1605/DiscordModLog/guildconfig"
	"github.com/TomW1605/DiscordModLog/history"
	"github.com/TomW1605/DiscordModLog/linking"
	"github.com/TomW1605/DiscordModLog/logstore"
	"github.com/TomW1605/DiscordModLog/models"
	"github.com/TomW1605/DiscordModLog/notify"
	"github.com/TomW1605/DiscordModLog/render"
	"github.com/TomW1605/DiscordModLog/userdir"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("pipeline")

type Stage int

const (
	StageReceived Stage = iota
	StageDropped
	StageClassified
	StageHistoryComputed
	StageNotified
	StagePersisted
	StageRetentionSwept
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageDropped:
		return "dropped"
	case StageClassified:
		return "classified"
	case StageHistoryComputed:
		return "history_computed"
	case StageNotified:
		return "notified"
	case StagePersisted:
		return "persisted"
	case StageRetentionSwept:
		return "retention_swept"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Outcome describes how far an event got. Delivery is optional, so an
// Outcome can reach StagePersisted without a NotificationRef.
type Outcome struct {
	Stage           Stage
	Action          models.ActionType
	RecordID        uint64
	NotificationRef string
	Notification    *render.Notification
	// a link session was opened for the record
	LinkPending bool
	// records removed by the retention sweep that followed this event
	Swept int64
}

// Engine is safe for concurrent use. Events for the same community should be
// fed in arrival order; see package scheduler.
//
// Construct with New; Sender, Editor, Operator and Links may be replaced
// before the first event.
type Engine struct {
	Logger    *slog.Logger
	Store     logstore.LogStore
	Config    *guildconfig.Resolver
	Directory userdir.Directory
	Sender    notify.Sender
	// optional; used to update notifications after linking or expiry
	Editor   notify.Editor
	Operator notify.OperatorAlerter
	History  *history.Aggregator
	Links    *linking.Registry
	// defaults to time.Now
	Now func() time.Time
	// run a retention sweep after every persisted event
	SweepEveryEvent bool

	sweepMu    sync.Mutex
	sizeWarned atomic.Bool
}

func New(store logstore.LogStore, cfg *guildconfig.Resolver, dir userdir.Directory, sender notify.Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	eng := &Engine{
		Logger:          logger.With("system", "pipeline"),
		Store:           store,
		Config:          cfg,
		Directory:       dir,
		Sender:          sender,
		Operator:        notify.LogAlerter{Logger: logger},
		SweepEveryEvent: true,
	}
	if ed, ok := sender.(notify.Editor); ok {
		eng.Editor = ed
	}
	eng.History = &history.Aggregator{Store: store, Now: eng.now}
	if dir != nil {
		eng.Links = linking.NewRegistry(store, dir, logger)
		eng.Links.Now = eng.now
	}
	return eng
}

func (eng *Engine) now() time.Time {
	if eng.Now != nil {
		return eng.Now()
	}
	return time.Now()
}

// ReloadConfig swaps the community configuration. On error the previous
// configuration stays in effect.
func (eng *Engine) ReloadConfig(cfg *guildconfig.Config) error {
	if err := eng.Config.Reload(cfg); err != nil {
		return err
	}
	eng.Config.Current().LogRejected(eng.Logger)
	eng.Logger.Info("configuration reloaded", "communities", len(eng.Config.Current().Communities))
	return nil
}

// Process handles one audit-log entry. The returned error is non-nil only
// when the record could not be persisted; other failures are logged and
// reported to the operator.
func (eng *Engine) Process(ctx context.Context, e *auditlog.Entry) (out *Outcome, err error) {
	ctx, span := tracer.Start(ctx, "Process")
	defer span.End()

	out = &Outcome{Stage: StageReceived}
	if e == nil {
		out.Stage = StageDropped
		eventDroppedCount.Inc()
		return out, nil
	}
	logger := eng.Logger.With("guild", e.CommunityID, "entry", e.ID, "kind", e.Kind)
	span.SetAttributes(
		attribute.String("guild", e.CommunityID.String()),
		attribute.String("kind", e.Kind.String()),
	)

	// similar to an HTTP server, we want to recover any panics from event processing
	defer func() {
		if r := recover(); r != nil {
			logger.Error("moderation event execution exception", "err", r, "stage", out.Stage)
			err = fmt.Errorf("processing entry %s: panic: %v", e.ID, r)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	cfg, ok := eng.lookup(e.CommunityID)
	if !ok {
		eventErrorCount.WithLabelValues("configuration").Inc()
		logger.Warn("processing event for unconfigured community", "err", ErrConfiguration)
	}

	c := classify.Classify(e, cfg)
	if c.Ignored() {
		out.Stage = StageDropped
		eventDroppedCount.Inc()
		logger.Debug("audit entry ignored")
		return out, nil
	}
	out.Stage = StageClassified
	eng.purgeProfile(ctx, logger, e, c)

	target := e.Target
	if target != nil && !target.Resolved() {
		resolved, rerr := classify.ResolveTarget(ctx, eng.Directory, e.CommunityID, target)
		if rerr != nil {
			eventErrorCount.WithLabelValues("target_resolution").Inc()
			logger.Warn("target resolution failed", "target", target.ID, "err", fmt.Errorf("%w: %w", ErrTargetResolution, rerr))
		} else {
			target = resolved
			hydrated := *e
			hydrated.Target = resolved
			c = classify.Classify(&hydrated, cfg)
			if c.Ignored() {
				out.Stage = StageDropped
				eventDroppedCount.Inc()
				return out, nil
			}
		}
	}

	return eng.report(ctx, logger, out, report{
		communityID: e.CommunityID,
		cfg:         cfg,
		actor:       e.Actor,
		target:      target,
		occurredAt:  e.OccurredAt,
		class:       c,
	})
}

// profilePurger is implemented by caching directories.
type profilePurger interface {
	Purge(ctx context.Context, communityID, userID snowflake.ID) error
}

// purgeProfile drops a cached profile the entry just made stale.
func (eng *Engine) purgeProfile(ctx context.Context, logger *slog.Logger, e *auditlog.Entry, c classify.Classification) {
	p, ok := eng.Directory.(profilePurger)
	if !ok {
		return
	}
	id, ok := e.TargetID()
	if !ok || !c.Changes(models.ActionNicknameChanged) {
		return
	}
	if err := p.Purge(ctx, e.CommunityID, id); err != nil {
		logger.Warn("failed to purge cached profile", "user", id, "err", err)
	}
}

func (eng *Engine) lookup(communityID snowflake.ID) (*guildconfig.CommunityConfig, bool) {
	if eng.Config == nil {
		return nil, false
	}
	return eng.Config.Lookup(communityID)
}

// report is one classified action on its way to the store.
type report struct {
	communityID    snowflake.ID
	cfg            *guildconfig.CommunityConfig
	actor          auditlog.User
	target         *auditlog.Target
	occurredAt     time.Time
	class          classify.Classification
	attachment     []byte
	attachmentName *string
}

// report runs the aggregate, notify, persist and sweep stages shared by audit
// entries and manual warnings.
func (eng *Engine) report(ctx context.Context, logger *slog.Logger, out *Outcome, r report) (*Outcome, error) {
	start := time.Now()
	action := r.class.Action
	out.Action = action
	logger = logger.With("action", action)
	defer func() {
		eventProcessDuration.WithLabelValues(action.String()).Observe(time.Since(start).Seconds())
	}()

	unresolved := !r.target.Resolved()
	var subject *auditlog.User
	var counts history.Counts
	var releaseOnce sync.Once
	unlock := func() {}
	release := func() { releaseOnce.Do(unlock) }
	defer release()
	if !unresolved {
		subject = &r.target.User
		// held until the record is appended so the footer counts every
		// earlier action against this subject
		unlock = eng.Store.LockTarget(ctx, r.communityID, subject.ID)
		var err error
		counts, err = eng.History.Aggregate(ctx, r.communityID, subject.ID, history.StatsWindow, action)
		if err != nil {
			eventErrorCount.WithLabelValues("history").Inc()
			logger.Warn("history unavailable, omitting footer", "err", err)
		}
	}
	out.Stage = StageHistoryComputed

	n := render.Build(render.Input{
		Fields:           r.class.Render,
		Actor:            r.actor,
		Target:           subject,
		Counts:           counts,
		OccurredAt:       r.occurredAt,
		TargetUnresolved: unresolved,
	})
	if counts == nil {
		n.Footer = nil
	}
	out.Notification = n

	var channelID snowflake.ID
	if r.cfg != nil && r.cfg.LogChannelRef != nil {
		channelID = *r.cfg.LogChannelRef
	}
	if channelID != 0 && eng.Sender != nil {
		ref, err := eng.Sender.Send(ctx, channelID, n)
		if err != nil {
			eventErrorCount.WithLabelValues("delivery").Inc()
			err = fmt.Errorf("%w: channel %s: %w", ErrDelivery, channelID, err)
			logger.Error("failed to deliver notification", "err", err)
			eng.alert(ctx, fmt.Sprintf("could not deliver %s notification for guild %s: %v", action, r.communityID, err))
		} else {
			notificationsSent.Inc()
			out.NotificationRef = ref
			out.Stage = StageNotified
		}
	} else {
		logger.Debug("no log channel configured, skipping notification")
	}

	rec := &models.ModerationRecord{
		OccurredAt:     r.occurredAt,
		CommunityID:    r.communityID,
		ActingUserID:   r.actor.ID,
		ActionType:     action,
		Details:        datatypes.JSONMap(r.class.Details),
		Attachment:     r.attachment,
		AttachmentName: r.attachmentName,
	}
	if subject != nil {
		id := subject.ID
		rec.TargetUserID = &id
	}
	if out.NotificationRef != "" {
		ref := out.NotificationRef
		rec.NotificationRef = &ref
	}

	id, err := eng.Store.Append(ctx, rec)
	release()
	if err != nil {
		eventErrorCount.WithLabelValues("persistence").Inc()
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
		logger.Error("failed to persist moderation record", "err", err)
		eng.alert(ctx, fmt.Sprintf("lost %s event for guild %s: %v", action, r.communityID, err))
		return out, err
	}
	out.RecordID = id
	out.Stage = StagePersisted
	eventProcessCount.WithLabelValues(action.String()).Inc()
	logger.Info("moderation record persisted", "record", id, "ref", out.NotificationRef)

	if unresolved && out.NotificationRef != "" && eng.Links != nil {
		eng.Links.Open(id, r.communityID, channelID, out.NotificationRef, n)
		out.LinkPending = true
	}

	if eng.SweepEveryEvent {
		deleted, err := eng.Sweep(ctx)
		switch {
		case errors.Is(err, ErrSweepRunning):
		case err != nil:
			logger.Warn("retention sweep failed", "err", err)
		default:
			out.Swept = deleted
			out.Stage = StageRetentionSwept
		}
	}
	eng.checkSize(ctx)

	return out, nil
}

func (eng *Engine) alert(ctx context.Context, msg string) {
	if eng.Operator == nil {
		return
	}
	if err := eng.Operator.Alert(ctx, msg); err != nil {
		eng.Logger.Error("failed to send operator alert", "err", err)
	}
}
