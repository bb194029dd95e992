package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/classify"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/attribute"
)

// WarnRequest is a warning issued by a moderator outside the audit log.
type WarnRequest struct {
	CommunityID snowflake.ID
	// the profile is looked up when DisplayName is empty
	Actor          auditlog.User
	TargetID       snowflake.ID
	Reason         *string
	Attachment     []byte
	AttachmentName string
	// defaults to now
	OccurredAt time.Time
}

// Warn records a manual warning through the same notify and persist path as
// audit entries.
func (eng *Engine) Warn(ctx context.Context, req WarnRequest) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "Warn")
	defer span.End()

	if req.CommunityID == 0 || req.Actor.ID == 0 || req.TargetID == 0 {
		return nil, fmt.Errorf("%w: community, actor and target are required", ErrInvalidWarning)
	}
	if len(req.Attachment) > 0 && req.AttachmentName == "" {
		return nil, fmt.Errorf("%w: attachment without a name", ErrInvalidWarning)
	}
	span.SetAttributes(attribute.String("guild", req.CommunityID.String()))
	logger := eng.Logger.With("guild", req.CommunityID, "target", req.TargetID)

	cfg, ok := eng.lookup(req.CommunityID)
	if !ok {
		eventErrorCount.WithLabelValues("configuration").Inc()
		logger.Warn("warning for unconfigured community", "err", ErrConfiguration)
	}

	target := &auditlog.Target{User: auditlog.User{ID: req.TargetID}, State: auditlog.TargetUnresolved}
	if resolved, err := classify.ResolveTarget(ctx, eng.Directory, req.CommunityID, target); err != nil {
		eventErrorCount.WithLabelValues("target_resolution").Inc()
		logger.Warn("warning target resolution failed", "err", fmt.Errorf("%w: %w", ErrTargetResolution, err))
	} else {
		target = resolved
	}

	actor := req.Actor
	if actor.DisplayName == "" && eng.Directory != nil {
		if m, err := eng.Directory.FetchMember(ctx, req.CommunityID, actor.ID); err == nil {
			actor = *m
		}
	}

	c := classify.Warning(req.Reason)
	r := report{
		communityID: req.CommunityID,
		cfg:         cfg,
		actor:       actor,
		target:      target,
		occurredAt:  req.OccurredAt,
		class:       c,
	}
	if r.occurredAt.IsZero() {
		r.occurredAt = eng.now()
	}
	if req.AttachmentName != "" {
		name := req.AttachmentName
		r.attachment = req.Attachment
		r.attachmentName = &name
		c.Render.Lines = append(c.Render.Lines, "**Evidence:** "+name)
		r.class = c
	}

	return eng.report(ctx, logger, &Outcome{Stage: StageClassified}, r)
}
