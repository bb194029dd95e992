// Package logstore persists moderation records.
//
// Records are append-only. The one permitted mutation is UpdateTargetUser,
// which binds a subject to a record created without one, and only succeeds
// once per record. Records are removed only by DeleteOlderThan.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TomW1605/DiscordModLog/models"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound      = errors.New("moderation record not found")
	ErrAlreadyLinked = errors.New("moderation record already has a target user")
	ErrInvalidRecord = errors.New("invalid moderation record")
)

type LogStore interface {
	// Append durably stores rec and returns the assigned ID, which is also
	// written back to rec.ID.
	Append(ctx context.Context, rec *models.ModerationRecord) (uint64, error)
	Get(ctx context.Context, id uint64) (*models.ModerationRecord, error)
	// QueryByTarget returns records with OccurredAt >= since, oldest first.
	QueryByTarget(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) ([]models.ModerationRecord, error)
	CountByTargetGrouped(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) (map[models.ActionType]int, error)
	// DeleteOlderThan removes records with OccurredAt strictly before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	UpdateTargetUser(ctx context.Context, recordID uint64, targetUserID snowflake.ID) error
	// LockTarget serializes writers on one (community, subject) window. The
	// returned func releases it. Callers hold it from the history count until
	// the resulting Append returns, so two actions against the same subject
	// never count the same history.
	LockTarget(ctx context.Context, communityID, targetUserID snowflake.ID) func()
}

// Sizer is implemented by stores that can report their on-disk footprint.
type Sizer interface {
	SizeBytes(ctx context.Context) (int64, error)
}

func validate(rec *models.ModerationRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if !rec.ActionType.Valid() {
		return fmt.Errorf("%w: action type %s is not persistable", ErrInvalidRecord, rec.ActionType)
	}
	if rec.CommunityID == 0 {
		return fmt.Errorf("%w: missing community", ErrInvalidRecord)
	}
	if rec.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurrence time", ErrInvalidRecord)
	}
	if rec.TargetUserID != nil && *rec.TargetUserID == 0 {
		return fmt.Errorf("%w: zero target user", ErrInvalidRecord)
	}
	return nil
}
