package models

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Well-known keys of ModerationRecord.Details. The payload is open; these are
// the keys the classifier writes.
const (
	DetailReason          = "reason"
	DetailTimeoutEnd      = "timeoutEnd"
	DetailTimeoutDuration = "timeoutDuration"
	DetailOldNick         = "oldNick"
	DetailNewNick         = "newNick"
	DetailChannelID       = "channelId"
	DetailCount           = "count"
	DetailAlsoChanged     = "alsoChanged"
)

// ModerationRecord is one persisted, classified moderation action.
//
// Records are immutable once appended, except for the single late binding of
// TargetUserID on records created without a resolvable subject.
type ModerationRecord struct {
	ID              uint64        `gorm:"primaryKey"`
	OccurredAt      time.Time     `gorm:"not null;index:idx_records_target,priority:3;index:idx_records_occurred"`
	CommunityID     snowflake.ID  `gorm:"not null;index:idx_records_target,priority:1"`
	ActingUserID    snowflake.ID  `gorm:"not null"`
	TargetUserID    *snowflake.ID `gorm:"index:idx_records_target,priority:2"`
	NotificationRef *string
	ActionType      ActionType `gorm:"not null"`
	Details         datatypes.JSONMap
	Attachment      []byte
	AttachmentName  *string
	CreatedAt       time.Time
}

func (ModerationRecord) TableName() string {
	return "moderation_records"
}

// Linked reports whether the record has an identified subject.
func (r *ModerationRecord) Linked() bool {
	return r.TargetUserID != nil
}

// DetailString returns a string-valued detail, if present and non-null.
func (r *ModerationRecord) DetailString(key string) (string, bool) {
	v, ok := r.Details[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
