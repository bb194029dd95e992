package logstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TomW1605/DiscordModLog/models"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SQLStore is a LogStore backed by gorm (sqlite or postgres).
type SQLStore struct {
	targetLocks

	db *gorm.DB
}

var (
	_ LogStore = (*SQLStore)(nil)
	_ Sizer    = (*SQLStore)(nil)
)

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&models.ModerationRecord{}); err != nil {
		return nil, fmt.Errorf("migrating moderation records: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Append(ctx context.Context, rec *models.ModerationRecord) (uint64, error) {
	if err := validate(rec); err != nil {
		return 0, err
	}
	row := *rec
	row.ID = 0
	row.OccurredAt = row.OccurredAt.UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("inserting moderation record: %w", err)
	}
	rec.ID = row.ID
	rec.CreatedAt = row.CreatedAt
	return row.ID, nil
}

func (s *SQLStore) Get(ctx context.Context, id uint64) (*models.ModerationRecord, error) {
	var rec models.ModerationRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) QueryByTarget(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) ([]models.ModerationRecord, error) {
	var recs []models.ModerationRecord
	if err := s.db.WithContext(ctx).
		Where("community_id = ? AND target_user_id = ? AND occurred_at >= ?", communityID, targetUserID, since.UTC()).
		Order("occurred_at asc, id asc").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

type actionCount struct {
	ActionType models.ActionType
	Count      int
}

func (s *SQLStore) CountByTargetGrouped(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) (map[models.ActionType]int, error) {
	var rows []actionCount
	if err := s.db.WithContext(ctx).Model(&models.ModerationRecord{}).
		Select("action_type, count(*) as count").
		Where("community_id = ? AND target_user_id = ? AND occurred_at >= ?", communityID, targetUserID, since.UTC()).
		Group("action_type").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[models.ActionType]int, len(rows))
	for _, r := range rows {
		out[r.ActionType] = r.Count
	}
	return out, nil
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("occurred_at < ?", cutoff.UTC()).Delete(&models.ModerationRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting expired records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *SQLStore) UpdateTargetUser(ctx context.Context, recordID uint64, targetUserID snowflake.ID) error {
	if targetUserID == 0 {
		return ErrInvalidRecord
	}
	res := s.db.WithContext(ctx).Model(&models.ModerationRecord{}).
		Where("id = ? AND target_user_id IS NULL", recordID).
		Update("target_user_id", targetUserID)
	if res.Error != nil {
		return fmt.Errorf("linking record %d: %w", recordID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// nothing updated: either missing or already linked
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.ModerationRecord{}).Where("id = ?", recordID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrAlreadyLinked
}

func (s *SQLStore) SizeBytes(ctx context.Context) (int64, error) {
	db := s.db.WithContext(ctx)
	switch s.db.Dialector.Name() {
	case "sqlite":
		var pages, pageSize int64
		if err := db.Raw("PRAGMA page_count").Scan(&pages).Error; err != nil {
			return 0, err
		}
		if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
			return 0, err
		}
		return pages * pageSize, nil
	case "postgres":
		var size int64
		if err := db.Raw("SELECT pg_total_relation_size(?)", models.ModerationRecord{}.TableName()).Scan(&size).Error; err != nil {
			return 0, err
		}
		return size, nil
	default:
		return 0, fmt.Errorf("size not supported for %s databases", s.db.Dialector.Name())
	}
}
