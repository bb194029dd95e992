package logstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/TomW1605/DiscordModLog/models"

	"github.com/bwmarrin/snowflake"
)

// MemStore is an in-process LogStore. Data does not survive a restart.
type MemStore struct {
	targetLocks

	lk      sync.Mutex
	records map[uint64]*models.ModerationRecord
	nextID  uint64
}

var _ LogStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[uint64]*models.ModerationRecord),
		nextID:  1,
	}
}

func (s *MemStore) Append(ctx context.Context, rec *models.ModerationRecord) (uint64, error) {
	if err := validate(rec); err != nil {
		return 0, err
	}
	s.lk.Lock()
	defer s.lk.Unlock()

	cp := copyRecord(rec)
	cp.ID = s.nextID
	cp.OccurredAt = cp.OccurredAt.UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.nextID++
	s.records[cp.ID] = cp

	rec.ID = cp.ID
	return cp.ID, nil
}

func (s *MemStore) Get(ctx context.Context, id uint64) (*models.ModerationRecord, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemStore) QueryByTarget(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) ([]models.ModerationRecord, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var out []models.ModerationRecord
	for _, rec := range s.records {
		if matches(rec, communityID, targetUserID, since) {
			out = append(out, *copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) CountByTargetGrouped(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) (map[models.ActionType]int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	out := make(map[models.ActionType]int)
	for _, rec := range s.records {
		if matches(rec, communityID, targetUserID, since) {
			out[rec.ActionType]++
		}
	}
	return out, nil
}

func (s *MemStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.OccurredAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) UpdateTargetUser(ctx context.Context, recordID uint64, targetUserID snowflake.ID) error {
	if targetUserID == 0 {
		return ErrInvalidRecord
	}
	s.lk.Lock()
	defer s.lk.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return ErrNotFound
	}
	if rec.TargetUserID != nil {
		return ErrAlreadyLinked
	}
	rec.TargetUserID = &targetUserID
	return nil
}

// Len is the number of stored records.
func (s *MemStore) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.records)
}

func matches(rec *models.ModerationRecord, communityID, targetUserID snowflake.ID, since time.Time) bool {
	return rec.CommunityID == communityID &&
		rec.TargetUserID != nil && *rec.TargetUserID == targetUserID &&
		!rec.OccurredAt.Before(since)
}

func copyRecord(rec *models.ModerationRecord) *models.ModerationRecord {
	cp := *rec
	if rec.TargetUserID != nil {
		v := *rec.TargetUserID
		cp.TargetUserID = &v
	}
	if rec.NotificationRef != nil {
		v := *rec.NotificationRef
		cp.NotificationRef = &v
	}
	if rec.AttachmentName != nil {
		v := *rec.AttachmentName
		cp.AttachmentName = &v
	}
	cp.Details = maps.Clone(rec.Details)
	if rec.Attachment != nil {
		cp.Attachment = append([]byte(nil), rec.Attachment...)
	}
	return &cp
}
