// Package history computes trailing-window moderation counts for a target
// user.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/TomW1605/DiscordModLog/models"

	"github.com/bwmarrin/snowflake"
)

const (
	// StatsWindow is the lookback used for notification footers.
	StatsWindow = 30 * 24 * time.Hour
	// RetentionWindow is the age past which records are purged.
	RetentionWindow = 90 * 24 * time.Hour
)

// Counter is the subset of the log store the aggregator reads from.
type Counter interface {
	CountByTargetGrouped(ctx context.Context, communityID, targetUserID snowflake.ID, since time.Time) (map[models.ActionType]int, error)
}

// Counts maps action types to the number of records observed. Missing keys
// are zero.
type Counts map[models.ActionType]int

func (c Counts) Get(a models.ActionType) int {
	if c == nil {
		return 0
	}
	return c[a]
}

func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Footer is the summary line shown under a notification.
func (c Counts) Footer() string {
	return fmt.Sprintf("Warnings: %d | Deleted Messages: %d | Timeouts: %d",
		c.Get(models.ActionWarning), c.Get(models.ActionMessageDelete), c.Get(models.ActionTimeout))
}

type Aggregator struct {
	Store Counter
	// defaults to time.Now
	Now func() time.Time
}

func NewAggregator(store Counter) *Aggregator {
	return &Aggregator{Store: store, Now: time.Now}
}

// Aggregate returns per-type counts for the target over [now-window, now].
// A valid pending action is counted as one extra, so the result reflects an
// action that is being reported but not yet persisted.
func (a *Aggregator) Aggregate(ctx context.Context, communityID, targetUserID snowflake.ID, window time.Duration, pending models.ActionType) (Counts, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	since := now().Add(-window)

	raw, err := a.Store.CountByTargetGrouped(ctx, communityID, targetUserID, since)
	if err != nil {
		return nil, fmt.Errorf("counting history for %s: %w", targetUserID, err)
	}

	counts := make(Counts, len(raw)+1)
	for k, v := range raw {
		if k.Valid() {
			counts[k] = v
		}
	}
	if pending.Valid() {
		counts[pending]++
	}
	return counts, nil
}
