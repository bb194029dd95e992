package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TomW1605/DiscordModLog/history"
	"github.com/TomW1605/DiscordModLog/logstore"
)

const bytesPerMB = 1024 * 1024

// Sweep deletes records older than the retention window and closes expired
// link sessions. Only one sweep runs at a time; a concurrent call returns
// ErrSweepRunning without doing anything.
func (eng *Engine) Sweep(ctx context.Context) (int64, error) {
	if !eng.sweepMu.TryLock() {
		return 0, ErrSweepRunning
	}
	defer eng.sweepMu.Unlock()

	ctx, span := tracer.Start(ctx, "Sweep")
	defer span.End()

	eng.expireLinks(ctx)

	cutoff := eng.now().Add(-history.RetentionWindow)
	deleted, err := eng.Store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if deleted > 0 {
		retentionDeleted.Add(float64(deleted))
		eng.Logger.Info("retention sweep removed records", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// RunRetention sweeps every interval until ctx is done.
func (eng *Engine) RunRetention(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid retention interval: %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := eng.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepRunning) {
				eng.Logger.Error("periodic retention sweep failed", "err", err)
			}
			eng.checkSize(ctx)
		}
	}
}

// checkSize raises one operator alert when the store grows past the
// configured threshold, and re-arms once it is back under.
func (eng *Engine) checkSize(ctx context.Context) {
	sizer, ok := eng.Store.(logstore.Sizer)
	if !ok || eng.Config == nil {
		return
	}
	cfg := eng.Config.Current()
	if cfg == nil || cfg.DBSizeWarningThreshold <= 0 {
		return
	}

	size, err := sizer.SizeBytes(ctx)
	if err != nil {
		eng.Logger.Warn("could not measure database size", "err", err)
		return
	}
	dbSizeBytes.Set(float64(size))

	mb := float64(size) / bytesPerMB
	if mb <= float64(cfg.DBSizeWarningThreshold) {
		eng.sizeWarned.Store(false)
		return
	}
	if eng.sizeWarned.Swap(true) {
		return
	}
	eng.Logger.Warn("database size over threshold", "size_mb", mb, "threshold_mb", cfg.DBSizeWarningThreshold)
	eng.alert(ctx, fmt.Sprintf("database size is %.2f MB, over the %d MB warning threshold", mb, cfg.DBSizeWarningThreshold))
}
