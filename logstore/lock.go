package logstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
)

type targetKey struct {
	community snowflake.ID
	target    snowflake.ID
}

type targetLock struct {
	lk      sync.Mutex
	waiters atomic.Int32
}

// targetLocks hands out one mutex per (community, subject) aggregate window.
// The zero value is ready to use.
type targetLocks struct {
	lklk  sync.Mutex
	locks map[targetKey]*targetLock
}

// LockTarget blocks until the caller holds the window for targetUserID in
// communityID. Counting a subject's history and appending the record that
// follows from it must both happen under this lock.
func (tl *targetLocks) LockTarget(ctx context.Context, communityID, targetUserID snowflake.ID) func() {
	_, span := otel.Tracer("logstore").Start(ctx, "LockTarget")
	defer span.End()

	key := targetKey{community: communityID, target: targetUserID}

	tl.lklk.Lock()
	if tl.locks == nil {
		tl.locks = make(map[targetKey]*targetLock)
	}
	l, ok := tl.locks[key]
	if !ok {
		l = &targetLock{}
		tl.locks[key] = l
	}
	l.waiters.Add(1)
	tl.lklk.Unlock()

	l.lk.Lock()

	return func() {
		tl.lklk.Lock()
		defer tl.lklk.Unlock()

		l.lk.Unlock()
		if l.waiters.Add(-1) == 0 {
			delete(tl.locks, key)
		}
	}
}

func (tl *targetLocks) held() int {
	tl.lklk.Lock()
	defer tl.lklk.Unlock()
	return len(tl.locks)
}
