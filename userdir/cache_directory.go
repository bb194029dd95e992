package userdir

import (
	"context"
	"log/slog"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/cachestore"

	"github.com/bwmarrin/snowflake"
)

const (
	// community members change nicknames, so their profiles go stale quickly
	DefaultMemberTTL = 5 * time.Minute
	DefaultUserTTL   = time.Hour
)

// CacheDirectory caches successful lookups from Inner. Misses and errors are
// not cached, so a user who joins later is found on the next lookup.
type CacheDirectory struct {
	Inner  Directory
	Logger *slog.Logger

	users   cachestore.Bucket
	members cachestore.Bucket
}

var _ Directory = (*CacheDirectory)(nil)

func NewCacheDirectory(inner Directory, store cachestore.Store, logger *slog.Logger) *CacheDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheDirectory{
		Inner:   inner,
		Logger:  logger.With("component", "userdir"),
		users:   store.Bucket("user", DefaultUserTTL),
		members: store.Bucket("member", DefaultMemberTTL),
	}
}

func memberCacheKey(communityID, userID snowflake.ID) string {
	return communityID.String() + "/" + userID.String()
}

func (d *CacheDirectory) FetchUser(ctx context.Context, userID snowflake.ID) (*auditlog.User, error) {
	return d.cached(ctx, "user", d.users, userID.String(), func() (*auditlog.User, error) {
		return d.Inner.FetchUser(ctx, userID)
	})
}

func (d *CacheDirectory) FetchMember(ctx context.Context, communityID, userID snowflake.ID) (*auditlog.User, error) {
	return d.cached(ctx, "member", d.members, memberCacheKey(communityID, userID), func() (*auditlog.User, error) {
		return d.Inner.FetchMember(ctx, communityID, userID)
	})
}

// Purge drops any cached entries for a user, for example after their
// nickname changed.
func (d *CacheDirectory) Purge(ctx context.Context, communityID, userID snowflake.ID) error {
	if err := d.users.Purge(ctx, userID.String()); err != nil {
		return err
	}
	return d.members.Purge(ctx, memberCacheKey(communityID, userID))
}

func (d *CacheDirectory) cached(ctx context.Context, name string, b cachestore.Bucket, key string, fetch func() (*auditlog.User, error)) (*auditlog.User, error) {
	u, ok, err := cachestore.GetJSON[auditlog.User](ctx, b, key)
	if err != nil {
		// a broken cache should never block resolution
		d.Logger.Warn("user cache read failed", "cache", name, "key", key, "err", err)
	}
	if ok {
		userCacheResults.WithLabelValues(name, "hit").Inc()
		return u, nil
	}
	userCacheResults.WithLabelValues(name, "miss").Inc()

	fetched, err := fetch()
	if err != nil {
		return nil, err
	}
	if err := cachestore.SetJSON(ctx, b, key, fetched); err != nil {
		d.Logger.Warn("user cache write failed", "cache", name, "key", key, "err", err)
	}
	return fetched, nil
}
