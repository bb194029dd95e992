// Package userdir looks up platform users and community members by ID.
//
// RESTDirectory talks to the platform API. CacheDirectory wraps any Directory
// with a cachestore. MockDirectory is an in-memory fake for tests.
package userdir

import (
	"context"
	"errors"

	"github.com/TomW1605/DiscordModLog/auditlog"

	"github.com/bwmarrin/snowflake"
)

var ErrNotFound = errors.New("user not found")

type Directory interface {
	// FetchUser looks up a platform-wide user.
	FetchUser(ctx context.Context, userID snowflake.ID) (*auditlog.User, error)
	// FetchMember looks up a user's membership in a community. It fails with
	// ErrNotFound if the user is not (or no longer) a member.
	FetchMember(ctx context.Context, communityID, userID snowflake.ID) (*auditlog.User, error)
}
