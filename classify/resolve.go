package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/userdir"

	"github.com/bwmarrin/snowflake"
)

var ErrUnresolvedTarget = errors.New("target could not be resolved")

// ResolveTarget hydrates an ID-only target with one best-effort lookup: as a
// community member first, then as a platform user. Already resolved or absent
// targets are returned unchanged. On failure the original target is returned
// together with an error wrapping ErrUnresolvedTarget.
func ResolveTarget(ctx context.Context, dir userdir.Directory, communityID snowflake.ID, t *auditlog.Target) (*auditlog.Target, error) {
	if t == nil || t.Resolved() {
		return t, nil
	}
	if t.ID == 0 || dir == nil {
		return t, ErrUnresolvedTarget
	}

	m, err := dir.FetchMember(ctx, communityID, t.ID)
	if err == nil {
		return &auditlog.Target{User: *m, State: auditlog.TargetMember}, nil
	}
	if !errors.Is(err, userdir.ErrNotFound) {
		return t, fmt.Errorf("%w: member %s: %w", ErrUnresolvedTarget, t.ID, err)
	}

	u, err := dir.FetchUser(ctx, t.ID)
	if err != nil {
		return t, fmt.Errorf("%w: user %s: %w", ErrUnresolvedTarget, t.ID, err)
	}
	return &auditlog.Target{User: *u, State: auditlog.TargetUser}, nil
}
