// Package auditlog models raw platform audit-log entries as delivered by the
// gateway collaborator.
//
// Entries are decoded once, at the ingest boundary, into an Entry whose
// kind-specific fields live in a Detail variant. Nothing downstream inspects
// raw JSON.
package auditlog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind is an audit-log action kind. Values are the platform's numeric action
// codes, so unmapped kinds survive decoding and are simply ignored later.
type Kind int

const (
	KindUnknown          Kind = 0
	KindKick             Kind = 20
	KindBan              Kind = 22
	KindUnban            Kind = 23
	KindMemberUpdate     Kind = 24
	KindMemberDisconnect Kind = 27
	KindMessageDelete    Kind = 72
)

var kindNames = map[Kind]string{
	KindKick:             "kick",
	KindBan:              "ban",
	KindUnban:            "unban",
	KindMemberUpdate:     "member_update",
	KindMemberDisconnect: "member_disconnect",
	KindMessageDelete:    "message_delete",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	if k == KindUnknown {
		return "unknown"
	}
	return "kind_" + strconv.Itoa(int(k))
}

// ParseKind accepts either a kind name ("ban") or a numeric action code.
// Unrecognized names map to KindUnknown rather than failing.
func ParseKind(s string) Kind {
	for k, n := range kindNames {
		if n == s {
			return k
		}
	}
	if v, err := strconv.Atoi(s); err == nil {
		return Kind(v)
	}
	return KindUnknown
}

// User is an actor or subject as known to the platform.
type User struct {
	ID          snowflake.ID `json:"id"`
	Nick        *string      `json:"nick,omitempty"`
	DisplayName string       `json:"display_name"`
}

// Name is the community nickname if set, otherwise the display name.
func (u User) Name() string {
	if u.Nick != nil && *u.Nick != "" {
		return *u.Nick
	}
	return u.DisplayName
}

func (u User) Mention() string {
	return fmt.Sprintf("<@%s>", u.ID)
}

// TargetState describes how much is known about the subject of an entry.
type TargetState int

const (
	// TargetMember is a resolved member of the community.
	TargetMember TargetState = iota
	// TargetUser is a resolved platform user who is no longer a member.
	TargetUser
	// TargetUnresolved is an ID-only reference that has not been hydrated.
	TargetUnresolved
)

func (s TargetState) String() string {
	switch s {
	case TargetMember:
		return "member"
	case TargetUser:
		return "user"
	case TargetUnresolved:
		return "unresolved"
	default:
		return "target_state_" + strconv.Itoa(int(s))
	}
}

type Target struct {
	User
	State TargetState
}

// Resolved reports whether the target carries usable profile data.
func (t *Target) Resolved() bool {
	return t != nil && t.State != TargetUnresolved
}

// Entry is one decoded audit-log entry.
type Entry struct {
	ID          snowflake.ID
	Kind        Kind
	CommunityID snowflake.ID
	Actor       User
	// nil when the platform supplied no subject at all
	Target     *Target
	Reason     *string
	OccurredAt time.Time
	Detail     Detail
}

// TargetID returns the subject ID when one is known, resolved or not.
func (e *Entry) TargetID() (snowflake.ID, bool) {
	if e.Target == nil || e.Target.ID == 0 {
		return 0, false
	}
	return e.Target.ID, true
}
