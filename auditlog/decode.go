package auditlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrMissingCommunity = errors.New("audit entry has no guild_id")
	ErrMissingActor     = errors.New("audit entry has no acting user")
	ErrMissingTime      = errors.New("audit entry has no created_at")
	ErrMissingChannel   = errors.New("message_delete entry has no extra.channel_id")
)

// member field keys inside before/after diffs
const (
	keyTimedOutUntil         = "timed_out_until"
	keyCommunicationDisabled = "communication_disabled_until" // raw platform name for timed_out_until
	keyMute                  = "mute"
	keyNick                  = "nick"
)

type wireEntry struct {
	ID         snowflake.ID               `json:"id"`
	ActionKind json.RawMessage            `json:"action_kind"`
	GuildID    snowflake.ID               `json:"guild_id"`
	User       *User                      `json:"user"`
	Target     *wireTarget                `json:"target"`
	Reason     *string                    `json:"reason"`
	Before     map[string]json.RawMessage `json:"before"`
	After      map[string]json.RawMessage `json:"after"`
	Extra      *wireExtra                 `json:"extra"`
	CreatedAt  time.Time                  `json:"created_at"`
}

type wireTarget struct {
	User
	Kind string `json:"kind"`
}

type wireExtra struct {
	ChannelID snowflake.ID `json:"channel_id"`
	Count     int          `json:"count"`
}

// Decode parses one JSON audit entry.
func Decode(data []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding audit entry: %w", err)
	}
	if w.GuildID == 0 {
		return nil, ErrMissingCommunity
	}
	if w.User == nil || w.User.ID == 0 {
		return nil, ErrMissingActor
	}
	if w.CreatedAt.IsZero() {
		return nil, ErrMissingTime
	}

	kind, err := decodeKind(w.ActionKind)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ID:          w.ID,
		Kind:        kind,
		CommunityID: w.GuildID,
		Actor:       *w.User,
		Reason:      w.Reason,
		OccurredAt:  w.CreatedAt,
	}
	if e.Reason != nil && *e.Reason == "" {
		e.Reason = nil
	}
	if w.Target != nil && w.Target.ID != 0 {
		e.Target, err = decodeTarget(w.Target)
		if err != nil {
			return nil, err
		}
	}

	e.Detail, err = decodeDetail(kind, &w)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decodeKind(raw json.RawMessage) (Kind, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return KindUnknown, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return KindUnknown, fmt.Errorf("decoding action_kind: %w", err)
		}
		return ParseKind(s), nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return KindUnknown, fmt.Errorf("decoding action_kind: %w", err)
	}
	return Kind(n), nil
}

func decodeTarget(w *wireTarget) (*Target, error) {
	t := &Target{User: w.User}
	switch w.Kind {
	case "member":
		t.State = TargetMember
	case "user":
		t.State = TargetUser
	case "", "unresolved":
		t.State = TargetUnresolved
	default:
		return nil, fmt.Errorf("unknown target kind: %q", w.Kind)
	}
	return t, nil
}

func decodeDetail(kind Kind, w *wireEntry) (Detail, error) {
	switch kind {
	case KindBan:
		return BanDetail{}, nil
	case KindUnban:
		return UnbanDetail{}, nil
	case KindKick:
		return KickDetail{}, nil
	case KindMemberDisconnect:
		d := MemberDisconnectDetail{Count: 1}
		if w.Extra != nil && w.Extra.Count > 0 {
			d.Count = w.Extra.Count
		}
		return d, nil
	case KindMessageDelete:
		if w.Extra == nil || w.Extra.ChannelID == 0 {
			return nil, ErrMissingChannel
		}
		d := MessageDeleteDetail{ChannelID: w.Extra.ChannelID, Count: 1}
		if w.Extra.Count > 0 {
			d.Count = w.Extra.Count
		}
		return d, nil
	case KindMemberUpdate:
		return decodeMemberUpdate(w.Before, w.After)
	default:
		return OtherDetail{Code: kind}, nil
	}
}

func decodeMemberUpdate(before, after map[string]json.RawMessage) (MemberUpdateDetail, error) {
	var d MemberUpdateDetail

	if key, ok := diffKey(before, after, keyTimedOutUntil, keyCommunicationDisabled); ok {
		var tc TimeoutChange
		if err := decodeOptional(before[key], &tc.Before); err != nil {
			return d, fmt.Errorf("decoding before.%s: %w", key, err)
		}
		if err := decodeOptional(after[key], &tc.After); err != nil {
			return d, fmt.Errorf("decoding after.%s: %w", key, err)
		}
		if !sameTime(tc.Before, tc.After) {
			d.Timeout = &tc
		}
	}

	if _, ok := diffKey(before, after, keyMute); ok {
		var b, a *bool
		if err := decodeOptional(before[keyMute], &b); err != nil {
			return d, fmt.Errorf("decoding before.mute: %w", err)
		}
		if err := decodeOptional(after[keyMute], &a); err != nil {
			return d, fmt.Errorf("decoding after.mute: %w", err)
		}
		mc := MuteChange{Before: b != nil && *b, After: a != nil && *a}
		if mc.Before != mc.After {
			d.Mute = &mc
		}
	}

	if _, ok := diffKey(before, after, keyNick); ok {
		var nc NickChange
		if err := decodeOptional(before[keyNick], &nc.Before); err != nil {
			return d, fmt.Errorf("decoding before.nick: %w", err)
		}
		if err := decodeOptional(after[keyNick], &nc.After); err != nil {
			return d, fmt.Errorf("decoding after.nick: %w", err)
		}
		if !sameString(nc.Before, nc.After) {
			d.Nick = &nc
		}
	}

	return d, nil
}

// diffKey returns the first of keys present on either side of the diff.
func diffKey(before, after map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		if _, ok := before[k]; ok {
			return k, true
		}
		if _, ok := after[k]; ok {
			return k, true
		}
	}
	return "", false
}

// decodeOptional treats a missing or null value as nil.
func decodeOptional[T any](raw json.RawMessage, out **T) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*out = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*out = &v
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
