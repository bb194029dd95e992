package models

import (
	"fmt"
)

// ActionType is the closed set of moderation actions a record can describe.
//
// The numeric values are persisted, so new types are only ever appended.
type ActionType uint8

const (
	// ActionUnknown means "no record should be created".
	ActionUnknown ActionType = iota
	ActionBan
	ActionUnban
	ActionKick
	ActionTimeout
	ActionTimeoutRemoved
	ActionMuted
	ActionUnmuted
	ActionMemberDisconnect
	ActionMessageDelete
	ActionWarning
	ActionNicknameChanged
)

var actionNames = [...]string{
	ActionUnknown:          "unknown",
	ActionBan:              "ban",
	ActionUnban:            "unban",
	ActionKick:             "kick",
	ActionTimeout:          "timeout",
	ActionTimeoutRemoved:   "timeout_removed",
	ActionMuted:            "muted",
	ActionUnmuted:          "unmuted",
	ActionMemberDisconnect: "member_disconnect",
	ActionMessageDelete:    "message_delete",
	ActionWarning:          "warning",
	ActionNicknameChanged:  "nickname_changed",
}

func (a ActionType) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Valid reports whether a is a known, persistable action type.
func (a ActionType) Valid() bool {
	return a != ActionUnknown && int(a) < len(actionNames)
}

func (a ActionType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ActionType) UnmarshalText(b []byte) error {
	v, err := ParseActionType(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func ParseActionType(s string) (ActionType, error) {
	for i, n := range actionNames {
		if n == s {
			return ActionType(i), nil
		}
	}
	return ActionUnknown, fmt.Errorf("unknown action type: %q", s)
}

// AllActionTypes returns every persistable action type in enum order.
func AllActionTypes() []ActionType {
	out := make([]ActionType, 0, len(actionNames)-1)
	for i := 1; i < len(actionNames); i++ {
		out = append(out, ActionType(i))
	}
	return out
}
