package auditlog

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Detail is the kind-specific payload of an Entry. Each variant carries only
// the fields that are valid for its kind.
type Detail interface {
	detailKind() Kind
}

type BanDetail struct{}

type UnbanDetail struct{}

type KickDetail struct{}

// MemberUpdateDetail holds the member fields that changed in one update. A
// nil field was not part of the diff, or did not actually change.
type MemberUpdateDetail struct {
	Timeout *TimeoutChange
	Mute    *MuteChange
	Nick    *NickChange
}

func (d MemberUpdateDetail) Empty() bool {
	return d.Timeout == nil && d.Mute == nil && d.Nick == nil
}

type TimeoutChange struct {
	Before *time.Time
	After  *time.Time
}

type MuteChange struct {
	Before bool
	After  bool
}

type NickChange struct {
	Before *string
	After  *string
}

type MemberDisconnectDetail struct {
	Count int
}

type MessageDeleteDetail struct {
	ChannelID snowflake.ID
	Count     int
}

// OtherDetail is used for action kinds the classifier has no mapping for.
type OtherDetail struct {
	Code Kind
}

func (BanDetail) detailKind() Kind              { return KindBan }
func (UnbanDetail) detailKind() Kind            { return KindUnban }
func (KickDetail) detailKind() Kind             { return KindKick }
func (MemberUpdateDetail) detailKind() Kind     { return KindMemberUpdate }
func (MemberDisconnectDetail) detailKind() Kind { return KindMemberDisconnect }
func (MessageDeleteDetail) detailKind() Kind    { return KindMessageDelete }
func (d OtherDetail) detailKind() Kind          { return d.Code }
