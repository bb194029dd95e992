// Package render builds the platform-neutral notification structure for a
// classified moderation action. Delivery lives in package notify.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/history"

	"github.com/bwmarrin/snowflake"
	"github.com/rivo/uniseg"
)

// Color is a 24-bit RGB colour hint.
type Color int

const (
	ColorRed     Color = 0xe74c3c
	ColorGreen   Color = 0x2ecc71
	ColorOrange  Color = 0xe67e22
	ColorBlue    Color = 0x3498db
	ColorDarkRed Color = 0x992d22
	ColorBlurple Color = 0x5865f2
	ColorGold    Color = 0xf1c40f
)

const NoReason = "No reason provided."

// MaxReasonLength caps the rendered reason, in grapheme clusters. The stored
// reason is never shortened.
const MaxReasonLength = 1000

// Fields are the action-specific parts of a notification, produced by the
// classifier.
type Fields struct {
	Title string
	Color Color
	// appended after the user and moderator lines
	Lines []string
	// the action normally carries a reason and none was given
	NeedsReason bool
}

type Notification struct {
	Title       string
	Color       Color
	Description []string
	// nil when the action has no identified subject
	Footer    history.Counts
	Timestamp time.Time
	// raised when a reason is missing or the subject could not be resolved
	NeedsContext bool
	// the subject is unknown and an operator may pick it after delivery
	LinkPrompt bool
}

func (n *Notification) DescriptionText() string {
	return strings.Join(n.Description, "\n")
}

func (n *Notification) FooterText() string {
	if n.Footer == nil {
		return ""
	}
	return n.Footer.Footer()
}

type Input struct {
	Fields     Fields
	Actor      auditlog.User
	Target     *auditlog.User
	Counts     history.Counts
	OccurredAt time.Time
	// the target could not be resolved; the notification offers a picker
	TargetUnresolved bool
}

func Build(in Input) *Notification {
	lines := make([]string, 0, len(in.Fields.Lines)+2)
	if in.Target != nil {
		lines = append(lines, UserLine(*in.Target))
	}
	lines = append(lines, fmt.Sprintf("**Moderator:** %s (%s)", in.Actor.Name(), in.Actor.Mention()))
	lines = append(lines, in.Fields.Lines...)

	n := &Notification{
		Title:        in.Fields.Title,
		Color:        in.Fields.Color,
		Description:  lines,
		Timestamp:    in.OccurredAt,
		NeedsContext: in.Fields.NeedsReason || in.TargetUnresolved,
		LinkPrompt:   in.TargetUnresolved,
	}
	if in.Target != nil {
		n.Footer = in.Counts
		if n.Footer == nil {
			n.Footer = history.Counts{}
		}
	}
	return n
}

// LinkUser returns a copy of n with u prepended as the subject and the
// picker removed.
func LinkUser(n *Notification, u auditlog.User) *Notification {
	cp := *n
	cp.Description = append([]string{UserLine(u)}, n.Description...)
	cp.LinkPrompt = false
	return &cp
}

func UserLine(u auditlog.User) string {
	return fmt.Sprintf("**User:** %s (%s)", u.Name(), u.Mention())
}

func ReasonLine(reason *string) string {
	if reason == nil || *reason == "" {
		return "**Reason:** " + NoReason
	}
	return "**Reason:** " + Truncate(*reason, MaxReasonLength)
}

// Truncate shortens s to at most n grapheme clusters, marking the cut with an
// ellipsis. Grapheme clusters are never split.
func Truncate(s string, n int) string {
	if n <= 0 || uniseg.GraphemeClusterCount(s) <= n {
		return s
	}
	var sb strings.Builder
	gr := uniseg.NewGraphemes(s)
	for i := 0; i < n-1 && gr.Next(); i++ {
		sb.WriteString(gr.Str())
	}
	sb.WriteString("…")
	return sb.String()
}

func TimedOutForLine(d time.Duration) string {
	return "**Timed Out For:** " + FormatDuration(d)
}

func ChannelLine(id snowflake.ID) string {
	return fmt.Sprintf("**Channel:** <#%s>", id)
}

// FormatDuration renders whole seconds as "H:MM:SS", prefixed with
// "N day(s), " when at least a day long. Negative values borrow whole days,
// so -1s is "-1 day, 23:59:59".
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	rem := secs % 86400
	if rem < 0 {
		rem += 86400
		days--
	}
	hms := fmt.Sprintf("%d:%02d:%02d", rem/3600, (rem%3600)/60, rem%60)
	switch days {
	case 0:
		return hms
	case 1, -1:
		return fmt.Sprintf("%d day, %s", days, hms)
	default:
		return fmt.Sprintf("%d days, %s", days, hms)
	}
}
