// Package linking binds a subject to a moderation record that was created
// without one, after the fact.
//
// Each unlinked record gets a Session keyed by its notification reference.
// A session starts in AwaitingSelection and ends either Bound (an operator
// picked a member, and the record was updated exactly once) or Expired (the
// selection window closed). Both end states are terminal.
//
// The selection window is unbounded until the first valid pick attempt, then
// closes Timeout later.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"
	"github.com/TomW1605/DiscordModLog/logstore"
	"github.com/TomW1605/DiscordModLog/render"
	"github.com/TomW1605/DiscordModLog/userdir"

	"github.com/bwmarrin/snowflake"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrUnknownSession = errors.New("no link session for this notification")
	ErrAlreadyBound   = errors.New("record is already linked to a user")
	ErrExpired        = errors.New("link session expired")
	ErrNoSelection    = errors.New("no user selected")
	ErrUserNotFound   = errors.New("selected user not found in the community")
)

type State int

const (
	AwaitingSelection State = iota
	Bound
	Expired
)

func (s State) String() string {
	switch s {
	case AwaitingSelection:
		return "awaiting_selection"
	case Bound:
		return "bound"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Linker is the single store mutation the state machine performs.
type Linker interface {
	UpdateTargetUser(ctx context.Context, recordID uint64, targetUserID snowflake.ID) error
}

type Session struct {
	RecordID    uint64
	CommunityID snowflake.ID
	ChannelID   snowflake.ID
	Ref         string

	lk           sync.Mutex
	state        State
	deadline     time.Time
	notification *render.Notification
	user         *auditlog.User
}

// State returns the current state, as of the last Pick or Sweep.
func (s *Session) State() State {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.state
}

// Notification is the latest rendering of the linked notification.
func (s *Session) Notification() *render.Notification {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.notification
}

// User is the bound user, or nil.
func (s *Session) User() *auditlog.User {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.user
}

type Registry struct {
	Store   Linker
	Members userdir.Directory
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger

	sessions *xsync.MapOf[string, *Session]
}

func NewRegistry(store Linker, members userdir.Directory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		Store:    store,
		Members:  members,
		Timeout:  DefaultTimeout,
		Now:      time.Now,
		Logger:   logger.With("component", "linking"),
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Open registers a session for a delivered notification. It must only be
// called once the record is durably stored.
func (r *Registry) Open(recordID uint64, communityID, channelID snowflake.ID, ref string, n *render.Notification) *Session {
	s := &Session{
		RecordID:     recordID,
		CommunityID:  communityID,
		ChannelID:    channelID,
		Ref:          ref,
		state:        AwaitingSelection,
		notification: n,
	}
	r.sessions.Store(ref, s)
	r.Logger.Debug("link session opened", "record", recordID, "ref", ref)
	return s
}

func (r *Registry) Get(ref string) (*Session, bool) {
	return r.sessions.Load(ref)
}

func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Pick attempts to bind userID to the session's record. On success the
// session is Bound and its notification gains the subject line.
func (r *Registry) Pick(ctx context.Context, ref string, userID snowflake.ID) (*Session, error) {
	s, ok := r.sessions.Load(ref)
	if !ok {
		return nil, ErrUnknownSession
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	now := r.now()
	switch s.state {
	case Bound:
		return s, ErrAlreadyBound
	case Expired:
		return s, ErrExpired
	}
	if !s.deadline.IsZero() && !now.Before(s.deadline) {
		s.state = Expired
		return s, ErrExpired
	}
	if userID == 0 {
		return s, ErrNoSelection
	}
	if s.deadline.IsZero() {
		s.deadline = now.Add(r.timeout())
	}

	member, err := r.Members.FetchMember(ctx, s.CommunityID, userID)
	if err != nil {
		if errors.Is(err, userdir.ErrNotFound) {
			return s, ErrUserNotFound
		}
		return s, fmt.Errorf("looking up selected user: %w", err)
	}

	if err := r.Store.UpdateTargetUser(ctx, s.RecordID, userID); err != nil {
		if errors.Is(err, logstore.ErrAlreadyLinked) {
			// linked elsewhere; the first binding stands
			s.state = Bound
			return s, ErrAlreadyBound
		}
		return s, fmt.Errorf("linking record %d: %w", s.RecordID, err)
	}

	s.state = Bound
	s.user = member
	if s.notification != nil {
		s.notification = render.LinkUser(s.notification, *member)
	}
	r.Logger.Info("record linked", "record", s.RecordID, "user", userID)
	return s, nil
}

func (r *Registry) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Sweep closes sessions whose selection window has passed. Sessions that move
// to Expired are returned so their notifications can drop the picker. Closed
// sessions are forgotten.
func (r *Registry) Sweep() []*Session {
	now := r.now()
	var expired []*Session
	r.sessions.Range(func(ref string, s *Session) bool {
		s.lk.Lock()
		defer s.lk.Unlock()

		if s.deadline.IsZero() || now.Before(s.deadline) {
			return true
		}
		if s.state != Bound {
			s.state = Expired
			expired = append(expired, s)
		}
		r.sessions.Delete(ref)
		return true
	})
	return expired
}
