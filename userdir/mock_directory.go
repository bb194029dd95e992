package userdir

import (
	"context"
	"sync"

	"github.com/TomW1605/DiscordModLog/auditlog"

	"github.com/bwmarrin/snowflake"
)

type memberKey struct {
	community snowflake.ID
	user      snowflake.ID
}

// A fake user directory, for use in tests
type MockDirectory struct {
	mu      *sync.RWMutex
	Users   map[snowflake.ID]auditlog.User
	Members map[memberKey]auditlog.User
	// number of lookups served, hit or miss
	Calls int
}

var _ Directory = (*MockDirectory)(nil)

func NewMockDirectory() MockDirectory {
	return MockDirectory{
		mu:      &sync.RWMutex{},
		Users:   make(map[snowflake.ID]auditlog.User),
		Members: make(map[memberKey]auditlog.User),
	}
}

func (d *MockDirectory) InsertUser(u auditlog.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Users[u.ID] = u
}

// InsertMember also registers u as a platform user.
func (d *MockDirectory) InsertMember(communityID snowflake.ID, u auditlog.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Members[memberKey{communityID, u.ID}] = u
	if _, ok := d.Users[u.ID]; !ok {
		plain := u
		plain.Nick = nil
		d.Users[u.ID] = plain
	}
}

func (d *MockDirectory) FetchUser(ctx context.Context, userID snowflake.ID) (*auditlog.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	u, ok := d.Users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (d *MockDirectory) FetchMember(ctx context.Context, communityID, userID snowflake.ID) (*auditlog.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	u, ok := d.Members[memberKey{communityID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}
