package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/TomW1605/DiscordModLog/render"

	"github.com/bwmarrin/snowflake"
)

type Delivery struct {
	ChannelID    snowflake.ID
	Ref          string
	Notification *render.Notification
}

// MockSender records deliveries in memory, for use in tests.
type MockSender struct {
	mu     sync.Mutex
	next   int
	Sent   []Delivery
	Edited []Delivery
	// when set, every Send and Edit fails with this error
	Err error
}

var (
	_ Sender = (*MockSender)(nil)
	_ Editor = (*MockSender)(nil)
)

func (m *MockSender) Send(ctx context.Context, channelID snowflake.ID, n *render.Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.next++
	ref := fmt.Sprintf("msg-%d", m.next)
	m.Sent = append(m.Sent, Delivery{ChannelID: channelID, Ref: ref, Notification: n})
	return ref, nil
}

func (m *MockSender) Edit(ctx context.Context, channelID snowflake.ID, ref string, n *render.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Edited = append(m.Edited, Delivery{ChannelID: channelID, Ref: ref, Notification: n})
	return nil
}

// MockAlerter records operator alerts.
type MockAlerter struct {
	mu     sync.Mutex
	Alerts []string
}

func (m *MockAlerter) Alert(ctx context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, msg)
	return nil
}

func (m *MockAlerter) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Alerts...)
}
