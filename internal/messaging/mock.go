package messaging

import (
	"context"
	"sync"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// RecordedMessage captures a proactive message handed to a MockSink.
type RecordedMessage struct {
	UserID string
	Topic  string
	Opener string
}

// RecordedNotification captures a notification handed to a MockSink.
type RecordedNotification struct {
	UserID       string
	Notification models.Notification
}

// MockSink records everything it receives for test assertions. It implements
// both NotificationSink and MessageSink.
type MockSink struct {
	mu            sync.Mutex
	Notifications []RecordedNotification
	Messages      []RecordedMessage
	// Err, when set, is returned by every enqueue call.
	Err error
}

// NewMockSink creates an empty mock sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// EnqueueNotification records the notification.
func (m *MockSink) EnqueueNotification(ctx context.Context, userID string, notification models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Notifications = append(m.Notifications, RecordedNotification{UserID: userID, Notification: notification})
	return nil
}

// EnqueueProactiveMessage records the message.
func (m *MockSink) EnqueueProactiveMessage(ctx context.Context, userID, topic, opener string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, RecordedMessage{UserID: userID, Topic: topic, Opener: opener})
	return nil
}

// NotificationCount returns the number of recorded notifications.
func (m *MockSink) NotificationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Notifications)
}

// MessageCount returns the number of recorded proactive messages.
func (m *MockSink) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}
