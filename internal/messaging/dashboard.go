package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// DefaultFeedSize bounds the per-user notification feed.
const DefaultFeedSize = 50

// DashboardSink keeps an in-memory per-user notification feed for the web
// dashboard to poll. It is the default sink when no transport is configured.
type DashboardSink struct {
	deliveries chan Delivery
	mu         sync.RWMutex
	feeds      map[string][]models.Notification
	stopped    bool
}

// NewDashboardSink creates an empty dashboard sink.
func NewDashboardSink() *DashboardSink {
	return &DashboardSink{
		deliveries: make(chan Delivery, DefaultChannelBufferSize),
		feeds:      make(map[string][]models.Notification),
	}
}

// EnqueueNotification appends the notification to the user's feed.
func (s *DashboardSink) EnqueueNotification(ctx context.Context, userID string, notification models.Notification) error {
	if err := notification.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSinkStopped
	}
	feed := append(s.feeds[userID], notification)
	if len(feed) > DefaultFeedSize {
		feed = feed[len(feed)-DefaultFeedSize:]
	}
	s.feeds[userID] = feed
	s.mu.Unlock()

	s.safeEmit(Delivery{
		UserID: userID,
		Kind:   DeliveryNotification,
		Title:  notification.Title,
		Body:   notification.Body,
		Time:   time.Now().Unix(),
	})
	slog.Debug("DashboardSink notification enqueued", "userID", userID, "title", notification.Title)
	return nil
}

// EnqueueProactiveMessage surfaces a conversation opener as a feed card.
func (s *DashboardSink) EnqueueProactiveMessage(ctx context.Context, userID, topic, opener string) error {
	notification := models.Notification{
		Title:     "Your twin wants to talk about " + topic,
		Body:      opener,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSinkStopped
	}
	feed := append(s.feeds[userID], notification)
	if len(feed) > DefaultFeedSize {
		feed = feed[len(feed)-DefaultFeedSize:]
	}
	s.feeds[userID] = feed
	s.mu.Unlock()

	s.safeEmit(Delivery{
		UserID: userID,
		Kind:   DeliveryProactiveMessage,
		Title:  topic,
		Body:   opener,
		Time:   time.Now().Unix(),
	})
	slog.Debug("DashboardSink proactive message enqueued", "userID", userID, "topic", topic)
	return nil
}

// Feed returns a copy of the user's current notification feed, oldest first.
func (s *DashboardSink) Feed(userID string) []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed := s.feeds[userID]
	out := make([]models.Notification, len(feed))
	copy(out, feed)
	return out
}

// Deliveries returns the channel of delivery events.
func (s *DashboardSink) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Stop stops the sink and closes the deliveries channel.
func (s *DashboardSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	// Let in-flight emits observe the stopped flag before the channel closes.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.deliveries)
	}()
	return nil
}

func (s *DashboardSink) safeEmit(d Delivery) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.deliveries <- d:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("DashboardSink deliveries channel blocked, dropping event", "userID", d.UserID)
	}
}
