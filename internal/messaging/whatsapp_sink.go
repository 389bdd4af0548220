package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/whatsapp"
)

// WhatsAppSink delivers notifications and proactive messages over WhatsApp.
type WhatsAppSink struct {
	client     whatsapp.WhatsAppSender
	resolver   RecipientResolver
	deliveries chan Delivery
	mu         sync.RWMutex
	stopped    bool
}

// NewWhatsAppSink creates a WhatsApp sink sending through client, resolving
// user IDs to phone numbers with resolver.
func NewWhatsAppSink(client whatsapp.WhatsAppSender, resolver RecipientResolver) *WhatsAppSink {
	return &WhatsAppSink{
		client:     client,
		resolver:   resolver,
		deliveries: make(chan Delivery, DefaultChannelBufferSize),
	}
}

// EnqueueNotification sends the notification as a WhatsApp message.
func (s *WhatsAppSink) EnqueueNotification(ctx context.Context, userID string, notification models.Notification) error {
	if err := notification.Validate(); err != nil {
		return err
	}
	body := notification.Body
	if notification.Title != "" {
		body = "*" + notification.Title + "*\n" + notification.Body
	}
	if err := s.send(ctx, userID, body); err != nil {
		return err
	}
	s.safeEmit(Delivery{
		UserID: userID,
		Kind:   DeliveryNotification,
		Title:  notification.Title,
		Body:   notification.Body,
		Time:   time.Now().Unix(),
	})
	return nil
}

// EnqueueProactiveMessage sends the conversation opener as a WhatsApp message.
func (s *WhatsAppSink) EnqueueProactiveMessage(ctx context.Context, userID, topic, opener string) error {
	if err := s.send(ctx, userID, opener); err != nil {
		return err
	}
	s.safeEmit(Delivery{
		UserID: userID,
		Kind:   DeliveryProactiveMessage,
		Title:  topic,
		Body:   opener,
		Time:   time.Now().Unix(),
	})
	return nil
}

func (s *WhatsAppSink) send(ctx context.Context, userID, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrSinkStopped
	}
	s.mu.RUnlock()

	recipient, err := s.resolver.ResolveRecipient(userID)
	if err != nil {
		slog.Error("WhatsAppSink recipient resolution failed", "error", err, "userID", userID)
		return err
	}

	if err := s.client.SendMessage(ctx, recipient, body); err != nil {
		slog.Error("WhatsAppSink send failed", "error", err, "userID", userID)
		return err
	}
	slog.Debug("WhatsAppSink message sent", "userID", userID, "body_length", len(body))
	return nil
}

// Deliveries returns the channel of delivery events.
func (s *WhatsAppSink) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Stop stops the sink and closes the deliveries channel.
func (s *WhatsAppSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.deliveries)
	}()
	return nil
}

func (s *WhatsAppSink) safeEmit(d Delivery) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.deliveries <- d:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppSink deliveries channel blocked, dropping event", "userID", d.UserID)
	}
}
