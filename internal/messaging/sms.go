package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/twiliosms"
)

// phoneNumberRegex matches everything that is not a digit, used to
// canonicalize phone numbers.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// SMSSink delivers notifications and proactive messages over SMS via Twilio.
type SMSSink struct {
	client     twiliosms.SMSSender
	resolver   RecipientResolver
	deliveries chan Delivery
	mu         sync.RWMutex
	stopped    bool
}

// NewSMSSink creates an SMS sink sending through client, resolving user IDs
// to phone numbers with resolver.
func NewSMSSink(client twiliosms.SMSSender, resolver RecipientResolver) *SMSSink {
	return &SMSSink{
		client:     client,
		resolver:   resolver,
		deliveries: make(chan Delivery, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *SMSSink) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	wasModified := recipient != canonical

	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	if wasModified {
		slog.Debug("SMSSink canonicalized recipient", "original", recipient, "canonical", canonical)
	}

	return canonical, nil
}

// EnqueueNotification sends the notification as an SMS.
func (s *SMSSink) EnqueueNotification(ctx context.Context, userID string, notification models.Notification) error {
	if err := notification.Validate(); err != nil {
		return err
	}
	body := notification.Body
	if notification.Title != "" {
		body = notification.Title + "\n" + notification.Body
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

// EnqueueProactiveMessage sends the conversation opener as an SMS.
func (s *SMSSink) EnqueueProactiveMessage(ctx context.Context, userID, topic, opener string) error {
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

func (s *SMSSink) send(ctx context.Context, userID, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrSinkStopped
	}
	s.mu.RUnlock()

	recipient, err := s.resolver.ResolveRecipient(userID)
	if err != nil {
		slog.Error("SMSSink recipient resolution failed", "error", err, "userID", userID)
		return err
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("SMSSink recipient validation failed", "error", err, "userID", userID)
		return err
	}

	if err := s.client.SendSMS(ctx, "+"+canonical, body); err != nil {
		slog.Error("SMSSink send failed", "error", err, "userID", userID)
		return err
	}
	slog.Debug("SMSSink message sent", "userID", userID, "body_length", len(body))
	return nil
}

// Deliveries returns the channel of delivery events.
func (s *SMSSink) Deliveries() <-chan Delivery {
	return s.deliveries
}

// Stop stops the sink and closes the deliveries channel.
func (s *SMSSink) Stop() error {
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

func (s *SMSSink) safeEmit(d Delivery) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.deliveries <- d:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("SMSSink deliveries channel blocked, dropping event", "userID", d.UserID)
	}
}
