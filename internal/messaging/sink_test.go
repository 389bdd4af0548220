package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/twiliosms"
)

func TestStaticDirectoryResolveRecipient(t *testing.T) {
	dir := StaticDirectory{"u1": "+15551234567"}

	addr, err := dir.ResolveRecipient("u1")
	if err != nil {
		t.Fatalf("ResolveRecipient(u1) error = %v", err)
	}
	if addr != "+15551234567" {
		t.Errorf("ResolveRecipient(u1) = %q", addr)
	}

	if _, err := dir.ResolveRecipient("unknown"); !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("ResolveRecipient(unknown) error = %v, want ErrUnknownRecipient", err)
	}
}

func TestDashboardSinkFeed(t *testing.T) {
	s := NewDashboardSink()
	defer s.Stop()
	ctx := context.Background()

	n := models.Notification{Title: "Twin evolved", Body: "Your communication style shifted.", CreatedAt: time.Now()}
	if err := s.EnqueueNotification(ctx, "u1", n); err != nil {
		t.Fatalf("EnqueueNotification() error = %v", err)
	}
	if err := s.EnqueueProactiveMessage(ctx, "u1", "career goals", "I noticed you mention work a lot lately."); err != nil {
		t.Fatalf("EnqueueProactiveMessage() error = %v", err)
	}

	feed := s.Feed("u1")
	if len(feed) != 2 {
		t.Fatalf("Feed(u1) length = %d, want 2", len(feed))
	}
	if feed[0].Title != "Twin evolved" {
		t.Errorf("feed[0].Title = %q", feed[0].Title)
	}
	if !strings.Contains(feed[1].Title, "career goals") {
		t.Errorf("feed[1].Title = %q, want topic mention", feed[1].Title)
	}

	// Delivery events are observable on the channel.
	select {
	case d := <-s.Deliveries():
		if d.Kind != DeliveryNotification || d.UserID != "u1" {
			t.Errorf("delivery = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery event received")
	}

	if got := s.Feed("other"); len(got) != 0 {
		t.Errorf("Feed(other) length = %d, want 0", len(got))
	}
}

func TestDashboardSinkFeedBounded(t *testing.T) {
	s := NewDashboardSink()
	defer s.Stop()
	ctx := context.Background()

	for i := 0; i < DefaultFeedSize+10; i++ {
		n := models.Notification{Body: "entry", CreatedAt: time.Now()}
		if err := s.EnqueueNotification(ctx, "u1", n); err != nil {
			t.Fatalf("EnqueueNotification() error = %v", err)
		}
		// Drain deliveries so safeEmit never blocks.
		select {
		case <-s.Deliveries():
		default:
		}
	}

	if got := len(s.Feed("u1")); got != DefaultFeedSize {
		t.Errorf("feed length = %d, want %d", got, DefaultFeedSize)
	}
}

func TestDashboardSinkRejectsInvalidNotification(t *testing.T) {
	s := NewDashboardSink()
	defer s.Stop()

	err := s.EnqueueNotification(context.Background(), "u1", models.Notification{})
	if !errors.Is(err, models.ErrEmptyNotificationBody) {
		t.Errorf("EnqueueNotification() error = %v, want ErrEmptyNotificationBody", err)
	}
}

func TestSMSSinkSendsCanonicalized(t *testing.T) {
	client := twiliosms.NewMockClient()
	s := NewSMSSink(client, StaticDirectory{"u1": "+1 (555) 123-4567"})
	defer s.Stop()

	n := models.Notification{Title: "Weekly report", Body: "Here is your twin's week."}
	if err := s.EnqueueNotification(context.Background(), "u1", n); err != nil {
		t.Fatalf("EnqueueNotification() error = %v", err)
	}

	if len(client.SentMessages) != 1 {
		t.Fatalf("SentMessages length = %d, want 1", len(client.SentMessages))
	}
	if client.SentMessages[0].To != "+15551234567" {
		t.Errorf("To = %q, want canonicalized +15551234567", client.SentMessages[0].To)
	}
	if !strings.Contains(client.SentMessages[0].Body, "Weekly report") {
		t.Errorf("Body = %q, want title included", client.SentMessages[0].Body)
	}
}

func TestSMSSinkUnknownRecipient(t *testing.T) {
	client := twiliosms.NewMockClient()
	s := NewSMSSink(client, StaticDirectory{})
	defer s.Stop()

	err := s.EnqueueProactiveMessage(context.Background(), "ghost", "topic", "hi")
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("EnqueueProactiveMessage() error = %v, want ErrUnknownRecipient", err)
	}
	if len(client.SentMessages) != 0 {
		t.Errorf("SentMessages length = %d, want 0", len(client.SentMessages))
	}
}

func TestSMSSinkValidateAndCanonicalizeRecipient(t *testing.T) {
	s := NewSMSSink(twiliosms.NewMockClient(), StaticDirectory{})
	defer s.Stop()

	tests := []struct {
		name      string
		recipient string
		want      string
		wantErr   bool
	}{
		{"plain digits", "15551234567", "15551234567", false},
		{"formatted number", "+1 (555) 123-4567", "15551234567", false},
		{"empty", "", "", true},
		{"no digits", "abc-def", "", true},
		{"too short", "12345", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ValidateAndCanonicalizeRecipient(tt.recipient)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAndCanonicalizeRecipient(%q) error = %v, wantErr %v", tt.recipient, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.recipient, got, tt.want)
			}
		})
	}
}

func TestSinkStopped(t *testing.T) {
	s := NewDashboardSink()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	err := s.EnqueueNotification(context.Background(), "u1", models.Notification{Body: "late"})
	if !errors.Is(err, ErrSinkStopped) {
		t.Errorf("EnqueueNotification() after Stop error = %v, want ErrSinkStopped", err)
	}
}
