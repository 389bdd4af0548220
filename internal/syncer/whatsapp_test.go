package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/messaging"
	"github.com/MirrorGraph/TwinPulse/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

func inboundMessage(id, sender, text string, at time.Time) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			ID:        types.MessageID(id),
			Timestamp: at,
			MessageSource: types.MessageSource{
				Sender: types.NewJID(sender, "s.whatsapp.net"),
			},
		},
		Message: &waE2E.Message{Conversation: &text},
	}
}

func TestWhatsAppConnectorBuffersAndDrains(t *testing.T) {
	conn := NewWhatsAppConnector(messaging.StaticDirectory{"u1": "15551230001"})
	now := time.Now().UTC()

	conn.handleEvent(inboundMessage("m1", "15551230001", "hello twin", now))
	conn.handleEvent(inboundMessage("m2", "15551230001", "more thoughts", now.Add(time.Minute)))
	conn.handleEvent(inboundMessage("m3", "15559990000", "someone else", now))
	conn.handleEvent("not a message event")

	signals, err := conn.Sync(context.Background(), models.SyncRequest{UserID: "u1", Provider: "whatsapp"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("Sync() returned %d signals, want 2", len(signals))
	}
	if signals[0].Content != "hello twin" || signals[0].UserID != "u1" {
		t.Errorf("first signal = %+v, want hello twin for u1", signals[0])
	}
	if signals[0].Platform != "whatsapp" || signals[0].Kind != "message" {
		t.Errorf("signal tagged %s/%s, want whatsapp/message", signals[0].Platform, signals[0].Kind)
	}

	// A second sync sees an empty bucket.
	signals, err = conn.Sync(context.Background(), models.SyncRequest{UserID: "u1", Provider: "whatsapp"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("second Sync() returned %d signals, want 0", len(signals))
	}
}

func TestWhatsAppConnectorUnknownUser(t *testing.T) {
	conn := NewWhatsAppConnector(messaging.StaticDirectory{})
	if _, err := conn.Sync(context.Background(), models.SyncRequest{UserID: "ghost", Provider: "whatsapp"}); err == nil {
		t.Fatal("Sync() for unresolvable user succeeded, want error")
	}
}

func TestWhatsAppConnectorIgnoresEmptyMessages(t *testing.T) {
	conn := NewWhatsAppConnector(messaging.StaticDirectory{"u1": "15551230001"})
	conn.handleEvent(inboundMessage("m1", "15551230001", "", time.Now().UTC()))

	signals, err := conn.Sync(context.Background(), models.SyncRequest{UserID: "u1", Provider: "whatsapp"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("Sync() returned %d signals, want 0 for empty messages", len(signals))
	}
}
