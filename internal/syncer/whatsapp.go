package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MirrorGraph/TwinPulse/internal/messaging"
	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// maxBufferedSignals caps how many unread messages are held per sender.
const maxBufferedSignals = 256

// WhatsAppConnector buffers inbound WhatsApp messages and hands them over
// as raw signals when a sync for the matching user runs. Messages are
// buffered by sender address; Sync resolves the user's address through the
// recipient directory and drains that sender's bucket.
type WhatsAppConnector struct {
	resolver messaging.RecipientResolver

	mu     sync.Mutex
	buffer map[string][]models.RawSignal
}

// NewWhatsAppConnector creates a connector that resolves users through the
// given directory. Call Attach to start capturing messages.
func NewWhatsAppConnector(resolver messaging.RecipientResolver) *WhatsAppConnector {
	return &WhatsAppConnector{
		resolver: resolver,
		buffer:   make(map[string][]models.RawSignal),
	}
}

// Attach registers the connector as an event handler on the WhatsApp client.
func (c *WhatsAppConnector) Attach(client *whatsapp.Client) {
	if client == nil || client.GetClient() == nil {
		slog.Warn("WhatsAppConnector.Attach: no client available, connector will stay empty")
		return
	}
	client.GetClient().AddEventHandler(c.handleEvent)
	slog.Debug("WhatsAppConnector attached to client event stream")
}

// Provider implements Connector.
func (c *WhatsAppConnector) Provider() string { return "whatsapp" }

// Sync implements Connector. It returns the messages buffered for the
// user's WhatsApp address since the previous sync and clears the bucket.
func (c *WhatsAppConnector) Sync(ctx context.Context, req models.SyncRequest) ([]models.RawSignal, error) {
	addr, err := c.resolver.ResolveRecipient(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve WhatsApp address for user %s: %w", req.UserID, err)
	}

	c.mu.Lock()
	signals := c.buffer[addr]
	delete(c.buffer, addr)
	c.mu.Unlock()

	for i := range signals {
		signals[i].UserID = req.UserID
	}
	slog.Debug("WhatsAppConnector.Sync drained buffer", "userID", req.UserID, "signals", len(signals))
	return signals, nil
}

func (c *WhatsAppConnector) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	text := msg.Message.GetConversation()
	if text == "" {
		return
	}
	sender := msg.Info.Sender.User

	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.buffer[sender]
	if len(bucket) >= maxBufferedSignals {
		bucket = bucket[1:]
	}
	c.buffer[sender] = append(bucket, models.RawSignal{
		ID:         msg.Info.ID,
		Platform:   "whatsapp",
		Kind:       "message",
		Content:    text,
		OccurredAt: msg.Info.Timestamp,
	})
}
