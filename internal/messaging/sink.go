// Package messaging defines the delivery sinks the automation engine pushes
// user-facing output into.
//
// Notifications surface on the dashboard or over SMS/WhatsApp; proactive
// messages open a conversation with the user's twin. Sinks enqueue and
// deliver asynchronously so the engine never blocks on a transport.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// Constants for sink configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for delivery event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Sink errors
var (
	// ErrSinkStopped indicates the sink is no longer accepting messages.
	ErrSinkStopped = errors.New("messaging sink stopped")
	// ErrUnknownRecipient indicates no transport address is known for the user.
	ErrUnknownRecipient = errors.New("no recipient address for user")
)

// NotificationSink delivers user-facing notifications produced by the engine.
type NotificationSink interface {
	EnqueueNotification(ctx context.Context, userID string, notification models.Notification) error
}

// MessageSink starts proactive conversations with a user's twin.
type MessageSink interface {
	EnqueueProactiveMessage(ctx context.Context, userID, topic, opener string) error
}

// DeliveryKind distinguishes delivery event types.
type DeliveryKind string

const (
	DeliveryNotification     DeliveryKind = "notification"
	DeliveryProactiveMessage DeliveryKind = "proactive_message"
)

// Delivery is an observable record of a sink handing output to a transport.
type Delivery struct {
	UserID string       `json:"user_id"`
	Kind   DeliveryKind `json:"kind"`
	Title  string       `json:"title,omitempty"`
	Body   string       `json:"body"`
	Time   int64        `json:"time"`
}

// RecipientResolver maps internal user IDs to transport addresses
// (phone numbers for SMS, JIDs for WhatsApp).
type RecipientResolver interface {
	ResolveRecipient(userID string) (string, error)
}

// StaticDirectory is a map-backed RecipientResolver for fixed deployments
// and tests.
type StaticDirectory map[string]string

// ResolveRecipient returns the address registered for userID.
func (d StaticDirectory) ResolveRecipient(userID string) (string, error) {
	addr, ok := d[userID]
	if !ok || addr == "" {
		return "", ErrUnknownRecipient
	}
	return addr, nil
}
