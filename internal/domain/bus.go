package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "none"
	Type string `json:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
}

// GlobalPartition is the bus partition for work not owned by one tenant's
// subscriber. Recalculation jobs carry their tenant in the payload.
const GlobalPartition = "_global"

// Standard topic names.
const (
	TopicSegmentRecalculate  = "heron.segment.recalculate"
	TopicSegmentRecalculated = "heron.segment.recalculated"
)

// RecalculateJob asks the worker to refresh one segment's audience size.
type RecalculateJob struct {
	TenantID  string `json:"tenantId"`
	SegmentID string `json:"segmentId"`
}

// RecalculatedEvent is published after a segment's size was refreshed.
type RecalculatedEvent struct {
	TenantID     string `json:"tenantId"`
	SegmentID    string `json:"segmentId"`
	AudienceSize int64  `json:"audienceSize"`
	ComputedAt   int64  `json:"computedAt"`
}
