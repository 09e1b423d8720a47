package bus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/heron/internal/domain"
)

// QueueSubscriber is implemented by buses that can deliver each message to
// exactly one member of a named group of subscribers.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// New creates a new event bus based on configuration.
// "channel" is the in-process community bus, "nats" the pro bus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// injectTrace copies the span context of ctx into message metadata.
func injectTrace(ctx context.Context, msg *domain.Message) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
}

// extractTrace returns ctx carrying the span context recorded in msg.
func extractTrace(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
