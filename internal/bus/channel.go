// Package bus provides the event buses that carry segment recalculation jobs.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	errTenantRequired = errors.New("tenantID is required")
	errClosed         = errors.New("bus is closed")
)

// ChannelBus implements domain.EventBus with Go channels inside one process.
// Publishing never blocks: a subscriber whose buffer is full misses the
// message and the drop is counted.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	queues        map[string]*atomic.Uint64
	closed        bool
	dropped       atomic.Uint64
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	key     string
	topic   string
	queue   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
		queues:        make(map[string]*atomic.Uint64),
	}
}

// Publish delivers payload to every plain subscriber of topic and to one
// member of each queue group.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errTenantRequired
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	injectTrace(ctx, msg)

	// Sends happen under the read lock so Close cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errClosed
	}

	key := subscriptionKey(tenantID, topic)
	groups := make(map[string][]*channelSubscription)
	for _, sub := range b.subscriptions[key] {
		if sub.queue == "" {
			b.deliver(sub, msg)
			continue
		}
		groups[sub.queue] = append(groups[sub.queue], sub)
	}
	for queue, members := range groups {
		next := b.queues[key+"#"+queue].Add(1)
		b.deliver(members[int(next%uint64(len(members)))], msg)
	}
	return nil
}

func (b *ChannelBus) deliver(sub *channelSubscription, msg *domain.Message) {
	select {
	case sub.msgCh <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("event bus subscriber full, message dropped",
			"topic", msg.Topic,
			"tenant_id", msg.TenantID,
			"subscription_id", sub.id,
		)
	}
}

// Subscribe registers a handler for a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe registers handler as a member of queue; each message goes
// to one member, round robin.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, tenantID string, topic string, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	return b.subscribe(ctx, tenantID, topic, queue, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	key := subscriptionKey(tenantID, topic)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.New().String(),
		key:     key,
		topic:   topic,
		queue:   queue,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	b.subscriptions[key] = append(b.subscriptions[key], sub)
	if queue != "" && b.queues[key+"#"+queue] == nil {
		b.queues[key+"#"+queue] = new(atomic.Uint64)
	}

	go sub.run()
	return sub, nil
}

// run processes messages until the subscription is cancelled or the bus closes.
func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			if err := s.handler(extractTrace(s.ctx, msg), msg); err != nil {
				slog.Error("event handler failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Dropped returns how many messages were discarded because a subscriber was full.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}
	return nil
}

// Close stops every subscription.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
			close(sub.msgCh)
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

func subscriptionKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Unsubscribe stops delivery and detaches the subscription from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()

		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscriptions[s.key]
		for i, other := range subs {
			if other == s {
				b.subscriptions[s.key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
