package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		var received *domain.Message
		_, err := bus.Subscribe(ctx, tenantID, domain.TopicSegmentRecalculated, func(ctx context.Context, msg *domain.Message) error {
			received = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, tenantID, domain.TopicSegmentRecalculated, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg)

		if string(received.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(received.Payload))
		}
		if received.TenantID != tenantID {
			t.Errorf("expected tenantID '%s', got '%s'", tenantID, received.TenantID)
		}
		if received.ID == "" || received.Timestamp == 0 {
			t.Errorf("expected envelope id and timestamp, got %+v", received)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		var received1, received2 atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		_, _ = bus.Subscribe(ctx, "tenant-001", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			wg.Done()
			return nil
		})
		_, _ = bus.Subscribe(ctx, "tenant-002", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "tenant-001", "isolation.topic", []byte("msg1"))
		waitFor(t, &wg)
		time.Sleep(20 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("tenant1 should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("tenant2 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", "topic", []byte("data")); err == nil {
			t.Error("expected error for empty tenantID")
		}
		noop := func(ctx context.Context, msg *domain.Message) error { return nil }
		if _, err := bus.Subscribe(ctx, "", "topic", noop); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := bus.QueueSubscribe(ctx, tenantID, "topic", "", noop); err == nil {
			t.Error("expected error for empty queue name")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, tenantID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		_ = bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		// A second call is a no-op.
		_ = sub.Unsubscribe()

		_ = bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)

		_, _ = bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			wg.Done()
			return nil
		})
		_, _ = bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			wg.Done()
			return nil
		})

		_ = bus.Publish(ctx, tenantID, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("QueueGroupRoundRobin", func(t *testing.T) {
		const messages = 10
		var a, b, plain atomic.Int32
		var wg sync.WaitGroup
		wg.Add(messages * 2)

		handler := func(counter *atomic.Int32) domain.MessageHandler {
			return func(ctx context.Context, msg *domain.Message) error {
				counter.Add(1)
				wg.Done()
				return nil
			}
		}
		_, _ = bus.QueueSubscribe(ctx, tenantID, "queue.topic", "workers", handler(&a))
		_, _ = bus.QueueSubscribe(ctx, tenantID, "queue.topic", "workers", handler(&b))
		_, _ = bus.Subscribe(ctx, tenantID, "queue.topic", handler(&plain))

		for i := 0; i < messages; i++ {
			_ = bus.Publish(ctx, tenantID, "queue.topic", []byte("job"))
		}
		waitFor(t, &wg)

		if a.Load()+b.Load() != messages {
			t.Errorf("expected queue group to see %d messages once, got %d", messages, a.Load()+b.Load())
		}
		if a.Load() != messages/2 || b.Load() != messages/2 {
			t.Errorf("expected even split, got %d and %d", a.Load(), b.Load())
		}
		if plain.Load() != messages {
			t.Errorf("expected plain subscriber to see every message, got %d", plain.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	_, err := bus.Subscribe(ctx, "tenant-001", "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	_ = bus.Publish(ctx, "tenant-001", "slow.topic", []byte("1"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	// One message fills the buffer, the next is dropped.
	_ = bus.Publish(ctx, "tenant-001", "slow.topic", []byte("2"))
	if err := bus.Publish(ctx, "tenant-001", "slow.topic", []byte("3")); err != nil {
		t.Fatalf("publish must not fail on a full subscriber: %v", err)
	}
	close(release)

	if got := bus.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
}

func TestChannelBusPropagatesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	bus := NewChannelBus(10)
	defer bus.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	got := make(chan trace.SpanContext, 1)
	_, _ = bus.Subscribe(context.Background(), "tenant-001", "traced.topic", func(ctx context.Context, msg *domain.Message) error {
		got <- trace.SpanContextFromContext(ctx)
		return nil
	})
	_ = bus.Publish(parent, "tenant-001", "traced.topic", nil)

	select {
	case sc := <-got:
		if sc.TraceID() != traceID {
			t.Errorf("expected trace %s, got %s", traceID, sc.TraceID())
		}
		if !sc.IsRemote() {
			t.Error("expected extracted span context to be remote")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	_, _ = bus.Subscribe(ctx, "tenant-001", "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "tenant-001", "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if _, err := bus.Subscribe(ctx, "tenant-001", "close.topic", nil); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(domain.GlobalPartition, domain.TopicSegmentRecalculate); got != "heron._global.heron.segment.recalculate" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
		if _, ok := bus.(QueueSubscriber); !ok {
			t.Error("expected ChannelBus to support queue groups")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
