package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

const defaultBuffer = 256

// EventBus implements ports.EventBus with in-process fan-out.
// Each subscription drains its own queue, so a subscriber sees events in
// publish order and a slow one never blocks Publish.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	buffer int
	logger *zap.Logger
	closed bool
}

type subscription struct {
	id      string
	topic   string
	handler ports.EventHandler
	queue   chan domain.Event
	done    chan struct{}
	once    sync.Once
}

// Option configures an EventBus
type Option func(*EventBus)

// WithBuffer sets the per-subscription queue size
func WithBuffer(size int) Option {
	return func(b *EventBus) {
		if size > 0 {
			b.buffer = size
		}
	}
}

// NewEventBus creates a new in-memory event bus
func NewEventBus(logger *zap.Logger, opts ...Option) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &EventBus{
		subs:   make(map[string]*subscription),
		buffer: defaultBuffer,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish queues event for every subscriber of topic
func (b *EventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.String("subscription_id", sub.id),
				zap.String("topic", topic),
				zap.String("event_id", event.ID))
		}
	}
	return nil
}

// Subscribe registers handler on topic until ctx is done or Unsubscribe is called
func (b *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) (string, error) {
	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		queue:   make(chan domain.Event, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ports.ErrBusClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.deliver(ctx, sub)
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unsubscribe(context.Background(), sub.id)
		case <-sub.done:
		}
	}()

	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(ctx context.Context, subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	delete(b.subs, subscriptionID)
	b.mu.Unlock()

	if ok {
		sub.stop()
	}
	return nil
}

// Close drops every subscription
func (b *EventBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (b *EventBus) deliver(ctx context.Context, sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			if err := sub.handler(ctx, event); err != nil {
				b.logger.Debug("event handler error",
					zap.String("subscription_id", sub.id),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}
