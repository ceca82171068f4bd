package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

const (
	defaultStreamPrefix = "dagoflow:events:"
	defaultMaxLen       = 10000
	readBlock           = time.Second
	readCount           = 10
)

// StreamsEventBus implements EventBus using Redis Streams.
// Every subscription owns a consumer group created at the stream tail, so
// each subscriber sees every event published after it subscribed.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	prefix        string
	maxLen        int64

	mu     sync.Mutex
	subs   map[string]*subscription
	wg     sync.WaitGroup
	closed bool
}

type subscription struct {
	stream string
	group  string
	cancel context.CancelFunc
}

// Option configures a StreamsEventBus
type Option func(*StreamsEventBus)

// WithStreamPrefix sets the stream key prefix
func WithStreamPrefix(prefix string) Option {
	return func(e *StreamsEventBus) {
		e.prefix = prefix
	}
}

// WithMaxLen caps each stream at approximately n entries
func WithMaxLen(n int64) Option {
	return func(e *StreamsEventBus) {
		e.maxLen = n
	}
}

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger, opts ...Option) (*StreamsEventBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if consumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		prefix:        defaultStreamPrefix,
		maxLen:        defaultMaxLen,
		subs:          make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Publish appends an event to the topic stream
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	streamKey := e.streamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe starts reading topic into handler until ctx is done or the
// subscription is removed
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) (string, error) {
	streamKey := e.streamKey(topic)
	id := uuid.New().String()
	group := e.consumerGroup + "-" + id

	err := e.client.XGroupCreateMkStream(ctx, streamKey, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return "", fmt.Errorf("failed to create consumer group: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ports.ErrBusClosed
	}
	e.subs[id] = &subscription{stream: streamKey, group: group, cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic),
		zap.String("consumer_group", group),
		zap.String("consumer", e.consumerName))

	go func() {
		defer e.wg.Done()
		e.readStream(readCtx, streamKey, group, handler)
	}()

	return id, nil
}

// readStream reads events from a stream
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey, group string, handler ports.EventHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				e.processMessage(ctx, streamKey, group, message, handler)
			}
		}
	}
}

// processMessage processes a single message from the stream
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey, group string, message redis.XMessage, handler ports.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := e.client.XAck(ctx, streamKey, group, message.ID).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// Unsubscribe stops a subscription and destroys its consumer group
func (e *StreamsEventBus) Unsubscribe(ctx context.Context, subscriptionID string) error {
	e.mu.Lock()
	sub, ok := e.subs[subscriptionID]
	delete(e.subs, subscriptionID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	sub.cancel()
	if err := e.client.XGroupDestroy(ctx, sub.stream, sub.group).Err(); err != nil {
		return fmt.Errorf("failed to destroy consumer group: %w", err)
	}
	return nil
}

// Close stops every subscription and waits for the readers to exit.
// The Redis client is closed by its owner.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[string]*subscription)
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		sub.cancel()
		if err := e.client.XGroupDestroy(context.Background(), sub.stream, sub.group).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	e.wg.Wait()
	return errors.Join(errs...)
}

func (e *StreamsEventBus) streamKey(topic string) string {
	return e.prefix + topic
}
