package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

var _ ports.EventBus = (*StreamsEventBus)(nil)

func newTestBus(t *testing.T, opts ...Option) (*StreamsEventBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := NewStreamsEventBus(client, "test", "consumer-1", zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, mr
}

func TestPublishAppendsToStream(t *testing.T) {
	bus, mr := newTestBus(t, WithStreamPrefix("t:"))

	event := domain.Event{ID: "e1", Type: domain.EventExecutionStarted, ExecutionID: "x"}
	require.NoError(t, bus.Publish(context.Background(), domain.TopicExecutionEvents, event))

	entries, err := mr.Stream("t:" + domain.TopicExecutionEvents)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestEverySubscriberReceivesEvents(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	var mu sync.Mutex
	got := map[string][]string{}
	handler := func(name string) ports.EventHandler {
		return func(_ context.Context, event domain.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], event.ID)
			return nil
		}
	}

	_, err := bus.Subscribe(ctx, domain.TopicStepEvents, handler("a"))
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, domain.TopicStepEvents, handler("b"))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.TopicStepEvents, domain.Event{ID: "1", Type: domain.EventStepStarted}))
	require.NoError(t, bus.Publish(ctx, domain.TopicStepEvents, domain.Event{ID: "2", Type: domain.EventStepSucceeded}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 2 && len(got["b"]) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, got["a"])
	assert.Equal(t, []string{"1", "2"}, got["b"])
}

func TestUnsubscribeDestroysGroup(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	id, err := bus.Subscribe(ctx, domain.TopicStepEvents, func(context.Context, domain.Event) error { return nil })
	require.NoError(t, err)

	stream := bus.streamKey(domain.TopicStepEvents)
	group := "test-" + id
	err = bus.client.XGroupCreate(ctx, stream, group, "$").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUSYGROUP")

	require.NoError(t, bus.Unsubscribe(ctx, id))
	assert.NoError(t, bus.client.XGroupCreate(ctx, stream, group, "$").Err())
}

func TestMaxLenTrimsStream(t *testing.T) {
	ctx := context.Background()
	bus, mr := newTestBus(t, WithMaxLen(5))

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(ctx, domain.TopicExecutionEvents, domain.Event{ID: "e"}))
	}

	entries, err := mr.Stream(defaultStreamPrefix + domain.TopicExecutionEvents)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}
