package ports

import (
	"context"
	"errors"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// ErrBusClosed is returned when subscribing to a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// EventHandler receives published events.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes lifecycle events. Delivery is best-effort.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error

	// Subscribe registers handler on topic until ctx is done or
	// Unsubscribe is called with the returned id.
	Subscribe(ctx context.Context, topic string, handler EventHandler) (string, error)

	Unsubscribe(ctx context.Context, subscriptionID string) error

	Close() error
}
