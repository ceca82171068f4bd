package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

const defaultEventBuffer = 1024

// emitter publishes events off the hot path. A full buffer drops events;
// publish failures are logged and never reach the caller.
type emitter struct {
	bus    ports.EventBus
	logger *zap.Logger
	events chan domain.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newEmitter(bus ports.EventBus, buffer int, logger *zap.Logger) *emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	e := &emitter{
		bus:    bus,
		logger: logger,
		events: make(chan domain.Event, buffer),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) emit(event domain.Event) {
	if e.bus == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- event:
	default:
		e.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("execution_id", event.ExecutionID))
	}
}

func (e *emitter) run() {
	defer close(e.done)
	for event := range e.events {
		if err := e.bus.Publish(context.Background(), event.Type.Topic(), event); err != nil {
			e.logger.Warn("failed to publish event",
				zap.String("type", string(event.Type)),
				zap.String("execution_id", event.ExecutionID),
				zap.Error(err))
		}
	}
}

// close flushes queued events and stops the publisher
func (e *emitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()
	<-e.done
}
