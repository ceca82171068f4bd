package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	bufferSize   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ExecutionGetter loads an execution snapshot
type ExecutionGetter interface {
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
}

// Message is one frame sent to the client
type Message struct {
	// Kind is "snapshot" for the first frame and "event" afterwards.
	Kind      string            `json:"kind"`
	Execution *domain.Execution `json:"execution,omitempty"`
	Event     *domain.Event     `json:"event,omitempty"`
}

// Handler handles WebSocket connections
type Handler struct {
	eventBus   ports.EventBus
	executions ExecutionGetter
	logger     *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, executions ExecutionGetter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		eventBus:   eventBus,
		executions: executions,
		logger:     logger,
	}
}

// HandleExecutionStream streams the lifecycle events of one execution. The
// first frame is the current execution snapshot.
func (h *Handler) HandleExecutionStream(c *gin.Context) {
	executionID := c.Param("id")

	exec, err := h.executions.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": err.Error()}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	logger := h.logger.With(zap.String("execution_id", executionID), zap.String("client", c.ClientIP()))
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan domain.Event, bufferSize)
	handler := func(_ context.Context, event domain.Event) error {
		if event.ExecutionID != executionID {
			return nil
		}
		select {
		case events <- event:
		default:
			logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)))
		}
		return nil
	}

	for _, topic := range []string{domain.TopicExecutionEvents, domain.TopicStepEvents} {
		id, err := h.eventBus.Subscribe(ctx, topic, handler)
		if err != nil {
			logger.Error("failed to subscribe to events", zap.String("topic", topic), zap.Error(err))
			return
		}
		defer func(id string) { _ = h.eventBus.Unsubscribe(context.Background(), id) }(id)
	}

	// The read pump only exists to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := write(conn, Message{Kind: "snapshot", Execution: exec}); err != nil {
		logger.Debug("failed to write snapshot", zap.Error(err))
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("WebSocket connection closed")
			return
		case event := <-events:
			if err := write(conn, Message{Kind: "event", Event: &event}); err != nil {
				logger.Debug("failed to write message", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
