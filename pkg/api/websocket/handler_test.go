package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dagoflow/pkg/adapters/events/memory"
	"github.com/aescanero/dagoflow/pkg/domain"
)

type executions map[string]*domain.Execution

func (e executions) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	exec, ok := e[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return exec, nil
}

func newServer(t *testing.T) (*httptest.Server, *memory.EventBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	bus := memory.NewEventBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	h := NewHandler(bus, executions{"e1": {ID: "e1", Status: domain.ExecutionRunning}}, logger)
	router := gin.New()
	router.GET("/api/v1/executions/:id/ws", h.HandleExecutionStream)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, bus
}

func wsURL(srv *httptest.Server, id string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/executions/" + id + "/ws"
}

func TestStreamSendsSnapshotThenOwnEvents(t *testing.T) {
	srv, bus := newServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "e1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Kind)
	require.NotNil(t, first.Execution)
	assert.Equal(t, "e1", first.Execution.ID)

	ctx := context.Background()
	other := domain.Event{ID: "x", Type: domain.EventStepStarted, ExecutionID: "e2", Step: "a"}
	mine := domain.Event{ID: "y", Type: domain.EventStepSucceeded, ExecutionID: "e1", Step: "a"}
	require.NoError(t, bus.Publish(ctx, other.Type.Topic(), other))
	require.NoError(t, bus.Publish(ctx, mine.Type.Topic(), mine))

	var next Message
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "event", next.Kind)
	require.NotNil(t, next.Event)
	assert.Equal(t, "y", next.Event.ID)
	assert.Equal(t, domain.EventStepSucceeded, next.Event.Type)
}

func TestStreamUnknownExecution(t *testing.T) {
	srv, _ := newServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
