package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dagoflow/pkg/ports"
)

var _ ports.LLMClient = (*Client)(nil)

func TestCompleteSendsPromptAndReadsText(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "test-model",
			"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "world"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), ports.CompletionRequest{Prompt: "say hello", System: "be brief"})
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.EqualValues(t, 3, resp.InputTokens)
	assert.EqualValues(t, 5, resp.OutputTokens)

	assert.Equal(t, "test-model", body["model"])
	assert.EqualValues(t, DefaultMaxTokens, body["max_tokens"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestCompleteReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), ports.CompletionRequest{Prompt: "x"})
	assert.Error(t, err)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{}, nil, nil)
	assert.Error(t, err)
}
