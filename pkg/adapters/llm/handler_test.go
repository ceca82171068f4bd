package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

type fakeClient struct {
	got  ports.CompletionRequest
	text string
	err  error
}

func (f *fakeClient) Complete(_ context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &ports.CompletionResponse{Text: f.text}, nil
}

func TestCompleteHandlerRendersPrompt(t *testing.T) {
	client := &fakeClient{text: "a short poem"}
	handler := CompleteHandler(client)

	out, err := handler(context.Background(), domain.StepInput{
		Step:    "write",
		Context: domain.Context{"topic": "rivers"},
		Params: map[string]any{
			"prompt":     "Write about {{.topic}}",
			"model":      "m1",
			"max_tokens": 64,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.Context{"write_output": "a short poem"}, out)
	assert.Equal(t, "Write about rivers", client.got.Prompt)
	assert.Equal(t, "m1", client.got.Model)
	assert.Equal(t, 64, client.got.MaxTokens)
}

func TestCompleteHandlerOutputKey(t *testing.T) {
	handler := CompleteHandler(&fakeClient{text: "ok"})

	out, err := handler(context.Background(), domain.StepInput{
		Step:   "s",
		Params: map[string]any{"prompt": "hi", "output_key": "answer", "max_tokens": float64(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Context{"answer": "ok"}, out)
}

func TestCompleteHandlerErrors(t *testing.T) {
	ctx := context.Background()

	_, err := CompleteHandler(&fakeClient{})(ctx, domain.StepInput{Step: "s"})
	assert.Error(t, err)

	_, err = CompleteHandler(&fakeClient{})(ctx, domain.StepInput{
		Step:   "s",
		Params: map[string]any{"prompt": "{{.missing}}"},
	})
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = CompleteHandler(&fakeClient{err: boom})(ctx, domain.StepInput{
		Step:   "s",
		Params: map[string]any{"prompt": "hi"},
	})
	assert.ErrorIs(t, err, boom)
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(&Config{Provider: "nope"})
	assert.Error(t, err)
}
