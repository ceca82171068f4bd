package llm

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/aescanero/dagoflow/pkg/domain"
	"github.com/aescanero/dagoflow/pkg/ports"
)

// HandlerName is the registry name of the completion step handler.
const HandlerName = "llm.complete"

// CompleteHandler returns a step handler that renders params.prompt as a
// text/template over the execution context, completes it with client and
// stores the text under params.output_key (default "<step>_output").
//
// Optional params: system, model, max_tokens, temperature.
func CompleteHandler(client ports.LLMClient) domain.StepFunc {
	return func(ctx context.Context, in domain.StepInput) (domain.Context, error) {
		raw, ok := in.Params["prompt"].(string)
		if !ok || raw == "" {
			return nil, fmt.Errorf("step %s: params.prompt is required", in.Step)
		}
		prompt, err := render(in.Step, raw, in.Context)
		if err != nil {
			return nil, err
		}

		req := ports.CompletionRequest{Prompt: prompt}
		if system, ok := in.Params["system"].(string); ok {
			if req.System, err = render(in.Step, system, in.Context); err != nil {
				return nil, err
			}
		}
		if model, ok := in.Params["model"].(string); ok {
			req.Model = model
		}
		req.MaxTokens = intParam(in.Params["max_tokens"])
		if temp, ok := in.Params["temperature"].(float64); ok {
			req.Temperature = temp
		}

		resp, err := client.Complete(ctx, req)
		if err != nil {
			return nil, err
		}

		key, _ := in.Params["output_key"].(string)
		if key == "" {
			key = in.Step + "_output"
		}
		return domain.Context{key: resp.Text}, nil
	}
}

func render(step, text string, data domain.Context) (string, error) {
	tmpl, err := template.New(step).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("step %s: failed to parse prompt template: %w", step, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, map[string]any(data)); err != nil {
		return "", fmt.Errorf("step %s: failed to render prompt: %w", step, err)
	}
	return b.String(), nil
}

// YAML and JSON decode numbers differently
func intParam(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
