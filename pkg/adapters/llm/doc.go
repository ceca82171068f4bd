// Package llm provides LLM client implementations and the llm.complete
// step handler.
//
// The factory creates LLM clients based on provider configuration.
// Currently supports:
//   - Anthropic Claude
package llm
