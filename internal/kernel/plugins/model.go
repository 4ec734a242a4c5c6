// Package plugins holds the default role and tool plugin implementations
// the kernel ships with: the streaming model plugin, the system prompt
// registry, the stub auth plugin, and the ping, pingyield and get_weather
// tools. The model plugin wraps
// an internal/providers.Provider (the same OpenAI-compatible SSE client
// cerebras.go and openrouter.go speak), translating its StreamChunks into
// kernel.ModelEvents per spec.md §4.7.
package plugins

import (
	"context"

	"github.com/brokerhq/chatkernel/internal/kernel"
	"github.com/brokerhq/chatkernel/internal/providers"
)

// ModelPlugin is the default streaming model plugin: an OpenAI-compatible
// chat-completions endpoint with SSE streaming, delegated to
// internal/providers so the turn orchestrator's domain logic and the
// provider transport share one implementation.
type ModelPlugin struct {
	provider providers.Provider
	priority int
}

// NewModelPlugin builds a model plugin pointed at an OpenAI-compatible
// endpoint. apiKeyEnv names the environment variable holding the bearer
// token (SPEC_FULL.md §1.1 config-via-env convention). name selects the
// provider implementation ("cerebras", "openrouter", or a generic client for
// any other name) via the same providers.NewProvider dispatch cmd/chatctl's
// "/raw" debug path uses. The config built from name, baseURL and apiKeyEnv
// is always passed, so the providers.Catalog presets are not consulted.
func NewModelPlugin(name, baseURL, apiKeyEnv string, priority int) *ModelPlugin {
	cfg := &providers.ProviderConfig{ID: name, Name: name, BaseURL: baseURL, APIKeyEnv: apiKeyEnv}
	return &ModelPlugin{provider: providers.NewProvider(name, cfg), priority: priority}
}

func (p *ModelPlugin) Priority() int { return p.priority }

func (p *ModelPlugin) Shutdown(ctx context.Context) error { return nil }

func toProviderToolCalls(calls []kernel.ToolCall) []providers.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]providers.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = providers.ToolCall{Index: c.Index, ID: c.ID, Function: providers.FunctionCall{Name: c.Function.Name, Arguments: c.Function.Arguments}}
	}
	return out
}

func toProviderMessages(messages []kernel.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, providers.Message{
			Role: m.Role, Content: m.Content,
			ToolCalls: toProviderToolCalls(m.ToolCalls), ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func toProviderTools(tools []kernel.ToolSchema) []providers.ToolSchema {
	if len(tools) == 0 {
		return nil
	}
	out := make([]providers.ToolSchema, len(tools))
	for i, t := range tools {
		out[i] = providers.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}

// GenerateResponse streams a model turn through the wrapped Provider,
// merging partial tool-call deltas by index and emitting a final
// EventToolCalls only once the stream closes with calls accumulated
// (spec.md §4.7 "tool_calls" event).
func (p *ModelPlugin) GenerateResponse(ctx context.Context, messages []kernel.Message, model string, systemPrompt *string, tools []kernel.ToolSchema) <-chan kernel.ModelEvent {
	out := make(chan kernel.ModelEvent, 64)

	go func() {
		defer close(out)

		wireMsgs := toProviderMessages(messages)
		if systemPrompt != nil && *systemPrompt != "" {
			wireMsgs = append([]providers.Message{{Role: "system", Content: *systemPrompt}}, wireMsgs...)
		}

		req := &providers.Request{
			Model: model, Messages: wireMsgs, Tools: toProviderTools(tools), Stream: true,
		}

		chunks, err := p.provider.Stream(ctx, req)
		if err != nil {
			out <- kernel.ModelEvent{Kind: kernel.EventError, Message: err.Error()}
			return
		}

		pending := map[int]*kernel.ToolCall{}
		var order []int
		var promptTokens, completionTokens int

		for chunk := range chunks {
			if chunk.Error != nil {
				out <- kernel.ModelEvent{Kind: kernel.EventError, Message: chunk.Error.Error()}
				return
			}
			if chunk.ReasoningContent != "" {
				out <- kernel.ModelEvent{Kind: kernel.EventThinkingTokens, Content: chunk.ReasoningContent}
			}
			if chunk.Delta != "" {
				out <- kernel.ModelEvent{Kind: kernel.EventMessageTokens, Content: chunk.Delta}
			}
			for _, tc := range chunk.ToolCalls {
				mergeToolCallDelta(pending, &order, tc)
			}
			if chunk.Done {
				promptTokens, completionTokens = chunk.TokensIn, chunk.TokensOut
			}
		}

		var finalCalls []kernel.ToolCall
		for _, idx := range order {
			finalCalls = append(finalCalls, *pending[idx])
		}
		if len(finalCalls) > 0 {
			out <- kernel.ModelEvent{Kind: kernel.EventToolCalls, ToolCalls: finalCalls}
		}
		out <- kernel.ModelEvent{
			Kind: kernel.EventStreamEnd,
			Metadata: map[string]any{
				"model":             model,
				"prompt_tokens":     promptTokens,
				"completion_tokens": completionTokens,
			},
		}
	}()

	return out
}

// mergeToolCallDelta accumulates one partial tool_calls delta into pending,
// keyed by index; name and id arrive once, arguments arrive incrementally
// and are concatenated (spec.md §4.7 "merge tool-call deltas by index").
func mergeToolCallDelta(pending map[int]*kernel.ToolCall, order *[]int, delta providers.ToolCall) {
	tc, ok := pending[delta.Index]
	if !ok {
		tc = &kernel.ToolCall{Index: delta.Index}
		pending[delta.Index] = tc
		*order = append(*order, delta.Index)
	}
	if delta.ID != "" {
		tc.ID = delta.ID
	}
	if delta.Function.Name != "" {
		tc.Function.Name = delta.Function.Name
	}
	tc.Function.Arguments += delta.Function.Arguments
}
