package ensemble

import "context"

// Provider abstracts the LLM backend. Implementations live outside the core;
// they must map vendor failures into *AgentError with kind LLM_ERROR or
// TIMEOUT and an honest Retryable flag, and must honour ctx cancellation
// mid-call.
type Provider interface {
	// Chat sends a request (optionally with tool definitions) and returns a
	// complete response, which may contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams text deltas into ch as they arrive, then returns the
	// final response with usage stats. The callee does not close ch.
	// Tool calls, if any, are only present on the returned response.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "anthropic").
	Name() string
}

// PromptSource loads versioned prompt templates and returns filled strings.
// A missing template or an unbound variable is fatal: implementations return
// an *AgentError with kind VALIDATION_ERROR. Caching is the implementation's
// concern; the engine calls GetPrompt on every node invocation.
type PromptSource interface {
	GetPrompt(path, name string, vars map[string]any) (string, error)
}
