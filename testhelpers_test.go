package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// --- Provider stubs (shared across node, router, and executor tests) ---

// scriptStep is one canned LLM response (or error) in a scriptProvider.
type scriptStep struct {
	content   string
	toolCalls []ToolCall
	err       error
}

// scriptProvider replays a fixed sequence of responses. Once the script is
// exhausted it keeps answering with a plain "done" message, which ends any
// ReAct loop. Safe for concurrent use; requests are recorded for assertions.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	i     int
	calls []ChatRequest
}

func (p *scriptProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChatResponse{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.i >= len(p.steps) {
		return ChatResponse{Content: "done", Usage: Usage{InputTokens: 1, OutputTokens: 1}}, nil
	}
	s := p.steps[p.i]
	p.i++
	if s.err != nil {
		return ChatResponse{}, s.err
	}
	return ChatResponse{Content: s.content, ToolCalls: s.toolCalls, Usage: Usage{InputTokens: 1, OutputTokens: 1}}, nil
}

// ChatStream answers like Chat without emitting deltas; a streaming provider
// is allowed to deliver everything in the final response.
func (p *scriptProvider) ChatStream(ctx context.Context, req ChatRequest, _ chan<- string) (ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// tokenProvider streams its content rune by rune before returning it.
type tokenProvider struct {
	content string
}

func (p *tokenProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return ChatResponse{Content: p.content}, nil
}

func (p *tokenProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	for _, r := range p.content {
		ch <- string(r)
	}
	return ChatResponse{Content: p.content}, nil
}

func (p *tokenProvider) Name() string { return "token" }

// cancelProvider cancels the task and reports the cancellation, simulating
// an in-flight LLM call observing the signal.
type cancelProvider struct {
	cancel context.CancelFunc
}

func (p *cancelProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.cancel()
	<-ctx.Done()
	return ChatResponse{}, ctx.Err()
}

func (p *cancelProvider) ChatStream(ctx context.Context, req ChatRequest, _ chan<- string) (ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *cancelProvider) Name() string { return "cancel" }

// --- Tool stubs ---

// echoTool returns a canned result for a single named tool.
type echoTool struct {
	name   string
	schema string
	result string
	calls  []json.RawMessage
}

func (t *echoTool) Definitions() []ToolDefinition {
	def := ToolDefinition{Name: t.name, Description: "test tool " + t.name}
	if t.schema != "" {
		def.Parameters = json.RawMessage(t.schema)
	}
	return []ToolDefinition{def}
}

func (t *echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	t.calls = append(t.calls, args)
	return ToolResult{Content: t.result}, nil
}

// failTool always returns an execution error.
type failTool struct{ name string }

func (t failTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: t.name, Description: "always fails"}}
}

func (t failTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	return ToolResult{}, fmt.Errorf("%s broken", t.name)
}

// --- Store stub ---

// memStore collects A2A messages in memory, optionally failing the first
// failFirst writes to exercise the engine's persistence retry.
type memStore struct {
	mu        sync.Mutex
	msgs      []AgentMessage
	failFirst int
	writes    int
}

func (s *memStore) WriteMessage(_ context.Context, msg AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writes <= s.failFirst {
		return fmt.Errorf("transient store failure %d", s.writes)
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, taskID string) ([]AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentMessage
	for _, m := range s.msgs {
		if m.TaskID == taskID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// all returns a snapshot of every stored message in write order.
func (s *memStore) all() []AgentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AgentMessage(nil), s.msgs...)
}

// countExchanges tallies stored responses sent by the given node.
func (s *memStore) countExchanges(sender string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Sender == sender {
			n++
		}
	}
	return n
}

// --- Router stub ---

// fixedRouter always routes to the same node.
type fixedRouter struct{ target string }

func (r fixedRouter) Next(context.Context, runtime, *State) (string, error) {
	return r.target, nil
}

// --- Misc helpers ---

func testRuntime() runtime {
	return runtime{logger: nopLogger, metrics: nopMetrics{}}
}

func mustRaw(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

// manuscriptJSON builds a complete five-section manuscript payload.
func manuscriptJSON() string {
	sections := map[string]string{}
	for _, s := range ManuscriptSections {
		sections[s] = "Text of the " + s + " section."
	}
	return string(mustRaw(sections))
}

// referencesJSON builds a references artifact with n entries.
func referencesJSON(n int) string {
	refs := make([]map[string]string, n)
	for i := range refs {
		refs[i] = map[string]string{"title": fmt.Sprintf("Reference %d", i+1)}
	}
	return string(mustRaw(refs))
}
