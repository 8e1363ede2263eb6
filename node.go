package ensemble

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Node defaults. A node is a bounded reasoning step: at most defaultMaxRounds
// tool-call rounds, each LLM call bounded by defaultCallTimeout.
const (
	defaultMaxRounds   = 8
	defaultCallTimeout = 30 * time.Second
)

// Finalizer inspects the node's final LLM response and writes artifacts into
// the delta. view is the immutable pre-run state; toolResults carries the
// content of every tool message the run produced, in execution order.
type Finalizer func(view *State, final ChatResponse, toolResults []ChatMessage, d *Delta) error

// AgentNode is a single reasoning step bound to a prompt and a tool set.
// It iterates ReAct-style — LLM call, tool calls, tool results — until the
// model emits no tool calls or the round budget runs out, and produces
// exactly one A2A response per invocation.
type AgentNode struct {
	name        string
	intent      string
	provider    Provider
	prompts     PromptSource
	promptPath  string
	promptName  string
	promptVars  func(*State) map[string]any
	registry    *ToolRegistry
	maxRounds   int
	callTimeout time.Duration
	finalize    Finalizer
}

// NodeOption configures an AgentNode.
type NodeOption func(*AgentNode)

// WithPrompt sets the system prompt template the node fills on every run.
func WithPrompt(src PromptSource, path, name string) NodeOption {
	return func(n *AgentNode) { n.prompts, n.promptPath, n.promptName = src, path, name }
}

// WithPromptVars sets the variable builder for the system prompt template.
func WithPromptVars(fn func(*State) map[string]any) NodeOption {
	return func(n *AgentNode) { n.promptVars = fn }
}

// WithTools sets the node's tool registry.
func WithTools(reg *ToolRegistry) NodeOption {
	return func(n *AgentNode) { n.registry = reg }
}

// WithMaxRounds sets the tool-call round budget (default 8).
func WithMaxRounds(rounds int) NodeOption {
	return func(n *AgentNode) { n.maxRounds = rounds }
}

// WithCallTimeout sets the per-LLM-call timeout (default 30s).
func WithCallTimeout(d time.Duration) NodeOption {
	return func(n *AgentNode) { n.callTimeout = d }
}

// WithIntent sets the intent tag stamped on the node's A2A messages
// (default "run_<name>").
func WithIntent(intent string) NodeOption {
	return func(n *AgentNode) { n.intent = intent }
}

// WithFinalizer sets the artifact extraction hook.
func WithFinalizer(fn Finalizer) NodeOption {
	return func(n *AgentNode) { n.finalize = fn }
}

// NewAgentNode creates a node named name backed by provider.
func NewAgentNode(name string, provider Provider, opts ...NodeOption) *AgentNode {
	n := &AgentNode{
		name:        name,
		intent:      "run_" + name,
		provider:    provider,
		maxRounds:   defaultMaxRounds,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name returns the node name used for routing.
func (n *AgentNode) Name() string { return n.name }

// Intent returns the intent tag for A2A messages addressed to this node.
func (n *AgentNode) Intent() string { return n.intent }

// Run executes the bounded ReAct loop against view and answers req.
// The returned delta contains every message the run appended plus any
// artifacts the finalizer produced. Run never panics across the boundary;
// all failures are folded into the response status and error.
func (n *AgentNode) Run(ctx context.Context, rt runtime, req AgentMessage, view *State) (Delta, AgentMessage) {
	start := time.Now()
	var d Delta
	var usage Usage
	toolCalls := 0

	metricsOf := func() CallMetrics {
		return CallMetrics{
			LatencyMS:    time.Since(start).Milliseconds(),
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			ToolCalls:    toolCalls,
		}
	}
	fail := func(status MessageStatus, ae *AgentError) (Delta, AgentMessage) {
		d.Errors = append(d.Errors, ae)
		return d, NewResponse(req, status, nil, ae, metricsOf())
	}

	var span Span
	if rt.tracer != nil {
		ctx, span = rt.tracer.Start(ctx, "node.run",
			StringAttr("node", n.name),
			StringAttr("task_id", req.TaskID))
		defer span.End()
	}

	system, err := n.systemPrompt(view)
	if err != nil {
		return fail(StatusValidationError, Classify(err))
	}

	msgs := make([]ChatMessage, 0, len(view.Messages)+2)
	msgs = append(msgs, SystemMessage(system))
	msgs = append(msgs, view.Messages...)
	base := len(msgs)

	var defs []ToolDefinition
	if n.registry != nil {
		defs = n.registry.Definitions()
	}

	var toolMsgs []ChatMessage

	for round := 0; ; round++ {
		if round >= n.maxRounds {
			// Budget exhausted mid-conversation: finalise what we have.
			d.Messages = msgs[base:]
			ae := NewTimeoutError("round budget (%d) exhausted", n.maxRounds)
			d.Errors = append(d.Errors, ae)
			return d, NewResponse(req, StatusPartial, nil, ae, metricsOf())
		}
		if ctx.Err() != nil {
			d.Messages = msgs[base:]
			return fail(StatusError, Classify(ctx.Err()))
		}

		resp, err := n.chat(ctx, rt, ChatRequest{Messages: msgs, Tools: defs})
		usage.add(resp.Usage)
		if err != nil {
			d.Messages = msgs[base:]
			ae := Classify(err)
			if ae.Kind == ErrKindTimeout {
				return d, NewResponse(req, StatusTimeout, nil, ae, metricsOf())
			}
			return fail(StatusError, ae)
		}

		// No tool calls — final answer.
		if len(resp.ToolCalls) == 0 {
			msgs = append(msgs, AssistantMessage(resp.Content))
			d.Messages = msgs[base:]
			if n.finalize != nil {
				if err := n.finalize(view, resp, toolMsgs, &d); err != nil {
					return fail(StatusError, Classify(err))
				}
			}
			output := n.output(resp, d)
			return d, NewResponse(req, StatusOK, output, nil, metricsOf())
		}

		msgs = append(msgs, ChatMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Dispatch tool calls sequentially, in the order the model emitted
		// them. Failures become tool messages so the model can self-correct;
		// they never fail the node.
		for _, tc := range resp.ToolCalls {
			toolCalls++
			tm := n.dispatchTool(ctx, rt, tc)
			msgs = append(msgs, tm)
			toolMsgs = append(toolMsgs, tm)
		}
	}
}

// dispatchTool validates and executes one tool call, returning the tool
// message to feed back into the conversation.
func (n *AgentNode) dispatchTool(ctx context.Context, rt runtime, tc ToolCall) ChatMessage {
	start := time.Now()
	status := "ok"
	var content string
	var callErr error

	if err := n.validateCall(tc); err != nil {
		content = "error: " + err.Error()
		status = string(Classify(err).Kind)
		callErr = err
	} else {
		res, err := n.registry.Execute(ctx, tc.Name, tc.Args)
		switch {
		case err != nil:
			ae := Classify(err)
			if ae.Kind == ErrKindUnknown {
				ae = NewToolError("%s: %v", tc.Name, err)
			}
			content = "error: " + ae.Error()
			status = string(ae.Kind)
			callErr = ae
		case res.Error != "":
			content = "error: " + res.Error
			status = string(ErrKindTool)
			callErr = NewToolError("%s", res.Error)
		default:
			content = res.Content
		}
	}

	elapsed := time.Since(start)
	rt.metrics.ToolCall(n.name, tc.Name, status, elapsed)
	rt.metrics.TraceToolCall(ctx, n.name, tc.Name, string(tc.Args), content, callErr, elapsed)
	rt.logger.Debug("tool call",
		"node", n.name,
		"tool", tc.Name,
		"status", status,
		"duration", elapsed)
	return ToolResultMessage(tc.ID, content)
}

func (n *AgentNode) validateCall(tc ToolCall) error {
	if n.registry == nil {
		return NewToolError("unknown tool: %s", tc.Name)
	}
	return n.registry.Validate(tc.Name, tc.Args)
}

// chat performs one LLM round under the per-call timeout, retrying retryable
// failures with backoff. When a stream sink is attached, text deltas are
// forwarded as token chunks as they arrive.
func (n *AgentNode) chat(ctx context.Context, rt runtime, req ChatRequest) (ChatResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, n.callTimeout)
	defer cancel()

	start := time.Now()
	resp, err := retryChat(cctx, rt.logger, n.name, func() (ChatResponse, error) {
		if rt.emit == nil {
			return n.provider.Chat(cctx, req)
		}
		ch := make(chan string, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for delta := range ch {
				rt.emit(Chunk{Type: ChunkToken, Node: n.name, Text: delta})
			}
		}()
		r, cerr := n.provider.ChatStream(cctx, req, ch)
		close(ch)
		<-done
		return r, cerr
	})

	if err == nil {
		var prompt string
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}
		rt.metrics.TraceLLMCall(ctx, n.name, n.provider.Name(), prompt, resp.Content, time.Since(start))
	}
	return resp, err
}

func (n *AgentNode) systemPrompt(view *State) (string, error) {
	if n.prompts == nil {
		return "You are the " + n.name + " agent.", nil
	}
	var vars map[string]any
	if n.promptVars != nil {
		vars = n.promptVars(view)
	}
	return n.prompts.GetPrompt(n.promptPath, n.promptName, vars)
}

// output builds the opaque structured payload for the A2A response.
func (n *AgentNode) output(resp ChatResponse, d Delta) json.RawMessage {
	keys := make([]string, 0, len(d.Artifacts))
	for k := range d.Artifacts {
		keys = append(keys, k)
	}
	out, err := json.Marshal(struct {
		Content   string   `json:"content"`
		Artifacts []string `json:"artifacts,omitempty"`
	}{Content: resp.Content, Artifacts: keys})
	if err != nil {
		return nil
	}
	return out
}

// runtime carries per-task collaborators into node and router invocations.
// emit is nil for non-streaming runs; it blocks on a slow consumer and
// returns false once the task is cancelled.
type runtime struct {
	logger  *slog.Logger
	metrics Metrics
	tracer  Tracer
	emit    func(Chunk) bool
}
