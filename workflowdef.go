package ensemble

import (
	"encoding/json"
	"strings"
	"time"
)

// WorkflowConfig carries the tunables the workflow constructors apply to
// their nodes. The zero value selects all defaults.
type WorkflowConfig struct {
	NodeRounds    int           // tool-call rounds per node (default 8)
	CallTimeout   time.Duration // per-LLM-call timeout (default 30s)
	MinReferences int           // literature yield floor (default 10)
}

func (c WorkflowConfig) nodeOpts(extra ...NodeOption) []NodeOption {
	var opts []NodeOption
	if c.NodeRounds > 0 {
		opts = append(opts, WithMaxRounds(c.NodeRounds))
	}
	if c.CallTimeout > 0 {
		opts = append(opts, WithCallTimeout(c.CallTimeout))
	}
	return append(opts, extra...)
}

// NewChatWorkflow assembles the secretary engine: a supervisor routing each
// user turn to one of the learning, productivity, and utility sub-agents.
// tools maps sub-agent name to its registry; a missing entry leaves the
// sub-agent tool-less. Prompt templates are looked up under "secretary/<name>".
func NewChatWorkflow(provider Provider, prompts PromptSource, tools map[string]*ToolRegistry, wc WorkflowConfig, opts ...EngineOption) *Engine {
	nodes := make([]*AgentNode, 0, len(chatAgents))
	for _, name := range chatAgents {
		nodes = append(nodes, NewAgentNode(name, provider, wc.nodeOpts(
			WithPrompt(prompts, "secretary", name),
			WithTools(tools[name]),
		)...))
	}
	return NewEngine(WorkflowChat, NewChatRouter(provider), nodes, opts...)
}

// NewPaperWorkflow assembles the paper pipeline engine:
// literature → stats → writer → compliance with bounded revision loopback.
// tools maps stage name to its registry (literature search, statistical
// computation, rendering — all collaborator-supplied). Prompt templates are
// looked up under "paper/<stage>".
func NewPaperWorkflow(provider Provider, prompts PromptSource, tools map[string]*ToolRegistry, wc WorkflowConfig, opts ...EngineOption) *Engine {
	stages := []struct {
		name     string
		intent   string
		artifact string
	}{
		{NodeLiterature, "search_literature", ArtifactReferences},
		{NodeStats, "analyze_statistics", ArtifactStats},
		{NodeWriter, "write_section", ArtifactManuscript},
		{NodeCompliance, "check_compliance", ArtifactCompliance},
	}
	nodes := make([]*AgentNode, 0, len(stages))
	for _, stage := range stages {
		nodes = append(nodes, NewAgentNode(stage.name, provider, wc.nodeOpts(
			WithPrompt(prompts, "paper", stage.name),
			WithPromptVars(paperPromptVars),
			WithTools(tools[stage.name]),
			WithIntent(stage.intent),
			WithFinalizer(ArtifactFromContent(stage.artifact)),
		)...))
	}
	return NewEngine(WorkflowPaper, NewPaperRouter(wc.MinReferences), nodes, opts...)
}

// paperPromptVars exposes the pipeline inputs to stage prompt templates.
func paperPromptVars(st *State) map[string]any {
	return map[string]any{
		"research_question": jsonString(st.Artifact("research_question")),
		"paper_type":        jsonString(st.Artifact("paper_type")),
		"revision_round":    st.RevisionRound,
	}
}

// ArtifactFromContent returns a finalizer that stores the node's final
// assistant content under key. Valid JSON is stored as-is; anything else is
// serialised to a JSON string — a non-conforming payload is degraded, never
// rejected.
func ArtifactFromContent(key string) Finalizer {
	return func(_ *State, final ChatResponse, _ []ChatMessage, d *Delta) error {
		content := strings.TrimSpace(final.Content)
		if content == "" {
			return nil
		}
		var payload json.RawMessage
		if json.Valid([]byte(content)) {
			payload = json.RawMessage(content)
		} else {
			payload = mustJSON(content)
		}
		if d.Artifacts == nil {
			d.Artifacts = make(map[string]json.RawMessage)
		}
		d.Artifacts[key] = payload
		return nil
	}
}

// ManuscriptSections are the sections every complete manuscript carries.
var ManuscriptSections = []string{"abstract", "introduction", "methods", "results", "discussion"}
