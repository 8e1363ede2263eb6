package ensemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Router decides the next node for a task, or RouteEnd to terminate.
// Routers are created fresh per run and are not safe for concurrent use;
// one task owns its router for the task lifetime.
type Router interface {
	Next(ctx context.Context, rt runtime, st *State) (string, error)
}

// RouterFactory builds a per-task router.
type RouterFactory func() Router

// --- Chat (secretary) router ---

// Chat sub-agent names, in classifier preference order.
const (
	NodeLearning     = "learning"
	NodeProductivity = "productivity"
	NodeUtility      = "utility"
)

var chatAgents = []string{NodeLearning, NodeProductivity, NodeUtility}

// chatKeywords is a small heuristic table consulted before the LLM
// classifier. Deliberately conservative: a miss falls through to the
// classifier, which stays authoritative.
var chatKeywords = []struct {
	substr string
	agent  string
}{
	{"save this word", NodeLearning},
	{"vocabulary", NodeLearning},
	{"flashcard", NodeLearning},
	{"quiz me", NodeLearning},
	{"remind", NodeProductivity},
	{"schedule", NodeProductivity},
	{"todo", NodeProductivity},
	{"to-do", NodeProductivity},
}

const classifierPrompt = `Classify the user message into exactly one of these domains:
- learning: vocabulary, study material, quizzes, saved knowledge
- productivity: reminders, schedules, todo lists, planning
- utility: time, weather, conversions, lookups, everything else

Reply with a single word: learning, productivity, or utility.`

// chatRouter routes the secretary workflow: one sub-agent per user turn,
// chosen by keyword heuristic or LLM classification, then END once the
// sub-agent has answered.
type chatRouter struct {
	provider Provider
	seen     map[string]int // user message hash → times routed
}

// NewChatRouter returns a factory for the secretary router. classifier is
// the LLM used for ambiguous inputs.
func NewChatRouter(classifier Provider) RouterFactory {
	return func() Router {
		return &chatRouter{provider: classifier, seen: make(map[string]int)}
	}
}

func (r *chatRouter) Next(ctx context.Context, rt runtime, st *State) (string, error) {
	// A sub-agent has answered with a plain assistant message: done.
	if last, ok := st.LastMessage(); ok &&
		last.Role == RoleAssistant && len(last.ToolCalls) == 0 && isChatAgent(st.CurrentStep) {
		return RouteEnd, nil
	}

	user, ok := st.LastUserMessage()
	if !ok {
		return RouteEnd, nil
	}

	// Loop guard: routing the same message a third time means the sub-agents
	// are not making progress. Force END rather than spin.
	h := messageHash(user.Content)
	if r.seen[h] >= 2 {
		rt.logger.Warn("routing loop detected, forcing END", "hash", h)
		return RouteEnd, nil
	}
	r.seen[h]++

	if agent, ok := keywordRoute(user.Content); ok {
		return agent, nil
	}
	return r.classify(ctx, rt, user.Content), nil
}

// classify asks the LLM for a single-token domain label. Any transport or
// parse failure falls back to utility and records a metric; classification
// never fails the task.
func (r *chatRouter) classify(ctx context.Context, rt runtime, message string) string {
	resp, err := r.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(classifierPrompt),
			UserMessage(message),
		},
	})
	if err != nil {
		rt.logger.Warn("classifier call failed, defaulting", "error", err)
		rt.metrics.ClassifierFallback(err.Error())
		return NodeUtility
	}

	raw := strings.ToLower(strings.TrimSpace(resp.Content))
	if isChatAgent(raw) {
		return raw
	}
	// The model returned prose or several labels: accept the first label in
	// preference order, otherwise default.
	for _, a := range chatAgents {
		if strings.Contains(raw, a) {
			return a
		}
	}
	rt.metrics.ClassifierFallback(raw)
	return NodeUtility
}

func keywordRoute(message string) (string, bool) {
	lower := strings.ToLower(message)
	for _, kw := range chatKeywords {
		if strings.Contains(lower, kw.substr) {
			return kw.agent, true
		}
	}
	return "", false
}

func isChatAgent(name string) bool {
	for _, a := range chatAgents {
		if name == a {
			return true
		}
	}
	return false
}

func messageHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// --- Paper router ---

// Paper pipeline node names and their primary artifacts.
const (
	NodeLiterature = "literature"
	NodeStats      = "stats"
	NodeWriter     = "writer"
	NodeCompliance = "compliance"

	ArtifactReferences = "references"
	ArtifactStats      = "stats_report"
	ArtifactManuscript = "manuscript_sections"
	ArtifactCompliance = "compliance_report"
)

// defaultMinReferences is the minimum literature yield before the pipeline
// advances to statistics.
const defaultMinReferences = 10

type paperStage struct {
	node     string
	artifact string
}

var paperStages = []paperStage{
	{NodeLiterature, ArtifactReferences},
	{NodeStats, ArtifactStats},
	{NodeWriter, ArtifactManuscript},
	{NodeCompliance, ArtifactCompliance},
}

// paperRouter drives the fixed staged progression by artifact presence.
// A stage whose artifact already exists is skipped, which makes resume
// idempotent. Revision loopback is the RevisionController's job; by the time
// this router runs, a pending revision has already set next_agent.
type paperRouter struct {
	minReferences     int
	literatureRetried bool
}

// NewPaperRouter returns a factory for the paper pipeline router.
// minReferences <= 0 selects the default (10).
func NewPaperRouter(minReferences int) RouterFactory {
	if minReferences <= 0 {
		minReferences = defaultMinReferences
	}
	return func() Router {
		return &paperRouter{minReferences: minReferences}
	}
}

func (r *paperRouter) Next(ctx context.Context, rt runtime, st *State) (string, error) {
	for _, stage := range paperStages {
		if st.HasArtifact(stage.artifact) {
			if stage.node == NodeLiterature {
				if next, retry := r.checkReferenceYield(rt, st); retry {
					return next, nil
				}
			}
			continue
		}
		// The stage just ran, reported success, and still produced nothing:
		// an invariant violation, not a retryable condition.
		if st.CurrentStep == stage.node && st.LastStatus == StatusOK {
			return "", NewUnknownError("stage %s completed without producing %s", stage.node, stage.artifact)
		}
		return stage.node, nil
	}
	return RouteEnd, nil
}

// checkReferenceYield re-runs literature once with an enlarged query budget
// when the first pass found fewer than minReferences. The retry does not
// count against revision_round.
func (r *paperRouter) checkReferenceYield(rt runtime, st *State) (string, bool) {
	if r.literatureRetried {
		return "", false
	}
	n := referenceCount(st.Artifact(ArtifactReferences))
	if n >= r.minReferences {
		return "", false
	}
	r.literatureRetried = true
	rt.logger.Info("reference yield below minimum, retrying literature",
		"found", n, "minimum", r.minReferences)
	st.Messages = append(st.Messages, UserMessage(fmt.Sprintf(
		"Only %d references were found. Broaden the search with an enlarged query budget and find at least %d relevant references.",
		n, r.minReferences)))
	return NodeLiterature, true
}

// referenceCount decodes the references artifact as a JSON array and returns
// its length; a non-array payload counts as zero.
func referenceCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var refs []json.RawMessage
	if err := json.Unmarshal(raw, &refs); err != nil {
		return 0
	}
	return len(refs)
}
