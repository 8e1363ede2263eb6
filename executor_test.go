package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// --- Workflow fixtures ---

func chatPrompts() *PromptSet {
	raw := make(map[string]string, len(chatAgents))
	for _, name := range chatAgents {
		raw["secretary/"+name] = "You are the " + name + " assistant."
	}
	return NewPromptSet(raw)
}

func paperPrompts() *PromptSet {
	raw := map[string]string{}
	for _, name := range []string{NodeLiterature, NodeStats, NodeWriter, NodeCompliance} {
		raw["paper/"+name] = "You are the " + name + " stage. Question: {{.research_question}} (type {{.paper_type}}, revision {{.revision_round}})."
	}
	return NewPromptSet(raw)
}

func utilityTools() map[string]*ToolRegistry {
	reg := NewToolRegistry()
	reg.MustAdd(&echoTool{name: "get_time", schema: tzSchema, result: "09:00 JST"})
	return map[string]*ToolRegistry{NodeUtility: reg}
}

func complianceJSON(needsRevision bool, items ...string) string {
	score := 0.96
	if needsRevision {
		score = 0.64
	}
	return string(mustRaw(ComplianceReport{Score: score, NeedsRevision: needsRevision, FailedItems: items}))
}

// paperScript returns the canned stage outputs for one happy-path pass.
func paperScript(verdicts ...string) []scriptStep {
	steps := []scriptStep{
		{content: referencesJSON(12)},
		{content: `{"summary":"t(48)=2.1, p=0.041","tables":[]}`},
		{content: manuscriptJSON()},
	}
	for i, v := range verdicts {
		steps = append(steps, scriptStep{content: v})
		if i < len(verdicts)-1 {
			// A failing verdict loops back through the writer.
			steps = append(steps, scriptStep{content: manuscriptJSON()})
		}
	}
	return steps
}

func paperInput() TaskInput {
	return TaskInput{
		PaperType:        "rct",
		ResearchQuestion: "Does drug X reduce relapse?",
		StudyDesign:      mustRaw(map[string]string{"arms": "2"}),
		RawData:          mustRaw([]int{1, 2, 3}),
	}
}

// memTaskStore is an in-memory TaskStore.
type memTaskStore struct {
	mu      sync.Mutex
	records map[string]PaperTask
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{records: make(map[string]PaperTask)}
}

func (s *memTaskStore) CreatePaperTask(_ context.Context, t PaperTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[t.ID] = t
	return nil
}

func (s *memTaskStore) GetPaperTask(_ context.Context, id string) (PaperTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok {
		return PaperTask{}, fmt.Errorf("paper task %s not found", id)
	}
	return t, nil
}

func (s *memTaskStore) UpdatePaperTask(_ context.Context, t PaperTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[t.ID]; !ok {
		return fmt.Errorf("paper task %s not found", t.ID)
	}
	s.records[t.ID] = t
	return nil
}

// seqProvider hands each successive LLM call to the next inner provider,
// repeating the last one once the list is exhausted.
type seqProvider struct {
	mu        sync.Mutex
	providers []Provider
	i         int
}

func (p *seqProvider) next() Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.i
	if idx >= len(p.providers) {
		idx = len(p.providers) - 1
	}
	p.i++
	return p.providers[idx]
}

func (p *seqProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next().Chat(ctx, req)
}

func (p *seqProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	return p.next().ChatStream(ctx, req, ch)
}

func (p *seqProvider) Name() string { return "seq" }

func senderSequence(msgs []AgentMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sender + "→" + m.Receiver
	}
	return out
}

// --- Chat scenarios ---

func TestChatTaskRoutesToUtilityWithTool(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		{content: "utility"}, // classifier
		{toolCalls: []ToolCall{{
			ID:   "tc-1",
			Name: "get_time",
			Args: json.RawMessage(`{"timezone":"Asia/Tokyo"}`),
		}}},
		{content: "It is 09:00 in Tokyo."},
	}}
	store := &memStore{}
	eng := NewChatWorkflow(provider, chatPrompts(), utilityTools(), WorkflowConfig{},
		WithMessageStore(store))

	task := NewTask("user-1", WorkflowChat)
	st, err := eng.Run(context.Background(), task, TaskInput{Message: "what time is it in Tokyo?"})
	if err != nil {
		t.Fatal(err)
	}

	last, _ := st.LastMessage()
	if last.Role != RoleAssistant || last.Content != "It is 09:00 in Tokyo." {
		t.Fatalf("final message = %+v", last)
	}

	// One node invocation, two persisted A2A messages: request then response.
	msgs := store.all()
	want := []string{"supervisor→utility", "utility→supervisor"}
	if !reflect.DeepEqual(senderSequence(msgs), want) {
		t.Fatalf("a2a log = %v, want %v", senderSequence(msgs), want)
	}
	req, resp := msgs[0], msgs[1]
	if req.Intent != "run_utility" || resp.Intent != "run_utility" {
		t.Errorf("intents = %q/%q", req.Intent, resp.Intent)
	}
	if req.TaskID != task.ID || req.CorrelationID != task.CorrelationID {
		t.Error("request must carry the task and correlation ids")
	}
	if resp.Status != StatusOK {
		t.Errorf("response status = %q", resp.Status)
	}
	if resp.Metrics.ToolCalls != 1 {
		t.Errorf("response metrics.tool_calls = %d, want 1", resp.Metrics.ToolCalls)
	}
}

func TestChatTaskKeywordRoutesToLearning(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{
		// No classifier step: the keyword heuristic must route directly.
		{toolCalls: []ToolCall{{
			ID:   "tc-1",
			Name: "save_learning",
			Args: json.RawMessage(`{"word":"ephemeral"}`),
		}}},
		{content: "Saved 'ephemeral' to your vocabulary."},
	}}
	tool := &echoTool{name: "save_learning", result: "stored"}
	learningReg := NewToolRegistry()
	learningReg.MustAdd(tool)
	store := &memStore{}
	eng := NewChatWorkflow(provider, chatPrompts(),
		map[string]*ToolRegistry{NodeLearning: learningReg}, WorkflowConfig{},
		WithMessageStore(store))

	task := NewTask("user-1", WorkflowChat)
	_, err := eng.Run(context.Background(), task, TaskInput{Message: "save this word: ephemeral"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tool.calls) != 1 {
		t.Fatalf("save_learning executed %d times, want 1", len(tool.calls))
	}
	if got := store.countExchanges(NodeLearning); got != 1 {
		t.Fatalf("learning responses persisted = %d, want 1", got)
	}
}

// --- Paper scenarios ---

func TestPaperTaskHappyPath(t *testing.T) {
	provider := &scriptProvider{steps: paperScript(complianceJSON(false))}
	store := &memStore{}
	tasks := newMemTaskStore()
	eng := NewPaperWorkflow(provider, paperPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store), WithTaskStore(tasks))

	task := NewTask("user-1", WorkflowPaper)
	st, err := eng.Run(context.Background(), task, paperInput())
	if err != nil {
		t.Fatal(err)
	}

	for _, a := range []string{ArtifactReferences, ArtifactStats, ArtifactManuscript, ArtifactCompliance} {
		if !st.HasArtifact(a) {
			t.Errorf("artifact %q missing from final state", a)
		}
	}
	if st.RevisionRound != 0 {
		t.Errorf("revision_round = %d, want 0", st.RevisionRound)
	}

	want := []string{
		"supervisor→literature", "literature→supervisor",
		"supervisor→stats", "stats→supervisor",
		"supervisor→writer", "writer→supervisor",
		"supervisor→compliance", "compliance→supervisor",
	}
	if got := senderSequence(store.all()); !reflect.DeepEqual(got, want) {
		t.Fatalf("a2a log = %v, want %v", got, want)
	}

	record, err := tasks.GetPaperTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != TaskCompleted {
		t.Errorf("paper task status = %q, want completed", record.Status)
	}
	if record.PaperType != "rct" || record.ResearchQuestion != "Does drug X reduce relapse?" {
		t.Errorf("paper task inputs = %q / %q", record.PaperType, record.ResearchQuestion)
	}
	if len(record.Manuscript) == 0 || len(record.References) == 0 {
		t.Error("paper task record must carry the produced artifacts")
	}
}

func TestPaperTaskRevisionLoop(t *testing.T) {
	provider := &scriptProvider{steps: paperScript(
		complianceJSON(true, "missing CONSORT flow diagram"),
		complianceJSON(false),
	)}
	store := &memStore{}
	eng := NewPaperWorkflow(provider, paperPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store))

	task := NewTask("user-1", WorkflowPaper)
	st, err := eng.Run(context.Background(), task, paperInput())
	if err != nil {
		t.Fatal(err)
	}

	if st.RevisionRound != 1 {
		t.Fatalf("revision_round = %d, want 1", st.RevisionRound)
	}
	if got := store.countExchanges(NodeWriter); got != 2 {
		t.Errorf("writer responses persisted = %d, want 2", got)
	}
	if got := store.countExchanges(NodeCompliance); got != 2 {
		t.Errorf("compliance responses persisted = %d, want 2", got)
	}

	var report ComplianceReport
	if err := json.Unmarshal(st.Artifact(ArtifactCompliance), &report); err != nil {
		t.Fatal(err)
	}
	if report.NeedsRevision {
		t.Error("final verdict must be the passing one")
	}

	// The steering message from the failed verdict must be in the transcript.
	found := false
	for _, m := range st.Messages {
		if m.Role == RoleUser && strings.Contains(m.Content, "CONSORT") {
			found = true
		}
	}
	if !found {
		t.Error("revision steering message missing from conversation")
	}
}

func TestPaperTaskRevisionExhaustion(t *testing.T) {
	// Every verdict fails; with max_revisions=1 the pipeline must stop after
	// one rewrite and complete with the failing verdict preserved.
	provider := &scriptProvider{steps: paperScript(
		complianceJSON(true, "first failure"),
		complianceJSON(true, "still failing"),
	)}
	eng := NewPaperWorkflow(provider, paperPrompts(), nil, WorkflowConfig{})

	task := NewTask("user-1", WorkflowPaper)
	input := paperInput()
	input.MaxRevisions = 1
	st, err := eng.Run(context.Background(), task, input)
	if err != nil {
		t.Fatal(err)
	}

	if st.RevisionRound != 1 {
		t.Fatalf("revision_round = %d, want max_revisions (1)", st.RevisionRound)
	}
	var report ComplianceReport
	if err := json.Unmarshal(st.Artifact(ArtifactCompliance), &report); err != nil {
		t.Fatal(err)
	}
	if !report.NeedsRevision {
		t.Error("exhausted run must keep the failing verdict for inspection")
	}
}

func TestPaperTaskLowReferenceYieldRetry(t *testing.T) {
	provider := &scriptProvider{steps: append([]scriptStep{
		{content: referencesJSON(3)},  // first literature pass, too few
		{content: referencesJSON(14)}, // broadened retry
		{content: `{"summary":"ok"}`},
		{content: manuscriptJSON()},
	}, scriptStep{content: complianceJSON(false)})}
	store := &memStore{}
	eng := NewPaperWorkflow(provider, paperPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store))

	task := NewTask("user-1", WorkflowPaper)
	st, err := eng.Run(context.Background(), task, paperInput())
	if err != nil {
		t.Fatal(err)
	}
	if got := referenceCount(st.Artifact(ArtifactReferences)); got != 14 {
		t.Fatalf("final reference count = %d, want 14", got)
	}
	if got := store.countExchanges(NodeLiterature); got != 2 {
		t.Fatalf("literature responses persisted = %d, want 2", got)
	}
	if st.RevisionRound != 0 {
		t.Error("the literature retry must not count against revision_round")
	}
}

func TestPaperTaskCancellationMidStats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &seqProvider{providers: []Provider{
		&scriptProvider{steps: []scriptStep{{content: referencesJSON(12)}}},
		&cancelProvider{cancel: cancel},
	}}
	store := &memStore{}
	tasks := newMemTaskStore()
	eng := NewPaperWorkflow(provider, paperPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store), WithTaskStore(tasks))

	task := NewTask("user-1", WorkflowPaper)
	st, err := eng.Run(ctx, task, paperInput())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The literature exchange is complete; the stats request went out before
	// the cancel was observed, and nothing follows it.
	want := []string{
		"supervisor→literature", "literature→supervisor",
		"supervisor→stats",
	}
	if got := senderSequence(store.all()); !reflect.DeepEqual(got, want) {
		t.Fatalf("a2a log = %v, want %v", got, want)
	}

	if !st.HasArtifact(ArtifactReferences) {
		t.Error("completed stage output must survive cancellation")
	}
	record, err := tasks.GetPaperTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != TaskCancelled {
		t.Errorf("paper task status = %q, want cancelled", record.Status)
	}
}

func TestPaperTaskResumeWithAllArtifactsIsIdempotent(t *testing.T) {
	provider := &scriptProvider{}
	store := &memStore{}
	eng := NewPaperWorkflow(provider, paperPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store))

	prior := NewState(3)
	prior.Artifacts[ArtifactReferences] = json.RawMessage(referencesJSON(12))
	prior.Artifacts[ArtifactStats] = mustRaw(map[string]string{"summary": "ok"})
	prior.Artifacts[ArtifactManuscript] = json.RawMessage(manuscriptJSON())
	prior.Artifacts[ArtifactCompliance] = json.RawMessage(complianceJSON(false))

	task := NewTask("user-1", WorkflowPaper)
	if _, err := eng.Resume(context.Background(), task, prior); err != nil {
		t.Fatal(err)
	}
	if provider.callCount() != 0 {
		t.Errorf("resume with complete artifacts made %d LLM calls, want 0", provider.callCount())
	}
	if len(store.all()) != 0 {
		t.Errorf("resume with complete artifacts persisted %d messages, want 0", len(store.all()))
	}
}

func TestPaperTaskDeterministicReplay(t *testing.T) {
	run := func() ([]string, map[string]json.RawMessage) {
		provider := &scriptProvider{steps: paperScript(complianceJSON(false))}
		store := &memStore{}
		eng := NewPaperWorkflow(provider, paperPrompts(), nil, WorkflowConfig{},
			WithMessageStore(store))
		st, err := eng.Run(context.Background(), NewTask("user-1", WorkflowPaper), paperInput())
		if err != nil {
			t.Fatal(err)
		}
		return senderSequence(store.all()), st.Artifacts
	}

	seq1, art1 := run()
	seq2, art2 := run()
	if !reflect.DeepEqual(seq1, seq2) {
		t.Fatalf("message sequences differ:\n%v\n%v", seq1, seq2)
	}
	if !reflect.DeepEqual(art1, art2) {
		t.Fatal("final artifacts differ between identical runs")
	}
}

// --- Engine guard rails ---

func TestEngineStepBudget(t *testing.T) {
	provider := &scriptProvider{} // always answers "done"
	node := NewAgentNode(NodeUtility, provider)
	eng := NewEngine(WorkflowChat,
		func() Router { return fixedRouter{target: NodeUtility} },
		[]*AgentNode{node},
		WithStepBudget(3))

	_, err := eng.Run(context.Background(), NewTask("u", WorkflowChat), TaskInput{Message: "hi"})
	if err == nil {
		t.Fatal("a router that never ends must hit the step budget")
	}
	ae := Classify(err)
	if ae.Kind != ErrKindUnknown || !strings.Contains(ae.Message, "step budget") {
		t.Fatalf("err = %+v", ae)
	}
	if provider.callCount() != 3 {
		t.Errorf("llm calls = %d, want exactly the budget (3)", provider.callCount())
	}
}

func TestEngineConsecutiveFailuresTerminate(t *testing.T) {
	// A zero-round node fails every invocation with a retryable partial
	// timeout; three in a row must fail the task.
	node := NewAgentNode(NodeUtility, &scriptProvider{}, WithMaxRounds(0))
	eng := NewEngine(WorkflowChat,
		func() Router { return fixedRouter{target: NodeUtility} },
		[]*AgentNode{node})

	_, err := eng.Run(context.Background(), NewTask("u", WorkflowChat), TaskInput{Message: "hi"})
	if err == nil {
		t.Fatal("repeated node failures must fail the task")
	}
	ae := Classify(err)
	if ae.Kind != ErrKindUnknown || !strings.Contains(ae.Message, "consecutive") {
		t.Fatalf("err = %+v", ae)
	}
}

func TestEngineNonRetryableNodeErrorFailsFast(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{{err: NewLLMError(false, "gone")}}}
	store := &memStore{}
	eng := NewChatWorkflow(provider, chatPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store))

	// Keyword routes to productivity, whose single call fails hard.
	_, err := eng.Run(context.Background(), NewTask("u", WorkflowChat), TaskInput{Message: "remind me later"})
	ae := Classify(err)
	if ae == nil || ae.Kind != ErrKindLLM {
		t.Fatalf("err = %v, want LLM_ERROR", err)
	}
	// Both the request and the failed response are in the log.
	want := []string{"supervisor→productivity", "productivity→supervisor"}
	if got := senderSequence(store.all()); !reflect.DeepEqual(got, want) {
		t.Fatalf("a2a log = %v, want %v", got, want)
	}
	if got := store.all()[1].Status; got != StatusError {
		t.Errorf("persisted response status = %q, want error", got)
	}
}

// --- Persistence resilience ---

func TestEnginePersistenceRetry(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{{content: "Reminder saved."}}}
	store := &memStore{failFirst: 1} // first write fails once, retry lands
	eng := NewChatWorkflow(provider, chatPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store))

	_, err := eng.Run(context.Background(), NewTask("u", WorkflowChat), TaskInput{Message: "remind me to stretch"})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.all()) != 2 {
		t.Fatalf("persisted messages = %d, want 2 after retry", len(store.all()))
	}
}

func TestEnginePersistenceFailureIsSuppressed(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{{content: "Reminder saved."}}}
	store := &memStore{failFirst: 3} // request write exhausts all attempts
	eng := NewChatWorkflow(provider, chatPrompts(), nil, WorkflowConfig{},
		WithMessageStore(store))

	_, err := eng.Run(context.Background(), NewTask("u", WorkflowChat), TaskInput{Message: "remind me to stretch"})
	if err != nil {
		t.Fatalf("persistence failure must never fail the task: %v", err)
	}
	// The request was dropped after three attempts; the response landed.
	msgs := store.all()
	if len(msgs) != 1 || msgs[0].Sender != NodeProductivity {
		t.Fatalf("persisted = %v, want only the productivity response", senderSequence(msgs))
	}
}

// --- Streaming ---

func collectChunks(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestStreamOrdering(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{{content: "Reminder saved."}}}
	eng := NewChatWorkflow(provider, chatPrompts(), nil, WorkflowConfig{})

	task := NewTask("u", WorkflowChat)
	chunks := collectChunks(t, eng.Stream(context.Background(), task, TaskInput{Message: "remind me to stretch"}))

	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want at least start/data/done", len(chunks))
	}
	if chunks[0].Type != ChunkStart {
		t.Fatalf("first chunk = %q, want start", chunks[0].Type)
	}
	last := chunks[len(chunks)-1]
	if last.Type != ChunkDone || last.Status != string(TaskCompleted) {
		t.Fatalf("last chunk = %+v, want done/completed", last)
	}
	for _, c := range chunks[1 : len(chunks)-1] {
		if c.Type == ChunkStart || c.Type == ChunkDone {
			t.Fatalf("interior chunk of type %q", c.Type)
		}
	}

	var data []Chunk
	for _, c := range chunks {
		if c.Type == ChunkData {
			data = append(data, c)
		}
	}
	if len(data) != 1 || data[0].Node != NodeProductivity || data[0].Status != string(StatusOK) {
		t.Fatalf("data chunks = %+v", data)
	}
}

func TestStreamForwardsTokens(t *testing.T) {
	eng := NewChatWorkflow(&tokenProvider{content: "Hi!"}, chatPrompts(), nil, WorkflowConfig{})

	task := NewTask("u", WorkflowChat)
	chunks := collectChunks(t, eng.Stream(context.Background(), task, TaskInput{Message: "remind me to stretch"}))

	var text strings.Builder
	for _, c := range chunks {
		if c.Type == ChunkToken {
			text.WriteString(c.Text)
		}
	}
	if text.String() != "Hi!" {
		t.Fatalf("streamed text = %q, want \"Hi!\"", text.String())
	}
}

func TestStreamEmitsErrorChunkOnFailure(t *testing.T) {
	provider := &scriptProvider{steps: []scriptStep{{err: NewLLMError(false, "gone")}}}
	eng := NewChatWorkflow(provider, chatPrompts(), nil, WorkflowConfig{})

	task := NewTask("u", WorkflowChat)
	chunks := collectChunks(t, eng.Stream(context.Background(), task, TaskInput{Message: "remind me to stretch"}))

	last := chunks[len(chunks)-1]
	if last.Type != ChunkDone || last.Status != string(TaskFailed) {
		t.Fatalf("last chunk = %+v, want done/failed", last)
	}
	errChunk := chunks[len(chunks)-2]
	if errChunk.Type != ChunkError || errChunk.ErrorKind != string(ErrKindLLM) {
		t.Fatalf("penultimate chunk = %+v, want an LLM_ERROR error chunk", errChunk)
	}
}
