package ensemble

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Engine defaults.
const (
	defaultStepBudget   = 40
	defaultMaxRevisions = 3
	defaultMaxConsecutiveFailures = 3
	persistRetries      = 2
)

// Engine drives one workflow's routing graph: router → node → router until a
// terminal state. A single Engine is shared across tasks; each Run owns its
// task's state exclusively and is sequentially scheduled, so many runs may
// proceed concurrently on one Engine.
type Engine struct {
	kind          WorkflowKind
	nodes         map[string]*AgentNode
	routerFactory RouterFactory

	store   MessageStore
	tasks   TaskStore
	metrics Metrics
	tracer  Tracer
	logger  *slog.Logger

	stepBudget      int
	maxRevisions    int
	maxConsecFails  int
	streamQueueSize int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMessageStore sets the A2A persistence collaborator.
func WithMessageStore(s MessageStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithTaskStore sets the paper task record store.
func WithTaskStore(s TaskStore) EngineOption {
	return func(e *Engine) { e.tasks = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the span tracer.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithStepBudget sets the per-task node invocation budget (default 40).
func WithStepBudget(n int) EngineOption {
	return func(e *Engine) { e.stepBudget = n }
}

// WithMaxRevisions sets the default revision cap for paper tasks (default 3).
func WithMaxRevisions(n int) EngineOption {
	return func(e *Engine) { e.maxRevisions = n }
}

// WithMaxConsecutiveFailures sets how many failing nodes in a row terminate
// the task (default 3).
func WithMaxConsecutiveFailures(n int) EngineOption {
	return func(e *Engine) { e.maxConsecFails = n }
}

// NewEngine creates an engine for kind with the given router factory and
// node set.
func NewEngine(kind WorkflowKind, rf RouterFactory, nodes []*AgentNode, opts ...EngineOption) *Engine {
	e := &Engine{
		kind:            kind,
		nodes:           make(map[string]*AgentNode, len(nodes)),
		routerFactory:   rf,
		metrics:         nopMetrics{},
		logger:          nopLogger,
		stepBudget:      defaultStepBudget,
		maxRevisions:    defaultMaxRevisions,
		maxConsecFails:  defaultMaxConsecutiveFailures,
		streamQueueSize: streamQueueSize,
	}
	for _, n := range nodes {
		e.nodes[n.Name()] = n
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the task to a terminal state and returns the final state.
// The returned error is nil on completed, ctx.Err() on cancelled, and the
// terminal *AgentError on failed.
func (e *Engine) Run(ctx context.Context, task Task, input TaskInput) (*State, error) {
	return e.resume(ctx, task, e.initState(input), nil)
}

// Resume continues a task from prior state. A state whose artifacts are all
// present routes straight to END without invoking any node.
func (e *Engine) Resume(ctx context.Context, task Task, prior *State) (*State, error) {
	return e.resume(ctx, task, prior, nil)
}

// Stream executes the task like Run, emitting an ordered chunk sequence:
// exactly one start chunk first and one done chunk last, with token, data,
// and error chunks in execution order between them. The queue between
// producer and consumer is small and bounded; a consumer that stops draining
// blocks the task at its next emission point.
func (e *Engine) Stream(ctx context.Context, task Task, input TaskInput) <-chan Chunk {
	out := make(chan Chunk, e.streamQueueSize)
	go func() {
		defer close(out)
		e.metrics.StreamOpened()
		defer e.metrics.StreamClosed()

		emit := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		out <- Chunk{Type: ChunkStart, TaskID: task.ID, CorrelationID: task.CorrelationID}
		_, err := e.resume(ctx, task, e.initState(input), emit)
		status := TaskCompleted
		switch {
		case ctx.Err() != nil:
			status = TaskCancelled
		case err != nil:
			status = TaskFailed
			ae := Classify(err)
			out <- Chunk{
				Type:          ChunkError,
				TaskID:        task.ID,
				CorrelationID: task.CorrelationID,
				ErrorKind:     string(ae.Kind),
				Message:       ae.Message,
			}
		}
		out <- Chunk{Type: ChunkDone, TaskID: task.ID, CorrelationID: task.CorrelationID, Status: string(status)}
	}()
	return out
}

// initState seeds state from the submission payload.
func (e *Engine) initState(input TaskInput) *State {
	maxRev := input.MaxRevisions
	if maxRev <= 0 {
		maxRev = e.maxRevisions
	}
	st := NewState(maxRev)
	if input.Message != "" {
		st.Messages = append(st.Messages, UserMessage(input.Message))
	}
	if e.kind == WorkflowPaper {
		if input.ResearchQuestion != "" {
			st.Messages = append(st.Messages, UserMessage("Research question: "+input.ResearchQuestion))
			st.Artifacts["research_question"] = mustJSON(input.ResearchQuestion)
		}
		if input.PaperType != "" {
			st.Artifacts["paper_type"] = mustJSON(input.PaperType)
		}
		if len(input.StudyDesign) > 0 {
			st.Artifacts["study_design"] = input.StudyDesign
		}
		if len(input.RawData) > 0 {
			st.Artifacts["raw_data"] = input.RawData
		}
	}
	return st
}

// resume is the shared driver loop behind Run, Resume, and Stream.
func (e *Engine) resume(ctx context.Context, task Task, st *State, emit func(Chunk) bool) (*State, error) {
	start := time.Now()
	e.metrics.TaskStarted(e.kind)

	rt := runtime{logger: e.logger, metrics: e.metrics, tracer: e.tracer, emit: emit}
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "task.run",
			StringAttr("task_id", task.ID),
			StringAttr("workflow", string(e.kind)))
		defer span.End()
	}

	status, failure := e.loop(ctx, rt, task, st)

	e.metrics.TaskFinished(e.kind, status, time.Since(start))
	if e.kind == WorkflowPaper {
		e.savePaperTask(task, st, status)
	}
	e.logger.Info("task finished",
		"task_id", task.ID,
		"workflow", string(e.kind),
		"status", string(status),
		"duration", time.Since(start))

	switch status {
	case TaskCancelled:
		if span != nil {
			span.SetAttr(StringAttr("status", "cancelled"))
		}
		return st, context.Cause(ctx)
	case TaskFailed:
		if span != nil {
			span.Error(failure)
		}
		return st, failure
	default:
		return st, nil
	}
}

func (e *Engine) loop(ctx context.Context, rt runtime, task Task, st *State) (TaskStatus, *AgentError) {
	router := e.routerFactory()
	steps := 0
	consecFails := 0

	for {
		// Cancellation is observed at the top of every step — the safe point
		// after the previous node has returned.
		if ctx.Err() != nil {
			return TaskCancelled, nil
		}

		next := st.NextAgent
		st.NextAgent = ""
		if next == "" {
			n, err := router.Next(ctx, rt, st)
			if err != nil {
				return TaskFailed, Classify(err)
			}
			next = n
		}
		if next == RouteEnd {
			return TaskCompleted, nil
		}
		if steps >= e.stepBudget {
			return TaskFailed, NewUnknownError("step budget (%d) exhausted", e.stepBudget)
		}
		node, ok := e.nodes[next]
		if !ok {
			return TaskFailed, NewUnknownError("next_agent %q is not a registered node", next)
		}

		req := NewRequest(SenderSupervisor, next, node.Intent(), e.requestInput(st), task.ID, task.CorrelationID)
		e.persist(ctx, req)

		stepStart := time.Now()
		delta, resp := node.Run(ctx, rt, req, st.view())
		steps++

		if ctx.Err() != nil {
			// Cancel arrived while the node was in flight: keep the partial
			// delta for forensics but write nothing more.
			st.Merge(next, delta, resp.Status)
			return TaskCancelled, nil
		}

		e.persist(ctx, resp)
		st.Merge(next, delta, resp.Status)
		if err := st.Validate(e.isRegistered); err != nil {
			return TaskFailed, NewUnknownError("state invariant violated after %s: %v", next, err)
		}

		elapsed := time.Since(stepStart)
		e.metrics.StepCompleted(next, resp.Status, elapsed)
		e.metrics.AgentCall(next, resp.Status)
		e.recordArtifacts(delta)

		if rt.emit != nil {
			ok := rt.emit(Chunk{
				Type:          ChunkData,
				TaskID:        task.ID,
				CorrelationID: task.CorrelationID,
				Node:          next,
				Status:        string(resp.Status),
				Artifacts:     artifactSummary(delta),
			})
			if !ok {
				return TaskCancelled, nil
			}
		}

		if resp.Status == StatusOK {
			consecFails = 0
		} else {
			if resp.Error != nil && !resp.Error.Retryable {
				return TaskFailed, resp.Error
			}
			// The node already retried what was retryable; the executor only
			// bounds how long a run may keep limping.
			consecFails++
			if consecFails >= e.maxConsecFails {
				return TaskFailed, NewUnknownError("%d consecutive failing nodes, last: %s", consecFails, next)
			}
		}

		if e.kind == WorkflowPaper {
			if applyRevision(st) {
				e.metrics.RevisionRound(st.RevisionRound)
				e.logger.Info("revision loopback",
					"task_id", task.ID,
					"revision_round", st.RevisionRound)
			}
		}
	}
}

func (e *Engine) isRegistered(name string) bool {
	_, ok := e.nodes[name]
	return ok
}

// requestInput summarises what the node is being asked to process.
func (e *Engine) requestInput(st *State) json.RawMessage {
	var message string
	if user, ok := st.LastUserMessage(); ok {
		message = user.Content
	}
	out, err := json.Marshal(struct {
		CurrentStep string `json:"current_step"`
		Message     string `json:"message,omitempty"`
	}{CurrentStep: st.CurrentStep, Message: message})
	if err != nil {
		return nil
	}
	return out
}

// persist writes one A2A message, retrying twice and then suppressing the
// failure. Persistence is observability, not control flow.
func (e *Engine) persist(ctx context.Context, msg AgentMessage) {
	if e.store == nil {
		return
	}
	var err error
	for attempt := 0; attempt <= persistRetries; attempt++ {
		if err = e.store.WriteMessage(ctx, msg); err == nil {
			return
		}
	}
	e.logger.Error("a2a persistence failed, suppressing",
		"message_id", msg.ID,
		"task_id", msg.TaskID,
		"error", err)
}

// recordArtifacts feeds pipeline histograms from a node's delta.
func (e *Engine) recordArtifacts(d Delta) {
	if raw, ok := d.Artifacts[ArtifactReferences]; ok {
		e.metrics.ReferencesCount(referenceCount(raw))
	}
	if raw, ok := d.Artifacts[ArtifactManuscript]; ok {
		e.metrics.ManuscriptWords(manuscriptWordCount(raw))
	}
	if raw, ok := d.Artifacts[ArtifactCompliance]; ok {
		var report ComplianceReport
		if err := json.Unmarshal(raw, &report); err == nil {
			e.metrics.ComplianceScore(report.Score)
		}
	}
}

// savePaperTask upserts the durable paper record at terminal status.
func (e *Engine) savePaperTask(task Task, st *State, status TaskStatus) {
	if e.tasks == nil {
		return
	}
	record := PaperTask{
		ID:               task.ID,
		UserID:           task.UserID,
		PaperType:        jsonString(st.Artifact("paper_type")),
		Status:           status,
		ResearchQuestion: jsonString(st.Artifact("research_question")),
		StudyDesign:      st.Artifact("study_design"),
		RawData:          st.Artifact("raw_data"),
		Manuscript:       st.Artifact(ArtifactManuscript),
		References:       st.Artifact(ArtifactReferences),
		StatsReport:      st.Artifact(ArtifactStats),
		ComplianceReport: st.Artifact(ArtifactCompliance),
		CurrentStep:      st.CurrentStep,
		RevisionRound:    st.RevisionRound,
		CreatedAt:        task.CreatedAt,
		UpdatedAt:        NowUnix(),
	}
	// Detached context: the task context may already be cancelled and the
	// terminal record must still be written.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tasks.UpdatePaperTask(ctx, record); err != nil {
		if err := e.tasks.CreatePaperTask(ctx, record); err != nil {
			e.logger.Error("paper task save failed", "task_id", task.ID, "error", err)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return out
}

func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}
