package ensemble

import (
	"context"
	"time"
)

// Metrics is the sink for engine counters, histograms, and call traces.
// The observer package provides an OTEL-backed implementation; the zero
// configuration uses nopMetrics. Implementations must be multi-writer safe
// and must never propagate recording failures — swallow them and bump an
// internal drop counter instead.
type Metrics interface {
	// Task lifecycle.
	TaskStarted(kind WorkflowKind)
	TaskFinished(kind WorkflowKind, status TaskStatus, dur time.Duration)

	// Per-step recorders.
	StepCompleted(node string, status MessageStatus, dur time.Duration)
	AgentCall(agent string, status MessageStatus)
	ToolCall(agent, tool, status string, dur time.Duration)

	// Router observability. ClassifierFallback fires when the LLM
	// classification could not be parsed and the default label was used.
	ClassifierFallback(raw string)

	// Paper pipeline gauges/histograms.
	RevisionRound(round int)
	ReferencesCount(n int)
	ComplianceScore(score float64)
	ManuscriptWords(n int)

	// Stream lifecycle (active-streams gauge).
	StreamOpened()
	StreamClosed()

	// Call traces. In detailed mode implementations record full payloads,
	// otherwise lengths and hashes only.
	TraceLLMCall(ctx context.Context, node, model, prompt, response string, latency time.Duration)
	TraceToolCall(ctx context.Context, agent, tool, args, result string, toolErr error, latency time.Duration)
}

// nopMetrics discards everything. Default when no sink is configured.
type nopMetrics struct{}

func (nopMetrics) TaskStarted(WorkflowKind)                           {}
func (nopMetrics) TaskFinished(WorkflowKind, TaskStatus, time.Duration) {}
func (nopMetrics) StepCompleted(string, MessageStatus, time.Duration) {}
func (nopMetrics) AgentCall(string, MessageStatus)                    {}
func (nopMetrics) ToolCall(string, string, string, time.Duration)     {}
func (nopMetrics) ClassifierFallback(string)                          {}
func (nopMetrics) RevisionRound(int)                                  {}
func (nopMetrics) ReferencesCount(int)                                {}
func (nopMetrics) ComplianceScore(float64)                            {}
func (nopMetrics) ManuscriptWords(int)                                {}
func (nopMetrics) StreamOpened()                                      {}
func (nopMetrics) StreamClosed()                                      {}
func (nopMetrics) TraceLLMCall(context.Context, string, string, string, string, time.Duration) {
}
func (nopMetrics) TraceToolCall(context.Context, string, string, string, string, error, time.Duration) {
}
