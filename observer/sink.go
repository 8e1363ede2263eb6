package observer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	ensemble "github.com/nevindra/ensemble"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

var _ ensemble.Metrics = (*Instruments)(nil)

// guard swallows any failure from an instrument write and bumps the drop
// counter. Observability must never fail the task it observes.
func (in *Instruments) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			in.TraceDrops.Add(context.Background(), 1)
		}
	}()
	fn()
}

func (in *Instruments) TaskStarted(kind ensemble.WorkflowKind) {
	in.guard(func() {
		ctx := context.Background()
		in.TasksStarted.Add(ctx, 1, metric.WithAttributes(AttrWorkflow.String(string(kind))))
		in.ActiveTasks.Add(ctx, 1)
	})
}

func (in *Instruments) TaskFinished(kind ensemble.WorkflowKind, status ensemble.TaskStatus, dur time.Duration) {
	in.guard(func() {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			AttrWorkflow.String(string(kind)),
			AttrTaskStatus.String(string(status)))
		in.TasksFinished.Add(ctx, 1, attrs)
		in.TaskDuration.Record(ctx, dur.Seconds(), attrs)
		in.ActiveTasks.Add(ctx, -1)
	})
}

func (in *Instruments) StepCompleted(node string, status ensemble.MessageStatus, dur time.Duration) {
	in.guard(func() {
		in.StepDuration.Record(context.Background(), dur.Seconds(), metric.WithAttributes(
			AttrNode.String(node),
			AttrStepStatus.String(string(status))))
	})
}

func (in *Instruments) AgentCall(agent string, status ensemble.MessageStatus) {
	in.guard(func() {
		in.AgentCalls.Add(context.Background(), 1, metric.WithAttributes(
			AttrAgentName.String(agent),
			AttrStepStatus.String(string(status))))
	})
}

func (in *Instruments) ToolCall(agent, tool, status string, dur time.Duration) {
	in.guard(func() {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			AttrAgentName.String(agent),
			AttrToolName.String(tool),
			AttrToolStatus.String(status))
		in.ToolCalls.Add(ctx, 1, attrs)
		in.ToolDuration.Record(ctx, dur.Seconds(), attrs)
	})
}

func (in *Instruments) ClassifierFallback(raw string) {
	in.guard(func() {
		in.ClassifierFallbacks.Add(context.Background(), 1)
	})
}

func (in *Instruments) RevisionRound(round int) {
	in.guard(func() {
		in.RevisionRounds.Record(context.Background(), int64(round))
	})
}

func (in *Instruments) ReferencesCount(n int) {
	in.guard(func() {
		in.ReferenceCounts.Record(context.Background(), int64(n))
	})
}

func (in *Instruments) ComplianceScore(score float64) {
	in.guard(func() {
		in.ComplianceScores.Record(context.Background(), score)
	})
}

func (in *Instruments) ManuscriptWords(n int) {
	in.guard(func() {
		in.ManuscriptSize.Record(context.Background(), int64(n))
	})
}

func (in *Instruments) StreamOpened() {
	in.guard(func() {
		in.ActiveStreams.Add(context.Background(), 1)
	})
}

func (in *Instruments) StreamClosed() {
	in.guard(func() {
		in.ActiveStreams.Add(context.Background(), -1)
	})
}

// TraceLLMCall emits a structured log record for one LLM round. Detailed
// mode logs full prompt and response text; otherwise only lengths and
// truncated SHA-256 digests.
func (in *Instruments) TraceLLMCall(ctx context.Context, node, model, prompt, response string, latency time.Duration) {
	in.guard(func() {
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityDebug)
		rec.SetBody(otellog.StringValue("llm call"))
		rec.AddAttributes(
			otellog.String("node", node),
			otellog.String("model", model),
			otellog.Int64("latency_ms", latency.Milliseconds()),
		)
		rec.AddAttributes(in.payloadAttrs("prompt", prompt)...)
		rec.AddAttributes(in.payloadAttrs("response", response)...)
		in.logger.Emit(ctx, rec)
	})
}

// TraceToolCall emits a structured log record for one tool invocation.
func (in *Instruments) TraceToolCall(ctx context.Context, agent, tool, args, result string, toolErr error, latency time.Duration) {
	in.guard(func() {
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityDebug)
		rec.SetBody(otellog.StringValue("tool call"))
		rec.AddAttributes(
			otellog.String("agent", agent),
			otellog.String("tool", tool),
			otellog.Int64("latency_ms", latency.Milliseconds()),
		)
		if toolErr != nil {
			rec.SetSeverity(otellog.SeverityWarn)
			rec.AddAttributes(otellog.String("error", toolErr.Error()))
		}
		rec.AddAttributes(in.payloadAttrs("args", args)...)
		rec.AddAttributes(in.payloadAttrs("result", result)...)
		in.logger.Emit(ctx, rec)
	})
}

func (in *Instruments) payloadAttrs(key, payload string) []otellog.KeyValue {
	if in.Detailed {
		return []otellog.KeyValue{otellog.String(key, payload)}
	}
	sum := sha256.Sum256([]byte(payload))
	return []otellog.KeyValue{
		otellog.Int(key+"_len", len(payload)),
		otellog.String(key+"_sha256", hex.EncodeToString(sum[:8])),
	}
}

// Attribute keys for engine observability metrics and spans.
var (
	AttrWorkflow   = attribute.Key("workflow.kind")
	AttrTaskStatus = attribute.Key("task.status")
	AttrNode       = attribute.Key("node.name")
	AttrStepStatus = attribute.Key("step.status")
	AttrAgentName  = attribute.Key("agent.name")
	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")
)
