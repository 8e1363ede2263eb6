package ensemble

import "encoding/json"

// ProtocolVersion tags every inter-agent message with the contract revision
// it was written under. Persisted alongside the message.
const ProtocolVersion = "a2a.v1"

// SenderSupervisor is the distinguished sender/receiver used for messages
// originating from (or addressed to) the router rather than an agent node.
const SenderSupervisor = "supervisor"

// MessageStatus is the outcome of one inter-agent exchange.
type MessageStatus string

const (
	StatusOK              MessageStatus = "ok"
	StatusPartial         MessageStatus = "partial"
	StatusError           MessageStatus = "error"
	StatusTimeout         MessageStatus = "timeout"
	StatusValidationError MessageStatus = "validation_error"
	StatusToolError       MessageStatus = "tool_error"
)

// CallMetrics records cost and latency facts about one exchange.
// Token counts are zero when the provider does not report them.
type CallMetrics struct {
	LatencyMS    int64 `json:"latency_ms"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	ToolCalls    int   `json:"tool_calls"`
}

// AgentMessage is the immutable A2A record describing one inter-agent
// exchange. The engine creates one request per node invocation and the node
// answers with exactly one response; both are persisted in execution order.
type AgentMessage struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	CorrelationID string          `json:"correlation_id"`
	Protocol      string          `json:"protocol"`
	Timestamp     int64           `json:"timestamp"`
	Sender        string          `json:"sender"`
	Receiver      string          `json:"receiver"`
	Intent        string          `json:"intent"`
	Status        MessageStatus   `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *AgentError     `json:"error,omitempty"`
	Metrics       CallMetrics     `json:"metrics"`
}

// NewRequest builds the A2A request addressed to a node. Status is left
// empty — requests have no outcome.
func NewRequest(sender, receiver, intent string, input json.RawMessage, taskID, correlationID string) AgentMessage {
	return AgentMessage{
		ID:            NewID(),
		TaskID:        taskID,
		CorrelationID: correlationID,
		Protocol:      ProtocolVersion,
		Timestamp:     NowUnixMilli(),
		Sender:        sender,
		Receiver:      receiver,
		Intent:        intent,
		Input:         input,
	}
}

// NewResponse builds the node's answer to req, swapping sender and receiver
// and inheriting task, correlation and intent.
func NewResponse(req AgentMessage, status MessageStatus, output json.RawMessage, aerr *AgentError, metrics CallMetrics) AgentMessage {
	return AgentMessage{
		ID:            NewID(),
		TaskID:        req.TaskID,
		CorrelationID: req.CorrelationID,
		Protocol:      ProtocolVersion,
		Timestamp:     NowUnixMilli(),
		Sender:        req.Receiver,
		Receiver:      req.Sender,
		Intent:        req.Intent,
		Status:        status,
		Input:         req.Input,
		Output:        output,
		Error:         aerr,
		Metrics:       metrics,
	}
}
