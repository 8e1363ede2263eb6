package ensemble

import (
	"encoding/json"
	"testing"
)

func TestNewRequestResponsePairing(t *testing.T) {
	input := json.RawMessage(`{"message":"hello"}`)
	req := NewRequest(SenderSupervisor, "utility", "run_utility", input, "task-1", "corr-1")

	if req.ID == "" {
		t.Fatal("request id not assigned")
	}
	if req.Protocol != ProtocolVersion {
		t.Errorf("protocol = %q, want %q", req.Protocol, ProtocolVersion)
	}
	if req.Sender != SenderSupervisor || req.Receiver != "utility" {
		t.Errorf("addressing = %s→%s, want supervisor→utility", req.Sender, req.Receiver)
	}

	out := json.RawMessage(`{"content":"hi"}`)
	resp := NewResponse(req, StatusOK, out, nil, CallMetrics{LatencyMS: 12, ToolCalls: 1})

	if resp.ID == req.ID {
		t.Error("response must get its own id")
	}
	if resp.TaskID != req.TaskID || resp.CorrelationID != req.CorrelationID {
		t.Error("response must inherit task and correlation ids")
	}
	if resp.Sender != "utility" || resp.Receiver != SenderSupervisor {
		t.Errorf("response addressing = %s→%s, want utility→supervisor", resp.Sender, resp.Receiver)
	}
	if resp.Intent != req.Intent {
		t.Errorf("intent = %q, want %q", resp.Intent, req.Intent)
	}
	if resp.Metrics.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", resp.Metrics.ToolCalls)
	}
}

func TestNewResponseCarriesTypedError(t *testing.T) {
	req := NewRequest(SenderSupervisor, "stats", "analyze_statistics", nil, "t", "c")
	ae := NewLLMError(false, "model unavailable")
	resp := NewResponse(req, StatusError, nil, ae, CallMetrics{})

	if resp.Status != StatusError {
		t.Fatalf("status = %q, want error", resp.Status)
	}
	if resp.Error == nil || resp.Error.Kind != ErrKindLLM || resp.Error.Retryable {
		t.Fatalf("error = %+v, want non-retryable LLM_ERROR", resp.Error)
	}
}
