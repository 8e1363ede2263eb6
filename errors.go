package ensemble

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. The set is closed; anything that does not
// fit an explicit kind is UNKNOWN and never retryable.
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "VALIDATION_ERROR"
	ErrKindTool       ErrorKind = "TOOL_ERROR"
	ErrKindLLM        ErrorKind = "LLM_ERROR"
	ErrKindTimeout    ErrorKind = "TIMEOUT"
	ErrKindUnknown    ErrorKind = "UNKNOWN"
)

// AgentError is the typed error carried on A2A messages and task state.
// Providers classify their transport failures into LLM_ERROR or TIMEOUT and
// set Retryable from the vendor signal; everything else is constructed by the
// engine itself.
type AgentError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewValidationError reports malformed input or tool arguments. Never retryable.
func NewValidationError(format string, args ...any) *AgentError {
	return &AgentError{Kind: ErrKindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewToolError reports a tool callable failure. Not retryable at the LLM
// layer; the ReAct loop may still recover by feeding it back to the model.
func NewToolError(format string, args ...any) *AgentError {
	return &AgentError{Kind: ErrKindTool, Message: fmt.Sprintf(format, args...)}
}

// NewLLMError reports an LLM transport or format failure.
func NewLLMError(retryable bool, format string, args ...any) *AgentError {
	return &AgentError{Kind: ErrKindLLM, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// NewTimeoutError reports an elapsed time budget.
func NewTimeoutError(format string, args ...any) *AgentError {
	return &AgentError{Kind: ErrKindTimeout, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewUnknownError reports an invariant violation or unclassified failure.
func NewUnknownError(format string, args ...any) *AgentError {
	return &AgentError{Kind: ErrKindUnknown, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary error onto the taxonomy. Typed errors pass
// through, deadline expiry becomes TIMEOUT, and everything else is UNKNOWN.
// Context cancellation is deliberately left alone — callers check ctx.Err()
// and treat it as task cancellation, not as a step failure.
func Classify(err error) *AgentError {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("%v", err)
	}
	return NewUnknownError("%v", err)
}
