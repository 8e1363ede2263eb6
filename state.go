package ensemble

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Routing sentinels.
const (
	// StepStart is the current_step value before any node has run.
	StepStart = "start"
	// RouteEnd is the terminal routing target.
	RouteEnd = "END"
)

// State is the mutable record for one task. The engine exclusively owns
// mutations: nodes receive a read-only view and return a Delta the engine
// merges. Messages grow monotonically — entries are never edited or removed.
type State struct {
	Messages      []ChatMessage              `json:"messages"`
	Artifacts     map[string]json.RawMessage `json:"artifacts"`
	CurrentStep   string                     `json:"current_step"`
	NextAgent     string                     `json:"next_agent"`
	RevisionRound int                        `json:"revision_round"`
	MaxRevisions  int                        `json:"max_revisions"`
	Errors        []*AgentError              `json:"errors,omitempty"`

	// LastStatus is the status of the most recent node response; the paper
	// router consults it to distinguish "stage failed" from "stage completed
	// without producing its artifact" (an invariant violation).
	LastStatus MessageStatus `json:"last_status,omitempty"`
}

// NewState initialises state for a fresh task.
func NewState(maxRevisions int) *State {
	return &State{
		Artifacts:    make(map[string]json.RawMessage),
		CurrentStep:  StepStart,
		MaxRevisions: maxRevisions,
	}
}

// Delta is the node's proposed state change. Messages and Errors append;
// Artifacts overwrite present keys and preserve the rest; NextAgent is a
// routing suggestion the router may honour.
type Delta struct {
	Messages  []ChatMessage
	Artifacts map[string]json.RawMessage
	NextAgent string
	Errors    []*AgentError
}

// Merge applies a node's delta. step is the node that just ran.
func (s *State) Merge(step string, d Delta, status MessageStatus) {
	s.Messages = append(s.Messages, d.Messages...)
	if d.Artifacts != nil {
		maps.Copy(s.Artifacts, d.Artifacts)
	}
	s.CurrentStep = step
	s.NextAgent = d.NextAgent
	s.Errors = append(s.Errors, d.Errors...)
	s.LastStatus = status
}

// LastMessage returns the final conversation entry, or a zero message when
// the conversation is empty.
func (s *State) LastMessage() (ChatMessage, bool) {
	if len(s.Messages) == 0 {
		return ChatMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastUserMessage returns the most recent user entry.
func (s *State) LastUserMessage() (ChatMessage, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

// Artifact returns the named artifact, or nil when absent.
func (s *State) Artifact(key string) json.RawMessage {
	return s.Artifacts[key]
}

// HasArtifact reports whether the named artifact is present and non-empty.
// A JSON null, empty object, empty array, or empty string does not count.
func (s *State) HasArtifact(key string) bool {
	raw, ok := s.Artifacts[key]
	if !ok || len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// Validate checks the structural invariants that must hold at every
// observation point. A violation is a programming error; the engine fails
// the task with UNKNOWN.
func (s *State) Validate(registered func(name string) bool) error {
	pending := make(map[string]bool)
	for _, m := range s.Messages {
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
		case RoleTool:
			if m.ToolCallID == "" || !pending[m.ToolCallID] {
				return fmt.Errorf("orphan tool message: tool_call_id %q has no prior assistant tool call", m.ToolCallID)
			}
		}
	}
	if s.RevisionRound > s.MaxRevisions {
		return fmt.Errorf("revision_round %d exceeds max_revisions %d", s.RevisionRound, s.MaxRevisions)
	}
	if s.NextAgent != "" && s.NextAgent != RouteEnd && registered != nil && !registered(s.NextAgent) {
		return fmt.Errorf("next_agent %q is not a registered node", s.NextAgent)
	}
	return nil
}

// view returns the read-only snapshot handed to nodes. Slices and the
// artifact map are copied shallowly; payload bytes are never mutated by
// convention (json.RawMessage is treated as immutable).
func (s *State) view() *State {
	cp := *s
	cp.Messages = append([]ChatMessage(nil), s.Messages...)
	cp.Artifacts = maps.Clone(s.Artifacts)
	cp.Errors = append([]*AgentError(nil), s.Errors...)
	return &cp
}
