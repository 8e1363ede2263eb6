package ensemble

import "encoding/json"

// WorkflowKind selects the router rule set and node registry for a task.
type WorkflowKind string

const (
	// WorkflowChat is the secretary assistant: a supervisor routing a user
	// message to one of the domain sub-agents.
	WorkflowChat WorkflowKind = "chat"
	// WorkflowPaper is the staged paper pipeline:
	// literature → stats → writer → compliance with bounded revision.
	WorkflowPaper WorkflowKind = "paper"
)

// TaskStatus is the terminal (or in-flight) status of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task identifies one orchestration run. CorrelationID is allocated by the
// engine on submission and propagated into every A2A message, metric, and
// stream chunk the run produces.
type Task struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Kind          WorkflowKind `json:"kind"`
	Status        TaskStatus   `json:"status"`
	CorrelationID string       `json:"correlation_id"`
	CreatedAt     int64        `json:"created_at"`
}

// NewTask creates a Task with a fresh id and correlation id.
func NewTask(userID string, kind WorkflowKind) Task {
	return Task{
		ID:            NewID(),
		UserID:        userID,
		Kind:          kind,
		Status:        TaskPending,
		CorrelationID: NewID(),
		CreatedAt:     NowUnix(),
	}
}

// TaskInput is the submission payload. Message seeds the conversation for
// chat tasks; the paper fields seed the pipeline. Opaque payloads are passed
// through to state artifacts untouched.
type TaskInput struct {
	Message string `json:"message,omitempty"`

	PaperType        string          `json:"paper_type,omitempty"` // rct, cohort, meta_analysis
	ResearchQuestion string          `json:"research_question,omitempty"`
	StudyDesign      json.RawMessage `json:"study_design,omitempty"`
	RawData          json.RawMessage `json:"raw_data,omitempty"`

	// MaxRevisions overrides the engine default when > 0.
	MaxRevisions int `json:"max_revisions,omitempty"`
}

// PaperTask is the durable record for a paper-pipeline task, serialised
// artifact columns included. Persisted by a TaskStore; the engine updates it
// at terminal status and the admin surface reads it for inspection.
type PaperTask struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	PaperType        string          `json:"paper_type"`
	Status           TaskStatus      `json:"status"`
	ResearchQuestion string          `json:"research_question"`
	StudyDesign      json.RawMessage `json:"study_design,omitempty"`
	RawData          json.RawMessage `json:"raw_data,omitempty"`
	Manuscript       json.RawMessage `json:"manuscript,omitempty"`
	References       json.RawMessage `json:"references,omitempty"`
	StatsReport      json.RawMessage `json:"stats_report,omitempty"`
	ComplianceReport json.RawMessage `json:"compliance_report,omitempty"`
	CurrentStep      string          `json:"current_step"`
	RevisionRound    int             `json:"revision_round"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
}
