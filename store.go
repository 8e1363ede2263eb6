package ensemble

import "context"

// MessageStore persists A2A messages. Writes are transactional and durable
// on nil return. The engine retries a failed write twice and then suppresses
// the error — persistence failure is never fatal to the task.
type MessageStore interface {
	// WriteMessage durably stores one A2A message.
	WriteMessage(ctx context.Context, msg AgentMessage) error
	// ListMessages returns all messages for a task ordered by timestamp.
	// Admin/inspection surface; the executor never reads back.
	ListMessages(ctx context.Context, taskID string) ([]AgentMessage, error)

	Init(ctx context.Context) error
	Close() error
}

// TaskStore persists paper-pipeline task records with their serialised
// artifact columns.
type TaskStore interface {
	CreatePaperTask(ctx context.Context, t PaperTask) error
	GetPaperTask(ctx context.Context, id string) (PaperTask, error)
	UpdatePaperTask(ctx context.Context, t PaperTask) error
}
