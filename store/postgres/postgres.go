// Package postgres implements ensemble.MessageStore and ensemble.TaskStore
// using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/ensemble"
)

// Store persists A2A messages and paper task records in PostgreSQL.
// Each A2A write runs in its own transaction; a message is durable once
// WriteMessage returns nil.
type Store struct {
	pool *pgxpool.Pool
}

var _ ensemble.MessageStore = (*Store)(nil)
var _ ensemble.TaskStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			protocol TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			intent TEXT NOT NULL,
			status TEXT NOT NULL,
			input JSONB,
			output JSONB,
			error JSONB,
			latency_ms BIGINT NOT NULL,
			input_tokens INT NOT NULL,
			output_tokens INT NOT NULL,
			tool_calls INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_messages_task
			ON agent_messages(task_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS paper_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			paper_type TEXT NOT NULL,
			status TEXT NOT NULL,
			research_question TEXT NOT NULL,
			study_design JSONB,
			raw_data JSONB,
			manuscript JSONB,
			ref_list JSONB,
			stats_report JSONB,
			compliance_report JSONB,
			current_step TEXT NOT NULL,
			revision_round INT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }

// WriteMessage durably stores one A2A message inside a transaction.
func (s *Store) WriteMessage(ctx context.Context, msg ensemble.AgentMessage) error {
	var errJSON []byte
	if msg.Error != nil {
		errJSON, _ = json.Marshal(msg.Error)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO agent_messages
				(id, task_id, correlation_id, protocol, timestamp, sender,
				 receiver, intent, status, input, output, error, latency_ms,
				 input_tokens, output_tokens, tool_calls)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			msg.ID, msg.TaskID, msg.CorrelationID, msg.Protocol, msg.Timestamp,
			msg.Sender, msg.Receiver, msg.Intent, string(msg.Status),
			rawOrNull(msg.Input), rawOrNull(msg.Output), rawOrNull(errJSON),
			msg.Metrics.LatencyMS, msg.Metrics.InputTokens,
			msg.Metrics.OutputTokens, msg.Metrics.ToolCalls)
		if err != nil {
			return fmt.Errorf("postgres: write message: %w", err)
		}
		return nil
	})
}

// ListMessages returns all messages for a task ordered by timestamp.
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]ensemble.AgentMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, correlation_id, protocol, timestamp, sender,
			receiver, intent, status, input, output, error, latency_ms,
			input_tokens, output_tokens, tool_calls
		 FROM agent_messages
		 WHERE task_id = $1
		 ORDER BY timestamp, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []ensemble.AgentMessage
	for rows.Next() {
		var m ensemble.AgentMessage
		var status string
		var input, output, errJSON []byte
		if err := rows.Scan(&m.ID, &m.TaskID, &m.CorrelationID, &m.Protocol,
			&m.Timestamp, &m.Sender, &m.Receiver, &m.Intent, &status,
			&input, &output, &errJSON, &m.Metrics.LatencyMS,
			&m.Metrics.InputTokens, &m.Metrics.OutputTokens,
			&m.Metrics.ToolCalls); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Status = ensemble.MessageStatus(status)
		m.Input = input
		m.Output = output
		if len(errJSON) > 0 {
			var ae ensemble.AgentError
			if err := json.Unmarshal(errJSON, &ae); err == nil {
				m.Error = &ae
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreatePaperTask inserts a paper task record.
func (s *Store) CreatePaperTask(ctx context.Context, t ensemble.PaperTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO paper_tasks
			(id, user_id, paper_type, status, research_question, study_design,
			 raw_data, manuscript, ref_list, stats_report, compliance_report,
			 current_step, revision_round, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.UserID, t.PaperType, string(t.Status), t.ResearchQuestion,
		rawOrNull(t.StudyDesign), rawOrNull(t.RawData), rawOrNull(t.Manuscript),
		rawOrNull(t.References), rawOrNull(t.StatsReport),
		rawOrNull(t.ComplianceReport), t.CurrentStep, t.RevisionRound,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create paper task: %w", err)
	}
	return nil
}

// GetPaperTask loads a paper task record by id.
func (s *Store) GetPaperTask(ctx context.Context, id string) (ensemble.PaperTask, error) {
	var t ensemble.PaperTask
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, paper_type, status, research_question,
			study_design, raw_data, manuscript, ref_list, stats_report,
			compliance_report, current_step, revision_round, created_at, updated_at
		 FROM paper_tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &t.PaperType, &status, &t.ResearchQuestion,
			&t.StudyDesign, &t.RawData, &t.Manuscript, &t.References,
			&t.StatsReport, &t.ComplianceReport, &t.CurrentStep,
			&t.RevisionRound, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return ensemble.PaperTask{}, fmt.Errorf("postgres: get paper task: %w", err)
	}
	t.Status = ensemble.TaskStatus(status)
	return t, nil
}

// UpdatePaperTask overwrites a paper task record. Returns pgx.ErrNoRows when
// the id does not exist.
func (s *Store) UpdatePaperTask(ctx context.Context, t ensemble.PaperTask) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE paper_tasks SET
			user_id = $1, paper_type = $2, status = $3, research_question = $4,
			study_design = $5, raw_data = $6, manuscript = $7, ref_list = $8,
			stats_report = $9, compliance_report = $10, current_step = $11,
			revision_round = $12, updated_at = $13
		 WHERE id = $14`,
		t.UserID, t.PaperType, string(t.Status), t.ResearchQuestion,
		rawOrNull(t.StudyDesign), rawOrNull(t.RawData), rawOrNull(t.Manuscript),
		rawOrNull(t.References), rawOrNull(t.StatsReport),
		rawOrNull(t.ComplianceReport), t.CurrentStep, t.RevisionRound,
		t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("postgres: update paper task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func rawOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
