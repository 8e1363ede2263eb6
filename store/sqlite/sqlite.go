// Package sqlite implements ensemble.MessageStore and ensemble.TaskStore
// using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/ensemble"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including timing
// and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists A2A messages and paper task records in a local SQLite file.
// Each A2A write runs in its own implicit transaction; messages are durable
// once WriteMessage returns nil.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ensemble.MessageStore = (*Store)(nil)
var _ ensemble.TaskStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			protocol TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			intent TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			latency_ms INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			tool_calls INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_messages_task
			ON agent_messages(task_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS paper_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			paper_type TEXT NOT NULL,
			status TEXT NOT NULL,
			research_question TEXT NOT NULL,
			study_design TEXT,
			raw_data TEXT,
			manuscript TEXT,
			ref_list TEXT,
			stats_report TEXT,
			compliance_report TEXT,
			current_step TEXT NOT NULL,
			revision_round INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteMessage durably stores one A2A message.
func (s *Store) WriteMessage(ctx context.Context, msg ensemble.AgentMessage) error {
	start := time.Now()
	var errJSON []byte
	if msg.Error != nil {
		errJSON, _ = json.Marshal(msg.Error)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_messages
			(id, task_id, correlation_id, protocol, timestamp, sender, receiver,
			 intent, status, input, output, error, latency_ms, input_tokens,
			 output_tokens, tool_calls)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TaskID, msg.CorrelationID, msg.Protocol, msg.Timestamp,
		msg.Sender, msg.Receiver, msg.Intent, string(msg.Status),
		nullable(msg.Input), nullable(msg.Output), nullable(errJSON),
		msg.Metrics.LatencyMS, msg.Metrics.InputTokens,
		msg.Metrics.OutputTokens, msg.Metrics.ToolCalls)
	if err != nil {
		return fmt.Errorf("sqlite: write message: %w", err)
	}
	s.logger.Debug("sqlite: message written",
		"id", msg.ID,
		"task_id", msg.TaskID,
		"duration", time.Since(start))
	return nil
}

// ListMessages returns all messages for a task ordered by timestamp.
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]ensemble.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, correlation_id, protocol, timestamp, sender,
			receiver, intent, status, input, output, error, latency_ms,
			input_tokens, output_tokens, tool_calls
		 FROM agent_messages
		 WHERE task_id = ?
		 ORDER BY timestamp, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []ensemble.AgentMessage
	for rows.Next() {
		var m ensemble.AgentMessage
		var status string
		var input, output, errJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.TaskID, &m.CorrelationID, &m.Protocol,
			&m.Timestamp, &m.Sender, &m.Receiver, &m.Intent, &status,
			&input, &output, &errJSON, &m.Metrics.LatencyMS,
			&m.Metrics.InputTokens, &m.Metrics.OutputTokens,
			&m.Metrics.ToolCalls); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Status = ensemble.MessageStatus(status)
		if input.Valid {
			m.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			m.Output = json.RawMessage(output.String)
		}
		if errJSON.Valid {
			var ae ensemble.AgentError
			if err := json.Unmarshal([]byte(errJSON.String), &ae); err == nil {
				m.Error = &ae
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreatePaperTask inserts a paper task record.
func (s *Store) CreatePaperTask(ctx context.Context, t ensemble.PaperTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paper_tasks
			(id, user_id, paper_type, status, research_question, study_design,
			 raw_data, manuscript, ref_list, stats_report, compliance_report,
			 current_step, revision_round, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.PaperType, string(t.Status), t.ResearchQuestion,
		nullable(t.StudyDesign), nullable(t.RawData), nullable(t.Manuscript),
		nullable(t.References), nullable(t.StatsReport),
		nullable(t.ComplianceReport), t.CurrentStep, t.RevisionRound,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create paper task: %w", err)
	}
	return nil
}

// GetPaperTask loads a paper task record by id.
func (s *Store) GetPaperTask(ctx context.Context, id string) (ensemble.PaperTask, error) {
	var t ensemble.PaperTask
	var status string
	var design, raw, manuscript, refs, stats, compliance sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, paper_type, status, research_question,
			study_design, raw_data, manuscript, ref_list, stats_report,
			compliance_report, current_step, revision_round, created_at, updated_at
		 FROM paper_tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.UserID, &t.PaperType, &status, &t.ResearchQuestion,
			&design, &raw, &manuscript, &refs, &stats, &compliance,
			&t.CurrentStep, &t.RevisionRound, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return ensemble.PaperTask{}, fmt.Errorf("sqlite: get paper task: %w", err)
	}
	t.Status = ensemble.TaskStatus(status)
	t.StudyDesign = rawOrNil(design)
	t.RawData = rawOrNil(raw)
	t.Manuscript = rawOrNil(manuscript)
	t.References = rawOrNil(refs)
	t.StatsReport = rawOrNil(stats)
	t.ComplianceReport = rawOrNil(compliance)
	return t, nil
}

// UpdatePaperTask overwrites a paper task record. Returns sql.ErrNoRows when
// the id does not exist.
func (s *Store) UpdatePaperTask(ctx context.Context, t ensemble.PaperTask) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE paper_tasks SET
			user_id = ?, paper_type = ?, status = ?, research_question = ?,
			study_design = ?, raw_data = ?, manuscript = ?, ref_list = ?,
			stats_report = ?, compliance_report = ?, current_step = ?,
			revision_round = ?, updated_at = ?
		 WHERE id = ?`,
		t.UserID, t.PaperType, string(t.Status), t.ResearchQuestion,
		nullable(t.StudyDesign), nullable(t.RawData), nullable(t.Manuscript),
		nullable(t.References), nullable(t.StatsReport),
		nullable(t.ComplianceReport), t.CurrentStep, t.RevisionRound,
		t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update paper task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update paper task: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullable(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(v sql.NullString) json.RawMessage {
	if !v.Valid {
		return nil
	}
	return json.RawMessage(v.String)
}
