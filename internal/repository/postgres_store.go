package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables the service reads and writes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const executionColumns = `execution_id, workflow_id, status, raw_result, result_text, error_message, metadata, created_at, updated_at`

// CreateExecution inserts a PROCESSING record. A non-zero CreatedAt is
// stored as given so that records from every store share the caller's
// clock; otherwise the database clock is used.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	var createdAt *time.Time
	if !exec.CreatedAt.IsZero() {
		t := exec.CreatedAt
		createdAt = &t
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO execution_results (execution_id, workflow_id, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()), COALESCE($5::timestamptz, now()))
		 RETURNING created_at, updated_at`,
		exec.ExecutionID, exec.WorkflowID, models.ExecutionProcessing, exec.Metadata, createdAt,
	).Scan(&exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", exec.ExecutionID, err)
	}
	exec.Status = models.ExecutionProcessing
	return nil
}

// FinishExecution performs the conditional terminal write.
func (s *PostgresStore) FinishExecution(ctx context.Context, id string, out Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("status %s is not terminal", out.Status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE execution_results
		 SET status = $2, raw_result = $3, result_text = $4, error_message = $5, updated_at = now()
		 WHERE execution_id = $1 AND status = 'PROCESSING'`,
		id, out.Status, nullableJSON(out.RawResult), out.ResultText, out.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}

// GetExecution retrieves an execution by its ID.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM execution_results WHERE execution_id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions returns executions most recently created first.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_results`
	var args []any
	if filter.WorkflowID != nil {
		args = append(args, *filter.WorkflowID)
		query += ` WHERE workflow_id = $1`
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// FailProcessing reconciles executions orphaned by a restart.
func (s *PostgresStore) FailProcessing(ctx context.Context, message string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE execution_results SET status = 'ERROR', error_message = $1, updated_at = now()
		 WHERE status = 'PROCESSING'`, message)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile processing executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row) (*models.Execution, error) {
	var exec models.Execution
	var raw []byte
	err := row.Scan(&exec.ExecutionID, &exec.WorkflowID, &exec.Status, &raw,
		&exec.ResultText, &exec.ErrorMessage, &exec.Metadata, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		exec.RawResult = raw
	}
	return &exec, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const workflowColumns = `workflow_id, version, is_latest, type, title, agents, tasks, rationale, yaml_text, mermaid, status, chat_id, user_id, created_at, updated_at`

// CreateWorkflowVersion stores wf as the next version of its workflow.
func (s *PostgresStore) CreateWorkflowVersion(ctx context.Context, wf *models.Workflow) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// serialize version allocation per workflow
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, wf.WorkflowID); err != nil {
		return fmt.Errorf("failed to lock workflow %s: %w", wf.WorkflowID, err)
	}

	var current int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflows WHERE workflow_id = $1`, wf.WorkflowID,
	).Scan(&current); err != nil {
		return fmt.Errorf("failed to read workflow version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE workflows SET is_latest = false WHERE workflow_id = $1 AND is_latest`, wf.WorkflowID,
	); err != nil {
		return fmt.Errorf("failed to demote previous version: %w", err)
	}

	wf.Version = current + 1
	wf.IsLatest = true
	if wf.Status == "" {
		wf.Status = models.WorkflowPending
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO workflows (workflow_id, version, is_latest, type, title, agents, tasks, rationale, yaml_text, mermaid, status, chat_id, user_id)
		 VALUES ($1, $2, true, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at, updated_at`,
		wf.WorkflowID, wf.Version, wf.Type, wf.Title, nonNil(wf.Agents), nonNil(wf.Tasks),
		wf.Rationale, wf.YAMLText, wf.Mermaid, wf.Status, wf.ChatID, wf.UserID,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow version: %w", err)
	}

	return tx.Commit(ctx)
}

// GetWorkflow returns one version; version 0 means latest.
func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string, version int) (*models.Workflow, error) {
	var row pgx.Row
	if version <= 0 {
		row = s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1 AND is_latest`, workflowID)
	} else {
		row = s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1 AND version = $2`, workflowID, version)
	}
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", workflowID, err)
	}
	return wf, nil
}

// ListWorkflows returns the latest version of each workflow, newest first.
func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	var (
		conds = []string{"is_latest"}
		args  []any
	)
	if filter.ChatID != "" {
		args = append(args, filter.ChatID)
		conds = append(conds, fmt.Sprintf("chat_id = $%d", len(args)))
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// UpdateWorkflowStatus changes the review status of one version.
func (s *PostgresStore) UpdateWorkflowStatus(ctx context.Context, workflowID string, version int, status models.WorkflowStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET status = $3, updated_at = now() WHERE workflow_id = $1 AND version = $2`,
		workflowID, version, status)
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var wf models.Workflow
	err := row.Scan(&wf.WorkflowID, &wf.Version, &wf.IsLatest, &wf.Type, &wf.Title, &wf.Agents, &wf.Tasks,
		&wf.Rationale, &wf.YAMLText, &wf.Mermaid, &wf.Status, &wf.ChatID, &wf.UserID, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// ListCatalogEntries returns active managed-service catalog entries.
func (s *PostgresStore) ListCatalogEntries(ctx context.Context, service string) ([]models.CatalogEntry, error) {
	query := `SELECT name, service, description, active, config, updated_at FROM tool_catalog WHERE active`
	var args []any
	if service != "" {
		query += ` AND service = $1`
		args = append(args, service)
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool catalog: %w", err)
	}
	defer rows.Close()

	var out []models.CatalogEntry
	for rows.Next() {
		var e models.CatalogEntry
		if err := rows.Scan(&e.Name, &e.Service, &e.Description, &e.Active, &e.Config, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertCatalogEntry registers or replaces a catalog entry. Used by the
// seed command; the running service never writes the catalog.
func (s *PostgresStore) UpsertCatalogEntry(ctx context.Context, e models.CatalogEntry) error {
	if e.Config == nil {
		e.Config = map[string]any{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO tool_catalog (name, service, description, active, config)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE
		 SET service = EXCLUDED.service, description = EXCLUDED.description,
		     active = EXCLUDED.active, config = EXCLUDED.config, updated_at = now()`,
		e.Name, e.Service, e.Description, e.Active, e.Config)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog entry %s: %w", e.Name, err)
	}
	return nil
}

// RecentMessages returns up to limit messages of a chat, oldest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx,
		`SELECT chat_id, role, content, summary, created_at FROM (
		   SELECT * FROM chat_messages WHERE chat_id = $1 ORDER BY id DESC LIMIT $2
		 ) recent ORDER BY id ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat history: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ChatID, &m.Role, &m.Content, &m.Summary, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
