package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by pool and transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgresStore opens a connection pool and verifies it.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool, q: pool}, nil
}

// InitSchema creates tables and indexes if absent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			design_doc_path VARCHAR(500) NOT NULL DEFAULT '',
			repo_path VARCHAR(500) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'design',
			llm_config JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS phases (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			branch_name VARCHAR(255) NOT NULL,
			ord INTEGER NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			phase_id UUID NOT NULL REFERENCES phases(id) ON DELETE CASCADE,
			title VARCHAR(500) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'waiting',
			priority VARCHAR(20) NOT NULL DEFAULT 'medium',
			worker_prompt JSONB,
			qa_prompt JSONB,
			branch_name VARCHAR(255) NOT NULL DEFAULT '',
			commit_hash VARCHAR(64) NOT NULL DEFAULT '',
			worker_id VARCHAR(255) NOT NULL DEFAULT '',
			reviewer_id VARCHAR(255) NOT NULL DEFAULT '',
			qa_result JSONB,
			output_path VARCHAR(500) NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			dependency_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, dependency_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id UUID PRIMARY KEY,
			task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			from_status VARCHAR(50) NOT NULL,
			to_status VARCHAR(50) NOT NULL,
			actor VARCHAR(100) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_tasks_project_status ON tasks (project_id, status)`,
		`CREATE INDEX IF NOT EXISTS ix_tasks_phase_status ON tasks (phase_id, status)`,
		`CREATE INDEX IF NOT EXISTS ix_tasks_worker ON tasks (worker_id)`,
		`CREATE INDEX IF NOT EXISTS ix_task_history_task_ts ON task_history (task_id, ts)`,
		`CREATE INDEX IF NOT EXISTS ix_task_dependencies_dep ON task_dependencies (dependency_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- Task operations ---

const taskColumns = `id, project_id, phase_id, title, description, status, priority,
	worker_prompt, qa_prompt, branch_name, commit_hash, worker_id, reviewer_id,
	qa_result, output_path, error_message, version, created_at, updated_at,
	started_at, completed_at`

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusWaiting
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	task.Version = 1
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.q.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		task.ID, task.ProjectID, task.PhaseID, task.Title, task.Description,
		task.Status, task.Priority, task.WorkerPrompt, task.QAPrompt,
		task.BranchName, task.CommitHash, task.WorkerID, task.ReviewerID,
		task.QAResult, task.OutputPath, task.ErrorMessage, task.Version,
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for _, dep := range task.DependsOn {
		_, err := s.q.Exec(ctx,
			`INSERT INTO task_dependencies (task_id, dependency_id) VALUES ($1, $2)`,
			task.ID, dep)
		if err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	task.DependsOn, err = s.DependencyIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task, expectedVersion int) error {
	task.Version = expectedVersion + 1
	task.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, `
		UPDATE tasks SET
			title = $1, description = $2, status = $3, priority = $4,
			worker_prompt = $5, qa_prompt = $6, branch_name = $7, commit_hash = $8,
			worker_id = $9, reviewer_id = $10, qa_result = $11, output_path = $12,
			error_message = $13, version = $14, updated_at = $15,
			started_at = $16, completed_at = $17
		WHERE id = $18 AND version = $19`,
		task.Title, task.Description, task.Status, task.Priority,
		task.WorkerPrompt, task.QAPrompt, task.BranchName, task.CommitHash,
		task.WorkerID, task.ReviewerID, task.QAResult, task.OutputPath,
		task.ErrorMessage, task.Version, task.UpdatedAt,
		task.StartedAt, task.CompletedAt,
		task.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		task.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListProjectTasks(ctx context.Context, projectID string, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = $1`
	args := []any{projectID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.PhaseID != "" {
		args = append(args, filter.PhaseID)
		query += fmt.Sprintf(" AND phase_id = $%d", len(args))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	return s.queryTasks(ctx, query, args...)
}

func (s *PostgresStore) ListReadyByPriority(ctx context.Context, projectID string) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = $1 AND status = $2
		ORDER BY
			CASE priority
				WHEN 'critical' THEN 0
				WHEN 'high' THEN 1
				WHEN 'medium' THEN 2
				WHEN 'low' THEN 3
				ELSE 99
			END,
			created_at ASC`,
		projectID, StatusReady)
}

func (s *PostgresStore) CountByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := s.q.Query(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = $1 GROUP BY status`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- History ---

func (s *PostgresStore) AppendHistory(ctx context.Context, h *TaskHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO task_history (id, task_id, from_status, to_status, actor, reason, metadata, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.TaskID, h.FromStatus, h.ToStatus, h.Actor, h.Reason, h.Metadata, h.Timestamp)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskHistory(ctx context.Context, taskID string) ([]*TaskHistory, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, task_id, from_status, to_status, actor, reason, metadata, ts
		FROM task_history WHERE task_id = $1 ORDER BY ts ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*TaskHistory
	for rows.Next() {
		var h TaskHistory
		if err := rows.Scan(&h.ID, &h.TaskID, &h.FromStatus, &h.ToStatus,
			&h.Actor, &h.Reason, &h.Metadata, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// --- Dependency graph ---

func (s *PostgresStore) MissingDependencies(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx, `SELECT id FROM tasks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("check dependencies: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("check dependencies: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// HasCircularDependency walks the dependency graph depth-first looking
// for a path from any proposed dependency back to taskID.
func (s *PostgresStore) HasCircularDependency(ctx context.Context, taskID string, dependsOn []string) (bool, error) {
	visited := make(map[string]bool)
	stack := append([]string(nil), dependsOn...)

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		deps, err := s.DependencyIDs(ctx, current)
		if err != nil {
			return false, err
		}
		stack = append(stack, deps...)
	}
	return false, nil
}

func (s *PostgresStore) DependencyIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT dependency_id FROM task_dependencies WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("dependency ids %s: %w", taskID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dependency ids %s: %w", taskID, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) IncompleteDependencyCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks t
		JOIN task_dependencies d ON d.dependency_id = t.id
		WHERE d.task_id = $1 AND t.status <> $2`,
		taskID, StatusDone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incomplete dependencies %s: %w", taskID, err)
	}
	return n, nil
}

func (s *PostgresStore) FindWaitingDependents(ctx context.Context, taskID string) ([]*Task, error) {
	return s.findDependents(ctx, taskID, StatusWaiting)
}

func (s *PostgresStore) FindBlockedDependents(ctx context.Context, taskID string) ([]*Task, error) {
	return s.findDependents(ctx, taskID, StatusBlocked)
}

func (s *PostgresStore) findDependents(ctx context.Context, taskID string, status TaskStatus) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND id IN (
			SELECT task_id FROM task_dependencies WHERE dependency_id = $2
		)
		ORDER BY created_at`, status, taskID)
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProjectDesign
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.q.Exec(ctx, `
		INSERT INTO projects (id, name, description, design_doc_path, repo_path, status, llm_config, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.Name, p.Description, p.DesignDocPath, p.RepoPath, p.Status,
		p.LLMConfig, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.q.QueryRow(ctx, `
		SELECT id, name, description, design_doc_path, repo_path, status, llm_config, created_at, updated_at
		FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.DesignDocPath, &p.RepoPath,
			&p.Status, &p.LLMConfig, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, limit, offset int) ([]*Project, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx, `
		SELECT id, name, description, design_doc_path, repo_path, status, llm_config, created_at, updated_at
		FROM projects ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.DesignDocPath,
			&p.RepoPath, &p.Status, &p.LLMConfig, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := s.q.Exec(ctx, `
		UPDATE projects SET name = $1, description = $2, design_doc_path = $3,
			repo_path = $4, status = $5, llm_config = $6, updated_at = $7
		WHERE id = $8`,
		p.Name, p.Description, p.DesignDocPath, p.RepoPath, p.Status,
		p.LLMConfig, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Phases ---

func (s *PostgresStore) CreatePhase(ctx context.Context, ph *Phase) error {
	if ph.ID == "" {
		ph.ID = uuid.NewString()
	}
	if ph.Status == "" {
		ph.Status = PhasePending
	}
	now := time.Now().UTC()
	ph.CreatedAt = now
	ph.UpdatedAt = now

	_, err := s.q.Exec(ctx, `
		INSERT INTO phases (id, project_id, name, description, branch_name, ord, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ph.ID, ph.ProjectID, ph.Name, ph.Description, ph.BranchName,
		ph.Order, ph.Status, ph.CreatedAt, ph.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert phase: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPhase(ctx context.Context, id string) (*Phase, error) {
	var ph Phase
	err := s.q.QueryRow(ctx, `
		SELECT id, project_id, name, description, branch_name, ord, status, created_at, updated_at
		FROM phases WHERE id = $1`, id).
		Scan(&ph.ID, &ph.ProjectID, &ph.Name, &ph.Description, &ph.BranchName,
			&ph.Order, &ph.Status, &ph.CreatedAt, &ph.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get phase %s: %w", id, err)
	}
	return &ph, nil
}

func (s *PostgresStore) ListPhases(ctx context.Context, projectID string) ([]*Phase, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, project_id, name, description, branch_name, ord, status, created_at, updated_at
		FROM phases WHERE project_id = $1 ORDER BY ord ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var out []*Phase
	for rows.Next() {
		var ph Phase
		if err := rows.Scan(&ph.ID, &ph.ProjectID, &ph.Name, &ph.Description,
			&ph.BranchName, &ph.Order, &ph.Status, &ph.CreatedAt, &ph.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		out = append(out, &ph)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePhase(ctx context.Context, ph *Phase) error {
	ph.UpdatedAt = time.Now().UTC()
	tag, err := s.q.Exec(ctx, `
		UPDATE phases SET name = $1, description = $2, branch_name = $3,
			ord = $4, status = $5, updated_at = $6
		WHERE id = $7`,
		ph.Name, ph.Description, ph.BranchName, ph.Order, ph.Status,
		ph.UpdatedAt, ph.ID)
	if err != nil {
		return fmt.Errorf("update phase %s: %w", ph.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Transactions ---

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &PostgresStore{pool: nil, q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Scanning helpers ---

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range out {
		task.DependsOn, err = s.DependencyIDs(ctx, task.ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.PhaseID, &t.Title, &t.Description,
		&t.Status, &t.Priority, &t.WorkerPrompt, &t.QAPrompt, &t.BranchName,
		&t.CommitHash, &t.WorkerID, &t.ReviewerID, &t.QAResult, &t.OutputPath,
		&t.ErrorMessage, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		&t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
