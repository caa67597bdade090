package projectstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aimanhq/aiman/internal/domain"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a project or tool does not exist
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned when a mutation targets a project that has
	// already reached a terminal status
	ErrTerminal = errors.New("project is in a terminal status")
)

// PersistenceError wraps a storage failure. Callers must never treat a
// failed write as success; the runner records the affected file as
// failed with this error's message.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Store provides SQLite-backed persistence for projects, per-file
// results and tool definitions.
type Store struct {
	db *sql.DB
}

// New creates a Store at the given database path and runs migrations
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps writes serialized and makes :memory:
	// databases behave under the connection pool. SQLite allows one
	// writer at a time anyway, so concurrent projects queue here for
	// microseconds per row rather than retrying on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProject persists a project and one pending file result per path
// in a single transaction.
func (s *Store) CreateProject(p *domain.Project) error {
	tx, err := s.db.Begin()
	if err != nil {
		return persistErr("create project", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO projects (id, name, tool_id, tool_name, command_template, status, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.Name,
		p.ToolID,
		p.ToolName,
		p.CommandTemplate,
		string(p.Status),
		p.CreatedAt,
		p.StartedAt,
		p.FinishedAt,
	)
	if err != nil {
		return persistErr("create project", err)
	}

	for _, r := range p.FileResults {
		_, err = tx.Exec(`
			INSERT INTO file_results (project_id, file_index, file_path, status, exit_code, output_excerpt, error_message, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.ID, r.Index, r.Path, string(r.Status), r.ExitCode, r.OutputExcerpt, r.ErrorMessage, r.StartedAt, r.FinishedAt,
		)
		if err != nil {
			return persistErr("create file result", err)
		}
	}

	return persistErr("create project", tx.Commit())
}

// GetProject retrieves a project with its file results. The project row
// and its results are read inside one transaction so callers never see
// a torn record.
func (s *Store) GetProject(id string) (*domain.Project, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, persistErr("get project", err)
	}
	defer tx.Rollback()

	p, err := scanProject(tx.QueryRow(`
		SELECT id, name, tool_id, tool_name, command_template, status, created_at, started_at, finished_at
		FROM projects WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}

	p.FileResults, err = loadFileResults(tx, id)
	if err != nil {
		return nil, err
	}
	p.FilePaths = pathsOf(p.FileResults)

	if err := tx.Commit(); err != nil {
		return nil, persistErr("get project", err)
	}
	return p, nil
}

// ListProjects returns all projects, newest first, with file results
func (s *Store) ListProjects() ([]*domain.Project, error) {
	return s.listProjects(`SELECT id, name, tool_id, tool_name, command_template, status, created_at, started_at, finished_at
		FROM projects ORDER BY created_at DESC`)
}

// ListActive returns projects in pending or running status, oldest
// first. Used for admission ordering and crash recovery at startup.
func (s *Store) ListActive() ([]*domain.Project, error) {
	return s.listProjects(`SELECT id, name, tool_id, tool_name, command_template, status, created_at, started_at, finished_at
		FROM projects WHERE status IN ('pending', 'running') ORDER BY created_at`)
}

func (s *Store) listProjects(query string) ([]*domain.Project, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, persistErr("list projects", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list projects", err)
	}

	for _, p := range projects {
		p.FileResults, err = loadFileResults(s.db, p.ID)
		if err != nil {
			return nil, err
		}
		p.FilePaths = pathsOf(p.FileResults)
	}
	return projects, nil
}

func pathsOf(results []domain.FileResult) []string {
	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.Path
	}
	return paths
}

// UpdateFileResult durably records one file's result. Rejected once the
// project has reached a terminal status: terminal results are frozen.
func (s *Store) UpdateFileResult(projectID string, r domain.FileResult) error {
	res, err := s.db.Exec(`
		UPDATE file_results
		SET status = ?, exit_code = ?, output_excerpt = ?, error_message = ?, started_at = ?, finished_at = ?
		WHERE project_id = ? AND file_index = ?
		AND (SELECT status FROM projects WHERE id = ?) NOT IN ('succeeded', 'failed', 'partially_failed')
	`,
		string(r.Status), r.ExitCode, r.OutputExcerpt, r.ErrorMessage, r.StartedAt, r.FinishedAt,
		projectID, r.Index, projectID,
	)
	if err != nil {
		return persistErr("update file result", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("update file result", err)
	}
	if affected == 0 {
		return s.explainRejectedWrite(projectID)
	}
	return nil
}

// TransitionStatus moves a project to a new status. Transitions out of a
// terminal status are rejected. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *Store) TransitionStatus(projectID string, status domain.ProjectStatus) error {
	now := time.Now()

	var res sql.Result
	var err error
	switch {
	case status == domain.ProjectRunning:
		res, err = s.db.Exec(`
			UPDATE projects SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'partially_failed')
		`, string(status), now, projectID)
	case status.Terminal():
		res, err = s.db.Exec(`
			UPDATE projects SET status = ?, finished_at = COALESCE(finished_at, ?)
			WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'partially_failed')
		`, string(status), now, projectID)
	default:
		res, err = s.db.Exec(`
			UPDATE projects SET status = ?
			WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'partially_failed')
		`, string(status), projectID)
	}
	if err != nil {
		return persistErr("transition status", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("transition status", err)
	}
	if affected == 0 {
		return s.explainRejectedWrite(projectID)
	}
	return nil
}

// explainRejectedWrite distinguishes a missing project from a frozen one
func (s *Store) explainRejectedWrite(projectID string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM projects WHERE id = ?`, projectID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return persistErr("lookup project", err)
	}
	if domain.ProjectStatus(status).Terminal() {
		return ErrTerminal
	}
	return ErrNotFound
}

// StatusCounts returns the number of projects in each status
func (s *Store) StatusCounts() (map[domain.ProjectStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, persistErr("count projects", err)
	}
	defer rows.Close()

	counts := make(map[domain.ProjectStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, persistErr("count projects", err)
		}
		counts[domain.ProjectStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpsertTool inserts or updates a tool definition
func (s *Store) UpsertTool(t *domain.AITool) error {
	_, err := s.db.Exec(`
		INSERT INTO ai_tools (id, name, command_template, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			command_template = excluded.command_template,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, t.ID, t.Name, t.CommandTemplate, t.Active, t.CreatedAt, t.UpdatedAt)
	return persistErr("upsert tool", err)
}

// GetTool retrieves a tool by ID
func (s *Store) GetTool(id string) (*domain.AITool, error) {
	var t domain.AITool
	err := s.db.QueryRow(`
		SELECT id, name, command_template, active, created_at, updated_at
		FROM ai_tools WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.CommandTemplate, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get tool", err)
	}
	return &t, nil
}

// ListTools returns all tool definitions ordered by name
func (s *Store) ListTools() ([]*domain.AITool, error) {
	rows, err := s.db.Query(`
		SELECT id, name, command_template, active, created_at, updated_at
		FROM ai_tools ORDER BY name
	`)
	if err != nil {
		return nil, persistErr("list tools", err)
	}
	defer rows.Close()

	var tools []*domain.AITool
	for rows.Next() {
		var t domain.AITool
		if err := rows.Scan(&t.ID, &t.Name, &t.CommandTemplate, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, persistErr("list tools", err)
		}
		tools = append(tools, &t)
	}
	return tools, rows.Err()
}

// SetToolActive enables or disables a tool. Disabling never touches
// projects that already snapshotted the tool.
func (s *Store) SetToolActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE ai_tools SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now(), id)
	if err != nil {
		return persistErr("set tool active", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("set tool active", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func loadFileResults(q queryer, projectID string) ([]domain.FileResult, error) {
	rows, err := q.Query(`
		SELECT file_index, file_path, status, exit_code, output_excerpt, error_message, started_at, finished_at
		FROM file_results WHERE project_id = ? ORDER BY file_index
	`, projectID)
	if err != nil {
		return nil, persistErr("load file results", err)
	}
	defer rows.Close()

	var results []domain.FileResult
	for rows.Next() {
		var r domain.FileResult
		var status string
		var exitCode sql.NullInt64
		var excerpt, errMsg sql.NullString
		var startedAt, finishedAt sql.NullTime

		if err := rows.Scan(&r.Index, &r.Path, &status, &exitCode, &excerpt, &errMsg, &startedAt, &finishedAt); err != nil {
			return nil, persistErr("load file results", err)
		}

		r.Status = domain.FileStatus(status)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		r.OutputExcerpt = excerpt.String
		r.ErrorMessage = errMsg.String
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var status string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&p.ID, &p.Name, &p.ToolID, &p.ToolName, &p.CommandTemplate, &status, &p.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("scan project", err)
	}

	p.Status = domain.ProjectStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		p.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		p.FinishedAt = &t
	}
	return &p, nil
}

func scanProjectRows(rows *sql.Rows) (*domain.Project, error) {
	return scanProject(rows)
}
