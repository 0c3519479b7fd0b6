package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/db"
	"github.com/kokino/kokino/internal/team/models"
)

// SQLRepository stores projects, teams, and team runs on the shared pool.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a team repository on an opened pool. The schema
// must already be applied.
func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

type projectRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r projectRow) toModel() *models.Project {
	return &models.Project{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

type teamRow struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	Name      string    `db:"name"`
	AgentIDs  string    `db:"agent_ids"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r teamRow) toModel() (*models.Team, error) {
	t := &models.Team{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.AgentIDs), &t.AgentIDs); err != nil {
		return nil, apperrors.Storage("corrupt team member list", err)
	}
	return t, nil
}

type runRow struct {
	ID         string       `db:"id"`
	TeamID     string       `db:"team_id"`
	Action     string       `db:"action"`
	Status     string       `db:"status"`
	Results    string       `db:"results"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

func (r runRow) toModel() (*models.TeamRun, error) {
	run := &models.TeamRun{
		ID:        r.ID,
		TeamID:    r.TeamID,
		Action:    models.RunAction(r.Action),
		Status:    models.RunStatus(r.Status),
		StartedAt: r.StartedAt.UTC(),
	}
	if r.Results != "" && r.Results != "{}" {
		if err := json.Unmarshal([]byte(r.Results), &run.Results); err != nil {
			return nil, apperrors.Storage("corrupt team run results", err)
		}
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time.UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

func marshalAgentIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func marshalResults(results map[string]models.AgentOutcome) string {
	if len(results) == 0 {
		return "{}"
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// CreateProject stores a new project.
func (r *SQLRepository) CreateProject(ctx context.Context, project *models.Project) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO projects (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		project.ID, project.Name, project.Description, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return apperrors.Storage("failed to create project", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (r *SQLRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, name, description, created_at, updated_at
		FROM projects WHERE id = ?
	`)

	var row projectRow
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("project", id)
		}
		return nil, apperrors.Storage("failed to load project", err)
	}
	return row.toModel(), nil
}

// ListProjects returns all projects ordered by creation time.
func (r *SQLRepository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	reader := r.pool.Reader()
	query := `
		SELECT id, name, description, created_at, updated_at
		FROM projects ORDER BY created_at ASC
	`

	var rows []projectRow
	if err := reader.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.Storage("failed to list projects", err)
	}

	projects := make([]*models.Project, 0, len(rows))
	for _, row := range rows {
		projects = append(projects, row.toModel())
	}
	return projects, nil
}

// UpdateProject replaces a project's name and description.
func (r *SQLRepository) UpdateProject(ctx context.Context, project *models.Project) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ?
	`)
	result, err := writer.ExecContext(ctx, query,
		project.Name, project.Description, time.Now().UTC(), project.ID)
	if err != nil {
		return apperrors.Storage("failed to update project", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("project", project.ID)
	}
	return nil
}

// DeleteProject removes a project after verifying it has no teams.
func (r *SQLRepository) DeleteProject(ctx context.Context, id string) error {
	reader := r.pool.Reader()
	var teams int
	if err := reader.GetContext(ctx, &teams,
		reader.Rebind(`SELECT COUNT(*) FROM teams WHERE project_id = ?`), id); err != nil {
		return apperrors.Storage("failed to count project teams", err)
	}
	if teams > 0 {
		return apperrors.Conflict("project " + id + " still has teams")
	}

	writer := r.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return apperrors.Storage("failed to delete project", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("project", id)
	}
	return nil
}

// CreateTeam stores a new team.
func (r *SQLRepository) CreateTeam(ctx context.Context, team *models.Team) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO teams (id, project_id, name, agent_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		team.ID, team.ProjectID, team.Name, marshalAgentIDs(team.AgentIDs),
		team.CreatedAt, team.UpdatedAt)
	if err != nil {
		return apperrors.Storage("failed to create team", err)
	}
	return nil
}

// GetTeam retrieves a team by ID.
func (r *SQLRepository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, project_id, name, agent_ids, created_at, updated_at
		FROM teams WHERE id = ?
	`)

	var row teamRow
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("team", id)
		}
		return nil, apperrors.Storage("failed to load team", err)
	}
	return row.toModel()
}

// ListTeams returns a project's teams ordered by creation time.
func (r *SQLRepository) ListTeams(ctx context.Context, projectID string) ([]*models.Team, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, project_id, name, agent_ids, created_at, updated_at
		FROM teams WHERE project_id = ? ORDER BY created_at ASC
	`)

	var rows []teamRow
	if err := reader.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, apperrors.Storage("failed to list teams", err)
	}

	teams := make([]*models.Team, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, nil
}

// UpdateTeam replaces a team's name and member list.
func (r *SQLRepository) UpdateTeam(ctx context.Context, team *models.Team) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		UPDATE teams SET name = ?, agent_ids = ?, updated_at = ? WHERE id = ?
	`)
	result, err := writer.ExecContext(ctx, query,
		team.Name, marshalAgentIDs(team.AgentIDs), time.Now().UTC(), team.ID)
	if err != nil {
		return apperrors.Storage("failed to update team", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("team", team.ID)
	}
	return nil
}

// DeleteTeam removes a team and its run history.
func (r *SQLRepository) DeleteTeam(ctx context.Context, id string) error {
	writer := r.pool.Writer()
	if _, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM team_runs WHERE team_id = ?`), id); err != nil {
		return apperrors.Storage("failed to delete team runs", err)
	}

	result, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM teams WHERE id = ?`), id)
	if err != nil {
		return apperrors.Storage("failed to delete team", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("team", id)
	}
	return nil
}

// CreateRun stores a new team run in the running state.
func (r *SQLRepository) CreateRun(ctx context.Context, run *models.TeamRun) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO team_runs (id, team_id, action, status, results, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		run.ID, run.TeamID, string(run.Action), string(run.Status),
		marshalResults(run.Results), run.StartedAt)
	if err != nil {
		return apperrors.Storage("failed to create team run", err)
	}
	return nil
}

// FinishRun records a run's final status and per-agent results.
func (r *SQLRepository) FinishRun(ctx context.Context, id string, status models.RunStatus, results map[string]models.AgentOutcome) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		UPDATE team_runs SET status = ?, results = ?, finished_at = ? WHERE id = ?
	`)
	result, err := writer.ExecContext(ctx, query,
		string(status), marshalResults(results), time.Now().UTC(), id)
	if err != nil {
		return apperrors.Storage("failed to finish team run", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("team run", id)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, id string) (*models.TeamRun, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, team_id, action, status, results, started_at, finished_at
		FROM team_runs WHERE id = ?
	`)

	var row runRow
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("team run", id)
		}
		return nil, apperrors.Storage("failed to load team run", err)
	}
	return row.toModel()
}

// ListRuns returns a team's runs, most recent first, up to limit.
func (r *SQLRepository) ListRuns(ctx context.Context, teamID string, limit int) ([]*models.TeamRun, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, team_id, action, status, results, started_at, finished_at
		FROM team_runs WHERE team_id = ?
		ORDER BY started_at DESC LIMIT ?
	`)

	var rows []runRow
	if err := reader.SelectContext(ctx, &rows, query, teamID, limit); err != nil {
		return nil, apperrors.Storage("failed to list team runs", err)
	}

	runs := make([]*models.TeamRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
