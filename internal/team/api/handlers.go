package api

import (
	goerrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/team/models"
	"github.com/kokino/kokino/internal/team/service"
)

// Handler contains HTTP handlers for the project and team API.
type Handler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewHandler creates a new team API handler.
func NewHandler(svc *service.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		logger:  log.WithFields(zap.String("component", "team-api")),
	}
}

func writeError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if goerrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	fallback := errors.InternalError("request failed", err)
	c.JSON(fallback.HTTPStatus, fallback)
}

// CreateProject creates a project.
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	project, err := h.service.CreateProject(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects lists all projects.
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.service.ListProjects(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProjectsListResponse{Projects: projects, Total: len(projects)})
}

// GetProject returns one project.
// GET /api/v1/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.service.GetProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// UpdateProject updates a project's name and description.
// PUT /api/v1/projects/:projectId
func (h *Handler) UpdateProject(c *gin.Context) {
	var req UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	project, err := h.service.UpdateProject(c.Request.Context(), c.Param("projectId"), req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// DeleteProject removes an empty project.
// DELETE /api/v1/projects/:projectId
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.service.DeleteProject(c.Request.Context(), c.Param("projectId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateTeam creates a team under a project.
// POST /api/v1/projects/:projectId/teams
func (h *Handler) CreateTeam(c *gin.Context) {
	var req CreateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	team, err := h.service.CreateTeam(c.Request.Context(), c.Param("projectId"), req.Name, req.AgentIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

// ListTeams lists a project's teams.
// GET /api/v1/projects/:projectId/teams
func (h *Handler) ListTeams(c *gin.Context) {
	teams, err := h.service.ListTeams(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TeamsListResponse{Teams: teams, Total: len(teams)})
}

// GetTeam returns one team.
// GET /api/v1/teams/:teamId
func (h *Handler) GetTeam(c *gin.Context) {
	team, err := h.service.GetTeam(c.Request.Context(), c.Param("teamId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// UpdateTeam updates a team's name and member list.
// PUT /api/v1/teams/:teamId
func (h *Handler) UpdateTeam(c *gin.Context) {
	var req UpdateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	team, err := h.service.UpdateTeam(c.Request.Context(), c.Param("teamId"), req.Name, req.AgentIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// DeleteTeam removes a team and its run history.
// DELETE /api/v1/teams/:teamId
func (h *Handler) DeleteTeam(c *gin.Context) {
	if err := h.service.DeleteTeam(c.Request.Context(), c.Param("teamId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RunTeam starts or stops every member of a team.
// POST /api/v1/teams/:teamId/runs
func (h *Handler) RunTeam(c *gin.Context) {
	var req RunTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	run, err := h.service.Run(c.Request.Context(), c.Param("teamId"), models.RunAction(req.Action))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns lists a team's runs, most recent first.
// GET /api/v1/teams/:teamId/runs
func (h *Handler) ListRuns(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	runs, err := h.service.ListRuns(c.Request.Context(), c.Param("teamId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunsListResponse{Runs: runs, Total: len(runs)})
}

// GetRun returns one team run.
// GET /api/v1/teams/:teamId/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
