package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/blas1n/BSNexus/control_plane/gitops"
	"github.com/blas1n/BSNexus/control_plane/store"
)

type projectCreateRequest struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	RepoPath      string         `json:"repo_path"`
	DesignDocPath string         `json:"design_doc_path"`
	LLMConfig     map[string]any `json:"llm_config"`
}

// handleProjects serves POST and GET /api/projects.
func (a *API) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateProject(w, r)
	case http.MethodGet:
		limit := queryInt(r.URL.Query().Get("limit"), 50)
		offset := queryInt(r.URL.Query().Get("offset"), 0)
		projects, err := a.store.ListProjects(r.Context(), limit, offset)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if projects == nil {
			projects = []*store.Project{}
		}
		a.writeJSON(w, http.StatusOK, projects)
	default:
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.RepoPath == "" {
		a.writeError(w, http.StatusBadRequest, "name and repo_path are required")
		return
	}

	project := &store.Project{
		Name:          req.Name,
		Description:   req.Description,
		RepoPath:      req.RepoPath,
		DesignDocPath: req.DesignDocPath,
		Status:        store.ProjectDesign,
	}
	if req.LLMConfig != nil {
		data, err := json.Marshal(req.LLMConfig)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		project.LLMConfig = data
	}

	if err := a.store.CreateProject(r.Context(), project); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, project)
}

// handleProjectByID routes /api/projects/{id} and
// /api/projects/{id}/phases.
func (a *API) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodGet:
		a.handleGetProject(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "phases" && r.Method == http.MethodPost:
		a.handleCreatePhase(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "phases" && r.Method == http.MethodGet:
		a.handleListPhases(w, r, parts[0])
	default:
		a.writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	project, err := a.store.GetProject(r.Context(), projectID)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, project)
}

type phaseCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Order       int    `json:"order"`
}

func (a *API) handleCreatePhase(w http.ResponseWriter, r *http.Request, projectID string) {
	var req phaseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		a.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ctx := r.Context()
	project, err := a.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	phase := &store.Phase{
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
		BranchName:  "phase/" + slugify(req.Name),
		Order:       req.Order,
		Status:      store.PhasePending,
	}
	if err := a.store.CreatePhase(ctx, phase); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Branch creation is best-effort, like task commits.
	a.createPhaseBranch(ctx, project.RepoPath, phase.BranchName)

	a.writeJSON(w, http.StatusCreated, phase)
}

func (a *API) createPhaseBranch(ctx context.Context, repoPath, branch string) {
	if repoPath == "" {
		return
	}
	if err := gitops.NewCLI(repoPath).CreatePhaseBranch(ctx, branch); err != nil {
		a.log.WithError(err).WithField("branch", branch).Warn("phase branch creation failed")
	}
}

func (a *API) handleListPhases(w http.ResponseWriter, r *http.Request, projectID string) {
	phases, err := a.store.ListPhases(r.Context(), projectID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if phases == nil {
		phases = []*store.Phase{}
	}
	a.writeJSON(w, http.StatusOK, phases)
}

// slugify lowercases and dashes a phase name for its branch.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
