package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/view"
)

// ProjectHandler はプロジェクト管理のHTTPハンドラー。
// 一覧と詳細はワークスペースのメモリ上のコレクションから返し、変更はドキュメントストアへ送る。
type ProjectHandler struct {
	cards    view.CardRenderer
	location *time.Location
}

// NewProjectHandler はProjectHandlerを生成する。
// locationはtzパラメータがない場合にカードの日付表示に使うタイムゾーン。
func NewProjectHandler(cards view.CardRenderer, location *time.Location) *ProjectHandler {
	if location == nil {
		location = time.UTC
	}
	return &ProjectHandler{
		cards:    cards,
		location: location,
	}
}

// projectListResponse はプロジェクト一覧のAPIレスポンス。
type projectListResponse struct {
	Projects []model.Project `json:"projects"`
	Count    int             `json:"count"`
}

// reloadResponse は再読み込み後の件数。
type reloadResponse struct {
	Projects int `json:"projects"`
	Logs     int `json:"logs"`
}

// ListProjects はプロジェクト一覧を返す。
// GET /api/projects?range=week&q=go&tz=Asia/Tokyo
func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	projects := ws.Records.FilterProjects(filter)
	writeJSON(w, http.StatusOK, projectListResponse{Projects: projects, Count: len(projects)})
}

// CreateProject はプロジェクトを作成する。
// 作成したプロジェクトはスナップショット経由で一覧に反映される。
// POST /api/projects
func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req model.ProjectInput
	if !decodeJSON(w, r, &req) {
		return
	}

	project, err := ws.Records.CreateProject(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, project)
}

// ReloadProjects はドキュメントストアからプロジェクトとログを読み直す。
// POST /api/projects/reload
func (h *ProjectHandler) ReloadProjects(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}
	s := ws.Session.Session()
	if s == nil {
		handleServiceError(w, r, model.NewUnauthenticatedError())
		return
	}

	projects, err := ws.Records.LoadProjects(r.Context(), s.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	logs, err := ws.Records.LoadLogs(r.Context(), s.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, reloadResponse{Projects: len(projects), Logs: len(logs)})
}

// GetProject はプロジェクト詳細を返す。
// GET /api/projects/{id}
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	project, found := ws.Records.Project(id)
	if !found {
		handleServiceError(w, r, model.NewProjectNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, project)
}

// UpdateProject は指定されたフィールドのみを更新する。
// PATCH /api/projects/{id}
func (h *ProjectHandler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req model.ProjectPatch
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := ws.Records.UpdateProject(r.Context(), chi.URLParam(r, "id"), req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteProject はプロジェクトと紐づくログを削除する。
// DELETE /api/projects/{id}
func (h *ProjectHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	if err := ws.Records.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetProjectCard はプロジェクトカードのHTML断片を返す。
// GET /api/projects/{id}/card?tz=Asia/Tokyo
func (h *ProjectHandler) GetProjectCard(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	project, found := ws.Records.Project(id)
	if !found {
		handleServiceError(w, r, model.NewProjectNotFoundError(id))
		return
	}

	loc, err := locationFromQuery(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if loc == nil {
		loc = h.location
	}

	html, err := h.cards.RenderProject(project, loc)
	if err != nil {
		slog.Error("failed to render project card",
			slog.String("project_id", id),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
