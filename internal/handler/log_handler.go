package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/devlog/internal/model"
)

// LogHandler は作業ログのHTTPハンドラー。
type LogHandler struct{}

// NewLogHandler はLogHandlerを生成する。
func NewLogHandler() *LogHandler {
	return &LogHandler{}
}

// logListResponse はログ一覧のAPIレスポンス。
type logListResponse struct {
	Logs  []model.Log `json:"logs"`
	Count int         `json:"count"`
}

// ListLogs はログ一覧を返す。
// GET /api/logs?range=today&q=bug&project_id=xxx&tz=Asia/Tokyo
func (h *LogHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	logs := ws.Records.FilterLogs(filter)
	writeJSON(w, http.StatusOK, logListResponse{Logs: logs, Count: len(logs)})
}

// CreateLog はプロジェクトにログを追加する。
// POST /api/logs
func (h *LogHandler) CreateLog(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req model.LogInput
	if !decodeJSON(w, r, &req) {
		return
	}

	entry, err := ws.Records.CreateLog(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// UpdateLog は指定されたフィールドのみを更新する。
// PATCH /api/logs/{id}
func (h *LogHandler) UpdateLog(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	var req model.LogPatch
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := ws.Records.UpdateLog(r.Context(), chi.URLParam(r, "id"), req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteLog はログを削除する。
// DELETE /api/logs/{id}
func (h *LogHandler) DeleteLog(w http.ResponseWriter, r *http.Request) {
	ws, ok := mustWorkspace(w, r)
	if !ok {
		return
	}

	if err := ws.Records.DeleteLog(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
