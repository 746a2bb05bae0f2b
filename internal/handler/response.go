// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/devlog/internal/errtrans"
	"github.com/hitoshi/devlog/internal/middleware"
	"github.com/hitoshi/devlog/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
// 入力値はサニタイズで5000文字に切り詰められるため、それを十分に上回る値にしている。
const maxRequestBodyBytes = 1 << 20

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをJSONとして解析する。
// 解析に失敗した場合はバリデーションエラーのレスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("The request body could not be parsed."))
		return false
	}
	return true
}

// handleServiceError はサービス層のエラーを適切なHTTPレスポンスに変換する。
// APIErrorはカテゴリに応じたステータスで返し、IDプロバイダーのエラーは翻訳してから返す。
// それ以外は500として詳細をログにのみ出力する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) && errtrans.CodeOf(err) != "" {
		apiErr = errtrans.AsAPIError(err)
	}
	if apiErr != nil {
		status := middleware.StatusForError(apiErr)
		if apiErr.Category != model.CategoryValidation && status >= http.StatusInternalServerError {
			slog.Error("request failed",
				slog.String("path", r.URL.Path),
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Error()),
			)
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}

	slog.Error("unexpected service error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
