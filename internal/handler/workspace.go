package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/devlog/internal/middleware"
	"github.com/hitoshi/devlog/internal/model"
	"github.com/hitoshi/devlog/internal/workspace"
)

// WorkspaceResolver はクライアントIDからワークスペースを取得する。workspace.Registryが実装する。
type WorkspaceResolver interface {
	Get(ctx context.Context, clientID string) (*workspace.Workspace, error)
}

var _ WorkspaceResolver = (*workspace.Registry)(nil)

type workspaceContextKey struct{}

// NewWorkspaceMiddleware はリクエストのクライアントIDに対応するワークスペースをコンテキストに注入する。
// クライアントミドルウェアの内側に配置する。ログイン中の場合はユーザーIDをリクエストログに記録する。
func NewWorkspaceMiddleware(resolver WorkspaceResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := middleware.ClientIDFromContext(r.Context())
			if err != nil {
				slog.Error("workspace middleware requires client ID", slog.String("path", r.URL.Path))
				middleware.WriteInternalServerError(w)
				return
			}

			ws, err := resolver.Get(r.Context(), clientID)
			if err != nil {
				if errors.Is(err, workspace.ErrClosed) {
					w.Header().Set("Retry-After", "5")
					middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
						Code:     "SHUTTING_DOWN",
						Title:    "Unavailable",
						Message:  "The server is restarting.",
						Category: model.CategorySystem,
						Action:   "Please try again in a few seconds.",
					})
					return
				}
				handleServiceError(w, r, err)
				return
			}

			if s := ws.Session.Session(); s != nil {
				middleware.SetUserID(r.Context(), s.UserID)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workspaceContextKey{}, ws)))
		})
	}
}

// workspaceFromContext はNewWorkspaceMiddlewareが注入したワークスペースを返す。
func workspaceFromContext(ctx context.Context) (*workspace.Workspace, bool) {
	ws, ok := ctx.Value(workspaceContextKey{}).(*workspace.Workspace)
	return ws, ok
}

// RequireSession はログインしていないリクエストを401で拒否するミドルウェア。
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspaceFromContext(r.Context())
		if !ok || ws.Session.Session() == nil {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mustWorkspace はワークスペースを取得する。ルーター構成の誤りでない限り常に成功する。
func mustWorkspace(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	ws, ok := workspaceFromContext(r.Context())
	if !ok {
		slog.Error("workspace not found in context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return ws, true
}
