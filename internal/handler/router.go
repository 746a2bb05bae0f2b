package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/devlog/internal/middleware"
	"github.com/hitoshi/devlog/internal/view"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusObserver    middleware.StatusObserver
	CORSAllowedOrigin string
	ClientCookie      middleware.ClientCookieConfig
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker HealthChecker
	Metrics       http.Handler

	// ワークスペースと認証
	Workspaces WorkspaceResolver
	Accounts   AccountConfirmer
	AuthConfig AuthHandlerConfig

	// 表示
	Cards    view.CardRenderer
	Location *time.Location
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Client → Logging → CSRF → RateLimit(General) → Workspace
//
// /health と /metrics はクライアントCookieを発行しないようチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	authHandler := NewAuthHandler(deps.Accounts, deps.AuthConfig)
	accountHandler := NewAccountHandler()
	projectHandler := NewProjectHandler(deps.Cards, deps.Location)
	logHandler := NewLogHandler()

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewClientMiddleware(deps.ClientCookie))
		r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		// メールのリンクから開くルート（ワークスペース不要）
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/password-reset/confirm", authHandler.PasswordResetConfirm)
			r.Get("/verify", authHandler.Verify)

			r.Group(func(r chi.Router) {
				r.Use(NewWorkspaceMiddleware(deps.Workspaces))

				// 認証系は専用のレート制限を追加
				r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", authHandler.SignUp)
				r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)
				r.With(deps.RateLimiter.AuthMiddleware()).Post("/password-reset", authHandler.PasswordReset)
				r.Post("/logout", authHandler.Logout)
			})
		})

		r.Route("/api", func(r chi.Router) {
			r.Use(NewWorkspaceMiddleware(deps.Workspaces))

			r.Get("/session", accountHandler.GetSession)

			// --- ログインが必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(RequireSession)

				r.Post("/session/refresh", accountHandler.Refresh)
				r.Patch("/profile", accountHandler.UpdateProfile)
				r.Post("/account/verification", accountHandler.ResendVerification)
				r.Put("/account/password", accountHandler.ChangePassword)
				r.Delete("/account", accountHandler.DeleteAccount)

				r.Route("/projects", func(r chi.Router) {
					r.Get("/", projectHandler.ListProjects)
					r.Post("/", projectHandler.CreateProject)
					r.Post("/reload", projectHandler.ReloadProjects)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", projectHandler.GetProject)
						r.Patch("/", projectHandler.UpdateProject)
						r.Delete("/", projectHandler.DeleteProject)
						r.Get("/card", projectHandler.GetProjectCard)
					})
				})

				r.Route("/logs", func(r chi.Router) {
					r.Get("/", logHandler.ListLogs)
					r.Post("/", logHandler.CreateLog)
					r.Patch("/{id}", logHandler.UpdateLog)
					r.Delete("/{id}", logHandler.DeleteLog)
				})
			})
		})
	})

	return r
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// checkerがnilの場合（メモリ上のストアで動作している場合）は常に正常を返す。
// GET /health
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
